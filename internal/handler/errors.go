package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"checkout-service/internal/service"

	"github.com/labstack/echo/v4"
)

type errorBody struct {
	Error string      `json:"error"`
	Kind  string      `json:"kind,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// statusOf maps a service error kind to its HTTP status.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrExternal):
		return http.StatusBadGateway, "external"
	case errors.Is(err, service.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence"
	default:
		return http.StatusInternalServerError, ""
	}
}

// ErrorHandler renders service errors as JSON with the status of their kind.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, ok := he.Message.(string)
			if !ok {
				msg = http.StatusText(he.Code)
			}
			_ = c.JSON(he.Code, &errorBody{Error: msg})
			return
		}

		code, kind := statusOf(err)
		if code >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				"method", c.Request().Method, "path", c.Path(), "error", err)
		}

		msg := err.Error()
		if kind == "" {
			msg = http.StatusText(code)
		}
		_ = c.JSON(code, &errorBody{Error: msg, Kind: kind})
	}
}

// withData reports err together with the partial result the service
// returned, such as committed orders whose payment initiation failed.
func withData(c echo.Context, err error, data interface{}) error {
	code, kind := statusOf(err)
	return c.JSON(code, &errorBody{Error: err.Error(), Kind: kind, Data: data})
}
