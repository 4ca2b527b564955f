package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"checkout-service/internal/client"
	"checkout-service/internal/dto"
	"checkout-service/internal/model"
	"checkout-service/internal/service"

	"github.com/labstack/echo/v4"
)

// PaymentHandler receives provider notifications. These routes are called
// by the providers themselves and carry no customer token.
type PaymentHandler struct {
	paymentService service.PaymentService
	logger         *slog.Logger
}

func NewPaymentHandler(paymentService service.PaymentService, logger *slog.Logger) *PaymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandler{
		paymentService: paymentService,
		logger:         logger,
	}
}

func flatten(values url.Values) map[string]string {
	params := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func (h *PaymentHandler) ack(c echo.Context, provider model.PaymentProvider, ref string, params map[string]string) error {
	if ref == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing transaction reference")
	}

	ok, err := h.paymentService.HandlePaymentCallback(c.Request().Context(), provider, ref, &service.CallbackPayload{
		Params:  params,
		Headers: c.Request().Header,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &dto.CallbackAck{Acknowledged: ok})
}

// MockCallback takes the form post of the mock payment page.
func (h *PaymentHandler) MockCallback(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form")
	}
	params := flatten(form)
	return h.ack(c, model.ProviderMock, params["transactionId"], params)
}

// VNPayReturn is where the customer's browser lands after paying.
func (h *PaymentHandler) VNPayReturn(c echo.Context) error {
	params := flatten(c.QueryParams())
	return h.ack(c, model.ProviderVNPay, params["vnp_TxnRef"], params)
}

type vnpayIPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// VNPayIPN is the server-to-server notification. VNPay retries until it
// reads RspCode 00 or 02, so every outcome answers 200 with a code.
func (h *PaymentHandler) VNPayIPN(c echo.Context) error {
	ctx := c.Request().Context()
	params := flatten(c.QueryParams())

	ref := params["vnp_TxnRef"]
	if ref == "" {
		return c.JSON(http.StatusOK, &vnpayIPNResponse{RspCode: "99", Message: "Input data required"})
	}

	outcome, err := h.paymentService.ProcessCallback(ctx, model.ProviderVNPay, ref, &service.CallbackPayload{Params: params})
	if err != nil {
		h.logger.ErrorContext(ctx, "vnpay ipn failed", "provider_ref", ref, "error", err)
		return c.JSON(http.StatusOK, &vnpayIPNResponse{RspCode: "99", Message: "Unknown error"})
	}

	switch outcome.Result {
	case service.CallbackUnknownRef:
		return c.JSON(http.StatusOK, &vnpayIPNResponse{RspCode: "01", Message: "Order not found"})
	case service.CallbackRejected:
		return c.JSON(http.StatusOK, &vnpayIPNResponse{RspCode: "97", Message: "Invalid signature"})
	case service.CallbackDuplicate:
		return c.JSON(http.StatusOK, &vnpayIPNResponse{RspCode: "02", Message: "Order already confirmed"})
	case service.CallbackInProgress:
		// not acknowledged, so VNPay sends it again
		return c.JSON(http.StatusOK, &vnpayIPNResponse{RspCode: "99", Message: "Payment is being processed"})
	default:
		return c.JSON(http.StatusOK, &vnpayIPNResponse{RspCode: "00", Message: "Confirm Success"})
	}
}

func (h *PaymentHandler) PayPalWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	ref := client.PaypalOrderIDFromWebhook(body)
	if ref == "" {
		// not an order event
		return c.NoContent(http.StatusOK)
	}

	outcome, err := h.paymentService.ProcessCallback(ctx, model.ProviderPayPal, ref, &service.CallbackPayload{
		Headers: c.Request().Header,
		Body:    body,
	})
	if err != nil {
		return err
	}

	// PayPal redelivers anything that is not a 2xx
	switch outcome.Result {
	case service.CallbackRejected:
		return c.NoContent(http.StatusBadRequest)
	case service.CallbackInProgress:
		return c.NoContent(http.StatusConflict)
	}
	return c.NoContent(http.StatusOK)
}

// PayPalReturn is the return_url of a PayPal order. The buyer has approved
// the order; the status check captures it.
func (h *PaymentHandler) PayPalReturn(c echo.Context) error {
	ref := c.QueryParam("token")
	if ref == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing token")
	}

	status, err := h.paymentService.HandleProviderReturn(c.Request().Context(), model.ProviderPayPal, ref)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

// BraintreeCallback receives the nonce from the hosted drop-in page.
func (h *PaymentHandler) BraintreeCallback(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form")
	}
	params := flatten(form)
	return h.ack(c, model.ProviderBraintree, params["transaction"], params)
}
