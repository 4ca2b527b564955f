package handler

import (
	"net/http"
	"strconv"

	"checkout-service/internal/dto"
	"checkout-service/internal/middleware"
	"checkout-service/internal/service"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type OrderHandler struct {
	checkoutService service.CheckoutService
	orderService    service.OrderService
	paymentService  service.PaymentService
}

func NewOrderHandler(checkoutService service.CheckoutService, orderService service.OrderService, paymentService service.PaymentService) *OrderHandler {
	return &OrderHandler{
		checkoutService: checkoutService,
		orderService:    orderService,
		paymentService:  paymentService,
	}
}

func customerFromContext(c echo.Context) (string, error) {
	customerID, err := middleware.CustomerID(c)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return customerID, nil
}

func idParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *OrderHandler) Checkout(c echo.Context) error {
	ctx := c.Request().Context()

	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}

	var req dto.CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	result, err := h.checkoutService.CreateFromCart(ctx, customerID, &req, middleware.AccessToken(c), c.RealIP())
	if err != nil {
		if result != nil {
			return withData(c, err, result)
		}
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

func (h *OrderHandler) CreateOrder(c echo.Context) error {
	ctx := c.Request().Context()

	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}

	var req dto.CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	result, err := h.checkoutService.CreateSingleOrder(ctx, customerID, &req, middleware.AccessToken(c), c.RealIP())
	if err != nil {
		if result != nil {
			return withData(c, err, result)
		}
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

func (h *OrderHandler) GetOrder(c echo.Context) error {
	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}

	order, err := h.orderService.Get(c.Request().Context(), customerID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) ListOrders(c echo.Context) error {
	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))

	orders, err := h.orderService.List(c.Request().Context(), customerID, page, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, orders)
}

func (h *OrderHandler) UpdateOrder(c echo.Context) error {
	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}

	var req dto.UpdateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	order, err := h.orderService.UpdateContact(c.Request().Context(), customerID, id, &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) DeleteOrder(c echo.Context) error {
	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}

	if err := h.orderService.Delete(c.Request().Context(), customerID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *OrderHandler) InitiatePayment(c echo.Context) error {
	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}

	payment, err := h.paymentService.InitiatePayment(c.Request().Context(), customerID, id, c.RealIP())
	if err != nil {
		if payment != nil {
			return withData(c, err, payment)
		}
		return err
	}
	return c.JSON(http.StatusOK, payment)
}

// PaymentStatus is polled by the client after scanning the QR code.
func (h *OrderHandler) PaymentStatus(c echo.Context) error {
	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}

	status, err := h.paymentService.UpdatePaymentStatusAfterScan(c.Request().Context(), customerID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

func (h *OrderHandler) RetryPayment(c echo.Context) error {
	customerID, err := customerFromContext(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}

	payment, err := h.paymentService.RetryInitiation(c.Request().Context(), customerID, id, c.RealIP())
	if err != nil {
		if payment != nil {
			return withData(c, err, payment)
		}
		return err
	}
	return c.JSON(http.StatusOK, payment)
}

func (h *OrderHandler) RefundPayment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}

	payment, err := h.paymentService.MarkRefunded(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payment)
}
