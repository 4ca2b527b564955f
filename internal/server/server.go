package server

import (
	"context"
	"log/slog"
	"net/http"

	"checkout-service/internal/client"
	"checkout-service/internal/config"
	"checkout-service/internal/handler"
	"checkout-service/internal/metrics"
	authmw "checkout-service/internal/middleware"
	"checkout-service/internal/service"
	"checkout-service/internal/validation"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Deps struct {
	CheckoutService service.CheckoutService
	OrderService    service.OrderService
	PaymentService  service.PaymentService
	Blacklist       client.TokenBlacklist
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Server struct {
	echo           *echo.Echo
	orderHandler   *handler.OrderHandler
	paymentHandler *handler.PaymentHandler
	auth           echo.MiddlewareFunc
	admin          echo.MiddlewareFunc
	metrics        *metrics.Metrics
}

func NewServer(jwtCfg *config.JWT, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = &validation.EchoValidator{V: validation.New()}
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", slog.Group("http", attrs...))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:           e,
		orderHandler:   handler.NewOrderHandler(deps.CheckoutService, deps.OrderService, deps.PaymentService),
		paymentHandler: handler.NewPaymentHandler(deps.PaymentService, logger),
		auth:           authmw.AuthMiddleware(jwtCfg, deps.Blacklist, logger),
		admin:          authmw.RequireRole(jwtCfg.AdminRole),
		metrics:        deps.Metrics,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// -------- orders --------
	orders := api.Group("/orders", s.auth)
	orders.POST("/checkout", s.orderHandler.Checkout)
	orders.POST("", s.orderHandler.CreateOrder)
	orders.GET("", s.orderHandler.ListOrders)
	orders.GET("/:id", s.orderHandler.GetOrder)
	orders.PATCH("/:id", s.orderHandler.UpdateOrder)
	orders.DELETE("/:id", s.orderHandler.DeleteOrder)
	orders.POST("/:id/payment/initiate", s.orderHandler.InitiatePayment)
	orders.GET("/:id/payment/status", s.orderHandler.PaymentStatus)

	// -------- payments --------
	payments := api.Group("/payments")
	payments.POST("/:id/retry", s.orderHandler.RetryPayment, s.auth)
	payments.POST("/:id/refund", s.orderHandler.RefundPayment, s.auth, s.admin)

	// -------- provider callbacks --------
	payments.POST("/callback", s.paymentHandler.MockCallback)
	payments.GET("/vnpay/return", s.paymentHandler.VNPayReturn)
	payments.GET("/vnpay/ipn", s.paymentHandler.VNPayIPN)
	payments.GET("/paypal/return", s.paymentHandler.PayPalReturn)
	payments.POST("/paypal/webhook", s.paymentHandler.PayPalWebhook)
	payments.POST("/braintree/callback", s.paymentHandler.BraintreeCallback)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
