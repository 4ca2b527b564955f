package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"checkout-service/internal/client"
	"checkout-service/internal/dto"
	"checkout-service/internal/metrics"
	"checkout-service/internal/mocks"
	"checkout-service/internal/model"
	"checkout-service/internal/repository"
	"checkout-service/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testCustomer = "cust-1"
	testToken    = "token"
)

type testEnv struct {
	db           *gorm.DB
	orderRepo    repository.OrderRepository
	txRepo       repository.PaymentTransactionRepository
	outboxRepo   repository.OutboxRepository
	callbackRepo repository.PaymentCallbackRepository

	provider *mocks.MockPaymentProvider
	cart     *mocks.MockCartClient
	metrics  *metrics.Metrics

	reconciler *Reconciler
	logger     *slog.Logger
	checkout   CheckoutService
	payments   PaymentService
	orders     OrderService
}

type envOption func(*CheckoutOptions)

func withOrderNumbers(fn OrderNumberFunc) envOption {
	return func(o *CheckoutOptions) { o.OrderNumber = fn }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	db := testutil.NewDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())

	env := &testEnv{
		db:           db,
		orderRepo:    repository.NewOrderRepository(db),
		txRepo:       repository.NewPaymentTransactionRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
		callbackRepo: repository.NewPaymentCallbackRepository(db),
		provider:     &mocks.MockPaymentProvider{},
		cart:         &mocks.MockCartClient{},
		metrics:      m,
		logger:       logger,
	}
	providers := client.PaymentProviders{model.ProviderVNPay: env.provider}

	env.reconciler = NewReconciler(db, env.orderRepo, env.txRepo, env.outboxRepo, providers, ReconcilerOptions{
		Logger:  logger,
		Metrics: m,
	})

	checkoutOpts := CheckoutOptions{Logger: logger, Metrics: m}
	for _, opt := range opts {
		opt(&checkoutOpts)
	}
	env.checkout = NewCheckoutService(db, env.reconciler, env.orderRepo, env.txRepo, env.outboxRepo, env.cart, checkoutOpts)
	env.payments = NewPaymentService(db, env.reconciler, env.orderRepo, env.txRepo, env.callbackRepo, providers, logger)
	env.orders = NewOrderService(db, env.orderRepo, logger)

	env.cart.On("ClearCart", mock.Anything, testCustomer, testToken).Return(nil).Maybe()
	env.cart.On("ClearStore", mock.Anything, testCustomer, mock.Anything, testToken).Return(nil).Maybe()
	return env
}

// paymentsWith builds another payment service over the same store, as a
// second replica would, settling VNPay callbacks through p.
func (e *testEnv) paymentsWith(p client.PaymentProviderClient) PaymentService {
	return NewPaymentService(e.db, e.reconciler, e.orderRepo, e.txRepo, e.callbackRepo,
		client.PaymentProviders{model.ProviderVNPay: p}, e.logger)
}

func item(bookID int64, qty int32, price string) *dto.Item {
	return &dto.Item{BookID: bookID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func twoStoreRequest(method, provider string) *dto.CheckoutRequest {
	return &dto.CheckoutRequest{
		Phone:           "0900000000",
		Address:         "1 Book St",
		PaymentMethod:   method,
		PaymentProvider: provider,
		Stores: []*dto.StoreItems{
			{StoreID: 1, Items: []*dto.Item{item(10, 2, "5.00")}},
			{StoreID: 2, Items: []*dto.Item{item(20, 1, "7.50")}},
		},
	}
}

func (e *testEnv) expectInitiate(ref string) {
	e.provider.On("Initiate", mock.Anything, mock.AnythingOfType("*client.PaymentRequest")).
		Return(&client.InitiateResult{
			Success:     true,
			PaymentURL:  "https://pay.example/" + ref,
			ProviderRef: ref,
		}, nil).Once()
}

// onlineCheckout runs a two-store OnlineQR checkout whose provider hands
// out ref.
func (e *testEnv) onlineCheckout(t *testing.T, ref string) *dto.CheckoutResponse {
	t.Helper()
	e.expectInitiate(ref)
	resp, err := e.checkout.CreateFromCart(context.Background(), testCustomer, twoStoreRequest("OnlineQR", "VNPay"), testToken, "127.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, resp.Payment)
	return resp
}

func (e *testEnv) transaction(t *testing.T, id string) *model.PaymentTransaction {
	t.Helper()
	ptx, err := e.txRepo.FindByID(context.Background(), uuid.MustParse(id))
	require.NoError(t, err)
	return ptx
}

func (e *testEnv) order(t *testing.T, id string) *model.Order {
	t.Helper()
	o, err := e.orderRepo.FindByID(context.Background(), uuid.MustParse(id))
	require.NoError(t, err)
	return o
}

func (e *testEnv) count(t *testing.T, value interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(value).Count(&n).Error)
	return n
}

func (e *testEnv) events(t *testing.T, aggregateID, eventType string) int {
	t.Helper()
	msgs, err := e.outboxRepo.ListByAggregate(context.Background(), aggregateID)
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.EventType == eventType {
			n++
		}
	}
	return n
}
