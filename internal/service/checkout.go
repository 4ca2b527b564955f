package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"checkout-service/internal/client"
	"checkout-service/internal/dto"
	"checkout-service/internal/metrics"
	"checkout-service/internal/model"
	"checkout-service/internal/repository"
	"checkout-service/internal/validation"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const orderNumberAttempts = 3

// OrderNumberFunc returns a fresh human-readable order number.
type OrderNumberFunc func() string

// NewOrderNumber formats ORD-{yyyyMMddHHmmss}-{6 hex}.
func NewOrderNumber() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("ORD-%s-%s", time.Now().UTC().Format("20060102150405"), strings.ToUpper(suffix))
}

type CheckoutService interface {
	CreateFromCart(ctx context.Context, customerID string, req *dto.CheckoutRequest, accessToken, clientIP string) (*dto.CheckoutResponse, error)
	CreateSingleOrder(ctx context.Context, customerID string, req *dto.CreateOrderRequest, accessToken, clientIP string) (*dto.CheckoutResponse, error)
}

type CheckoutOptions struct {
	Validator   *validatorv10.Validate
	OrderNumber OrderNumberFunc
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type checkoutServiceImpl struct {
	db         *gorm.DB
	reconciler *Reconciler
	orderRepo  repository.OrderRepository
	txRepo     repository.PaymentTransactionRepository
	outboxRepo repository.OutboxRepository
	cartClient client.CartClient

	validate    *validatorv10.Validate
	orderNumber OrderNumberFunc
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewCheckoutService(
	db *gorm.DB,
	reconciler *Reconciler,
	orderRepo repository.OrderRepository,
	txRepo repository.PaymentTransactionRepository,
	outboxRepo repository.OutboxRepository,
	cartClient client.CartClient,
	opts CheckoutOptions,
) CheckoutService {
	s := &checkoutServiceImpl{
		db:          db,
		reconciler:  reconciler,
		orderRepo:   orderRepo,
		txRepo:      txRepo,
		outboxRepo:  outboxRepo,
		cartClient:  cartClient,
		validate:    opts.Validator,
		orderNumber: opts.OrderNumber,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if s.validate == nil {
		s.validate = validation.New()
	}
	if s.orderNumber == nil {
		s.orderNumber = NewOrderNumber
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// checkout is one validated unit of work: the orders of every non-empty
// store plus how they are paid.
type checkout struct {
	customerID string
	phone      string
	address    string
	method     model.PaymentMethod
	provider   *model.PaymentProvider
	stores     []*dto.StoreItems
	// deferred leaves online orders unlinked for a later InitiatePayment
	deferred bool
}

// CreateFromCart creates one order per non-empty store and a single
// transaction covering all of them. When the request names no stores the
// cart is fetched from the cart service.
func (s *checkoutServiceImpl) CreateFromCart(ctx context.Context, customerID string, req *dto.CheckoutRequest, accessToken, clientIP string) (*dto.CheckoutResponse, error) {
	if req == nil {
		return nil, validationError("empty checkout request")
	}
	if customerID == "" {
		return nil, validationError("customer id is required")
	}

	// the caller's request is left as given
	if len(req.Stores) == 0 && s.cartClient != nil {
		cart, err := s.cartClient.GetCart(ctx, customerID, accessToken)
		if err != nil {
			return nil, fmt.Errorf("%w: get cart: %w", ErrExternal, err)
		}
		fromCart := *req
		fromCart.Stores = cartStores(cart)
		req = &fromCart
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, validationError("%v", validation.FieldErrors(err))
	}

	c := &checkout{
		customerID: customerID,
		phone:      req.Phone,
		address:    req.Address,
		method:     model.PaymentMethod(req.PaymentMethod),
		provider:   providerOf(req.PaymentMethod, req.PaymentProvider),
		stores:     req.Stores,
	}

	resp, err := s.create(ctx, c, clientIP)
	if resp != nil {
		s.clearCart(ctx, customerID, accessToken)
	}
	return resp, err
}

// CreateSingleOrder creates one order for one store.
func (s *checkoutServiceImpl) CreateSingleOrder(ctx context.Context, customerID string, req *dto.CreateOrderRequest, accessToken, clientIP string) (*dto.CheckoutResponse, error) {
	if req == nil {
		return nil, validationError("empty order request")
	}
	if customerID == "" {
		return nil, validationError("customer id is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError("%v", validation.FieldErrors(err))
	}

	method := model.PaymentMethod(req.PaymentMethod)
	c := &checkout{
		customerID: customerID,
		phone:      req.Phone,
		address:    req.Address,
		method:     method,
		provider:   providerOf(req.PaymentMethod, req.PaymentProvider),
		stores:     []*dto.StoreItems{{StoreID: req.StoreID, Items: req.Items}},
		deferred:   req.DeferPayment && method.Online(),
	}

	resp, err := s.create(ctx, c, clientIP)
	if resp != nil && s.cartClient != nil && accessToken != "" {
		if cerr := s.cartClient.ClearStore(ctx, customerID, req.StoreID, accessToken); cerr != nil {
			s.logger.WarnContext(ctx, "clear cart store failed",
				"customer_id", customerID, "store_id", req.StoreID, "error", cerr)
		}
	}
	return resp, err
}

// create persists the checkout atomically, then runs provider initiation
// for online methods outside the database transaction. A non-nil response
// with an error means the orders exist but initiation must be retried.
func (s *checkoutServiceImpl) create(ctx context.Context, c *checkout, clientIP string) (*dto.CheckoutResponse, error) {
	orders := s.buildOrders(c)
	if len(orders) == 0 {
		return nil, validationError("checkout contains no items")
	}

	var ptx *model.PaymentTransaction
	if !c.deferred {
		ptx = s.buildTransaction(c, orders)
	}

	var err error
	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		for _, o := range orders {
			o.OrderNumber = s.orderNumber()
		}

		err = s.persist(ctx, c, ptx, orders)
		if err == nil || !isDuplicate(err) {
			break
		}
		s.logger.WarnContext(ctx, "order number collision, retrying",
			"customer_id", c.customerID, "attempt", attempt)
	}
	if err != nil {
		return nil, storeError("create orders", err)
	}

	if s.metrics != nil {
		s.metrics.OrdersCreated.WithLabelValues(string(c.method)).Add(float64(len(orders)))
	}
	s.logger.InfoContext(ctx, "orders created",
		"customer_id", c.customerID, "orders", len(orders), "method", c.method, "deferred", c.deferred)

	resp := &dto.CheckoutResponse{
		Payment: paymentResponse(ptx),
		Orders:  orderResponses(orders),
	}
	if ptx == nil || !c.method.Online() {
		return resp, nil
	}

	err = s.reconciler.initiate(ctx, ptx, orderInfo(orders), clientIP)
	resp.Payment = paymentResponse(ptx)
	return resp, err
}

func (s *checkoutServiceImpl) buildOrders(c *checkout) []*model.Order {
	status := model.PaymentStatusPending
	if c.method == model.PaymentMethodCOD {
		status = model.PaymentStatusPaid
	}

	var orders []*model.Order
	for _, store := range c.stores {
		if store == nil || len(store.Items) == 0 {
			continue
		}

		order := &model.Order{
			ID:              uuid.New(),
			CustomerID:      c.customerID,
			StoreID:         store.StoreID,
			Phone:           c.phone,
			Address:         c.address,
			OrderStatus:     status.OrderStatus(),
			PaymentMethod:   c.method,
			PaymentProvider: c.provider,
			PaymentStatus:   status,
		}
		for _, it := range store.Items {
			if it == nil {
				continue
			}
			order.Items = append(order.Items, model.NewOrderItem(it.BookID, it.Quantity, it.UnitPrice))
		}
		if len(order.Items) == 0 {
			continue
		}
		order.Recalculate()
		orders = append(orders, order)
	}
	return orders
}

// buildTransaction sizes one transaction to the orders. COD settles
// immediately without a provider.
func (s *checkoutServiceImpl) buildTransaction(c *checkout, orders []*model.Order) *model.PaymentTransaction {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.TotalPrice)
	}

	ptx := &model.PaymentTransaction{
		ID:            uuid.New(),
		Provider:      c.provider,
		PaymentMethod: c.method,
		PaymentStatus: model.PaymentStatusPending,
		TotalAmount:   total,
	}
	if c.method == model.PaymentMethodCOD {
		now := s.now()
		ptx.PaymentStatus = model.PaymentStatusPaid
		ptx.PaidDate = &now
	}

	for _, o := range orders {
		o.PaymentTransactionID = &ptx.ID
	}
	return ptx
}

func (s *checkoutServiceImpl) persist(ctx context.Context, c *checkout, ptx *model.PaymentTransaction, orders []*model.Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := &model.OrderCreatedEvent{
			CustomerID:    c.customerID,
			OrderIDs:      orderIDs(orders),
			PaymentMethod: string(c.method),
			PaymentStatus: string(orders[0].PaymentStatus),
		}
		aggregateID := orders[0].ID.String()

		if ptx != nil {
			if err := s.txRepo.Create(ctx, tx, ptx); err != nil {
				return fmt.Errorf("store payment transaction: %w", err)
			}
			event.TransactionID = ptx.ID.String()
			event.TotalAmount = ptx.TotalAmount.StringFixed(2)
			aggregateID = ptx.ID.String()
		} else {
			event.TotalAmount = orders[0].TotalPrice.StringFixed(2)
		}

		if err := s.orderRepo.CreateMany(ctx, tx, orders); err != nil {
			return fmt.Errorf("store orders: %w", err)
		}

		msg, err := model.NewOutboxMessage(model.EventTypeOrderCreated, aggregateID, event)
		if err != nil {
			return err
		}
		if err := s.outboxRepo.Insert(ctx, tx, msg); err != nil {
			return fmt.Errorf("store outbox message: %w", err)
		}
		return nil
	})
}

// clearCart is housekeeping; failures never fail the checkout.
func (s *checkoutServiceImpl) clearCart(ctx context.Context, customerID, accessToken string) {
	if s.cartClient == nil {
		return
	}
	if err := s.cartClient.ClearCart(ctx, customerID, accessToken); err != nil {
		s.logger.WarnContext(ctx, "clear cart failed", "customer_id", customerID, "error", err)
	}
}

func cartStores(cart *client.Cart) []*dto.StoreItems {
	if cart == nil {
		return nil
	}
	stores := make([]*dto.StoreItems, 0, len(cart.Stores))
	for _, cs := range cart.Stores {
		store := &dto.StoreItems{StoreID: cs.StoreID}
		for _, it := range cs.Items {
			store.Items = append(store.Items, &dto.Item{
				BookID:    it.BookID,
				Quantity:  it.Quantity,
				UnitPrice: it.UnitPrice,
			})
		}
		stores = append(stores, store)
	}
	return stores
}

func providerOf(method, provider string) *model.PaymentProvider {
	if !model.PaymentMethod(method).Online() || provider == "" {
		return nil
	}
	p := model.PaymentProvider(provider)
	return &p
}
