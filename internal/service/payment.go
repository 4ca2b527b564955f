package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"checkout-service/internal/client"
	"checkout-service/internal/dto"
	"checkout-service/internal/model"
	"checkout-service/internal/repository"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// CallbackPayload is a raw provider notification as received over HTTP.
type CallbackPayload struct {
	Params  map[string]string
	Headers http.Header
	Body    []byte
}

type PaymentService interface {
	InitiatePayment(ctx context.Context, customerID string, orderID uuid.UUID, clientIP string) (*dto.PaymentResponse, error)
	HandlePaymentCallback(ctx context.Context, provider model.PaymentProvider, providerRef string, payload *CallbackPayload) (bool, error)
	ProcessCallback(ctx context.Context, provider model.PaymentProvider, providerRef string, payload *CallbackPayload) (*CallbackOutcome, error)
	UpdatePaymentStatusAfterScan(ctx context.Context, customerID string, orderID uuid.UUID) (*dto.PaymentStatusResponse, error)
	HandleProviderReturn(ctx context.Context, provider model.PaymentProvider, providerRef string) (*dto.PaymentStatusResponse, error)
	RetryInitiation(ctx context.Context, customerID string, transactionID uuid.UUID, clientIP string) (*dto.PaymentResponse, error)
	MarkRefunded(ctx context.Context, transactionID uuid.UUID) (*dto.PaymentResponse, error)
}

type paymentServiceImpl struct {
	db           *gorm.DB
	reconciler   *Reconciler
	orderRepo    repository.OrderRepository
	txRepo       repository.PaymentTransactionRepository
	callbackRepo repository.PaymentCallbackRepository
	providers    client.PaymentProviders
	logger       *slog.Logger

	callbacks singleflight.Group
}

func NewPaymentService(
	db *gorm.DB,
	reconciler *Reconciler,
	orderRepo repository.OrderRepository,
	txRepo repository.PaymentTransactionRepository,
	callbackRepo repository.PaymentCallbackRepository,
	providers client.PaymentProviders,
	logger *slog.Logger,
) PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &paymentServiceImpl{
		db:           db,
		reconciler:   reconciler,
		orderRepo:    orderRepo,
		txRepo:       txRepo,
		callbackRepo: callbackRepo,
		providers:    providers,
		logger:       logger,
	}
}

// InitiatePayment creates and links a Pending transaction for one unlinked
// online order, commits, then calls the provider. When the provider call
// fails the committed transaction is returned together with
// ErrInitiationFailed so the caller can retry initiation.
func (s *paymentServiceImpl) InitiatePayment(ctx context.Context, customerID string, orderID uuid.UUID, clientIP string) (*dto.PaymentResponse, error) {
	var (
		ptx   *model.PaymentTransaction
		order *model.Order
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.orderRepo.FindByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if customerID != "" && order.CustomerID != customerID {
			return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}

		switch {
		case order.PaymentTransactionID != nil:
			return conflictError("order %s already has a payment transaction", order.ID)
		case order.Paid():
			return conflictError("order %s is already paid", order.ID)
		case order.PaymentMethod == model.PaymentMethodCOD:
			return conflictError("order %s is cash on delivery", order.ID)
		case !order.PaymentMethod.Online():
			return conflictError("payment method %q does not support online payment", order.PaymentMethod)
		case order.PaymentProvider == nil:
			return conflictError("order %s has no payment provider", order.ID)
		}

		ptx = &model.PaymentTransaction{
			Provider:      order.PaymentProvider,
			PaymentMethod: order.PaymentMethod,
			PaymentStatus: model.PaymentStatusPending,
			TotalAmount:   order.TotalPrice,
		}
		if err := s.txRepo.Create(ctx, tx, ptx); err != nil {
			return err
		}

		linked, err := s.orderRepo.LinkTransaction(ctx, tx, order.ID, ptx.ID)
		if err != nil {
			return err
		}
		if !linked {
			return conflictError("order %s already has a payment transaction", order.ID)
		}
		return nil
	})
	if err != nil {
		return nil, storeError("initiate payment", err)
	}

	s.logger.InfoContext(ctx, "payment transaction created",
		"transaction_id", ptx.ID, "order_id", order.ID, "amount", ptx.TotalAmount.StringFixed(2))

	if err := s.reconciler.initiate(ctx, ptx, orderInfo([]*model.Order{order}), clientIP); err != nil {
		return paymentResponse(ptx), err
	}
	return paymentResponse(ptx), nil
}

// RetryInitiation repeats the provider round trip for a Pending
// transaction that never received a provider reference.
func (s *paymentServiceImpl) RetryInitiation(ctx context.Context, customerID string, transactionID uuid.UUID, clientIP string) (*dto.PaymentResponse, error) {
	ptx, err := s.txRepo.FindByID(ctx, transactionID)
	if err != nil {
		return nil, storeError("find transaction", err)
	}

	orders, err := s.orderRepo.ListByTransaction(ctx, s.db, ptx.ID)
	if err != nil {
		return nil, storeError("list transaction orders", err)
	}
	if customerID != "" && !ownedBy(orders, customerID) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, transactionID)
	}

	if ptx.PaymentStatus != model.PaymentStatusPending {
		return nil, conflictError("transaction %s is %s", ptx.ID, ptx.PaymentStatus)
	}
	if ptx.Ref() != "" {
		return paymentResponse(ptx), conflictError("transaction %s already initiated", ptx.ID)
	}

	if err := s.reconciler.initiate(ctx, ptx, orderInfo(orders), clientIP); err != nil {
		return paymentResponse(ptx), err
	}
	return paymentResponse(ptx), nil
}

// Callback results, also written to the audit log.
const (
	CallbackSucceeded  = "succeeded"
	CallbackFailed     = "failed"
	CallbackIgnored    = "ignored"
	CallbackRejected   = "rejected"
	CallbackUnknownRef = "unknown_ref"
	CallbackDuplicate  = "duplicate"
	// another callback for the same reference is being settled
	CallbackInProgress = "in_progress"
)

// rounds a caller waits behind other settlements before answering
// in_progress
const callbackRounds = 3

type CallbackOutcome struct {
	Result string
	Status model.PaymentStatus
	// Paid is true when the transaction ends Paid.
	Paid bool
}

func outcomeOf(result string, status model.PaymentStatus) *CallbackOutcome {
	return &CallbackOutcome{Result: result, Status: status, Paid: status == model.PaymentStatusPaid}
}

// HandlePaymentCallback verifies a provider notification and applies its
// outcome. It reports true only when the transaction ends Paid. Unknown
// references and unverifiable payloads return false without mutating state.
func (s *paymentServiceImpl) HandlePaymentCallback(ctx context.Context, provider model.PaymentProvider, providerRef string, payload *CallbackPayload) (bool, error) {
	outcome, err := s.ProcessCallback(ctx, provider, providerRef, payload)
	if err != nil {
		return false, err
	}
	return outcome.Paid, nil
}

// ProcessCallback is HandlePaymentCallback with the detailed result, for
// providers whose acknowledgement depends on it.
//
// Callbacks for one reference are settled one at a time, since verifying
// some of them (a Braintree sale) moves money. Within a process a second
// caller waits for the running settlement and then looks again; across
// processes the transaction row carries the claim and the loser answers
// in_progress without calling the provider.
func (s *paymentServiceImpl) ProcessCallback(ctx context.Context, provider model.PaymentProvider, providerRef string, payload *CallbackPayload) (*CallbackOutcome, error) {
	if payload == nil {
		payload = &CallbackPayload{}
	}

	for round := 1; ; round++ {
		ptx, outcome, err := s.callbackTarget(ctx, &provider, providerRef)
		if err != nil || outcome != nil {
			return outcome, err
		}

		providerClient, err := s.providers.Get(provider)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExternal, err)
		}

		own := false
		v, err, _ := s.callbacks.Do(string(provider)+":"+providerRef, func() (interface{}, error) {
			own = true
			// detached so a dropped connection cannot abandon a charge midway
			return s.settle(context.WithoutCancel(ctx), providerClient, provider, providerRef, ptx, payload)
		})
		if own {
			if err != nil {
				return nil, err
			}
			return v.(*CallbackOutcome), nil
		}
		if round == callbackRounds {
			return s.settled(ctx, provider, providerRef, ptx.ID, CallbackInProgress)
		}
	}
}

// callbackTarget resolves the transaction a callback is about. A non-nil
// outcome means the callback is answered without reaching the provider.
func (s *paymentServiceImpl) callbackTarget(ctx context.Context, provider *model.PaymentProvider, providerRef string) (*model.PaymentTransaction, *CallbackOutcome, error) {
	ptx, err := s.txRepo.FindByRef(ctx, providerRef)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && ptx.Provider != nil && *provider != "" && *ptx.Provider != *provider) {
		s.logger.WarnContext(ctx, "callback for unknown payment reference",
			"provider", *provider, "provider_ref", providerRef)
		s.audit(ctx, *provider, providerRef, nil, false, CallbackUnknownRef, "")
		return nil, &CallbackOutcome{Result: CallbackUnknownRef}, nil
	}
	if err != nil {
		return nil, nil, storeError("find transaction by reference", err)
	}
	if *provider == "" && ptx.Provider != nil {
		*provider = *ptx.Provider
	}

	// terminal states absorb repeated notifications without another
	// provider round trip
	if ptx.PaymentStatus.Terminal() {
		s.audit(ctx, *provider, providerRef, &ptx.ID, true, CallbackDuplicate, string(ptx.PaymentStatus))
		return nil, outcomeOf(CallbackDuplicate, ptx.PaymentStatus), nil
	}
	return ptx, nil, nil
}

// settle holds the transaction's callback claim across the provider call
// and the resulting transition.
func (s *paymentServiceImpl) settle(ctx context.Context, providerClient client.PaymentProviderClient, provider model.PaymentProvider, providerRef string, ptx *model.PaymentTransaction, payload *CallbackPayload) (*CallbackOutcome, error) {
	// a claim outlives the provider call it guards, so only a crashed
	// holder's claim is ever taken over
	now := s.reconciler.now()
	claimed, err := s.txRepo.ClaimCallback(ctx, ptx.ID, now, now.Add(-2*s.reconciler.providerTimeout))
	if err != nil {
		return nil, storeError("claim callback", err)
	}
	if !claimed {
		return s.settled(ctx, provider, providerRef, ptx.ID, CallbackInProgress)
	}
	defer func() {
		if err := s.txRepo.ReleaseCallback(ctx, ptx.ID); err != nil {
			s.logger.WarnContext(ctx, "release callback claim", "transaction_id", ptx.ID, "error", err)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.reconciler.providerTimeout)
	defer cancel()

	started := time.Now()
	result, err := providerClient.HandleCallback(callCtx, &client.CallbackRequest{
		ProviderRef: providerRef,
		Amount:      ptx.TotalAmount,
		Params:      payload.Params,
		Headers:     payload.Headers,
		Body:        payload.Body,
	})
	if err != nil {
		// could not be verified, so nothing about the payment changes
		s.reconciler.observe(provider, "callback", "error", started)
		s.logger.ErrorContext(ctx, "callback verification failed",
			"provider", provider, "provider_ref", providerRef, "error", err)
		s.audit(ctx, provider, providerRef, &ptx.ID, false, CallbackRejected, "verification error: "+err.Error())
		return outcomeOf(CallbackRejected, ptx.PaymentStatus), nil
	}

	if !result.Verified {
		s.reconciler.observe(provider, "callback", CallbackRejected, started)
		s.logger.WarnContext(ctx, "rejected unverifiable callback",
			"provider", provider, "provider_ref", providerRef, "message", result.Message)
		s.audit(ctx, provider, providerRef, &ptx.ID, false, CallbackRejected, result.Message)
		return outcomeOf(CallbackRejected, ptx.PaymentStatus), nil
	}
	if result.Ignored {
		s.reconciler.observe(provider, "callback", CallbackIgnored, started)
		s.audit(ctx, provider, providerRef, &ptx.ID, true, CallbackIgnored, result.Message)
		return outcomeOf(CallbackIgnored, ptx.PaymentStatus), nil
	}

	ev, res := model.EventFailed, CallbackFailed
	if result.Success {
		ev, res = model.EventSucceeded, CallbackSucceeded
	}
	s.reconciler.observe(provider, "callback", res, started)
	s.audit(ctx, provider, providerRef, &ptx.ID, true, res, result.Message)

	status, _, err := s.reconciler.apply(ctx, ptx.ID, ev, "callback")
	if errors.Is(err, ErrConflict) {
		// settled by another path meanwhile; its status stands
		return s.settled(ctx, provider, providerRef, ptx.ID, CallbackDuplicate)
	}
	if err != nil {
		return nil, err
	}
	return outcomeOf(res, status), nil
}

// settled reports the transaction as it is now: duplicate once terminal,
// otherwise pending result.
func (s *paymentServiceImpl) settled(ctx context.Context, provider model.PaymentProvider, providerRef string, id uuid.UUID, pending string) (*CallbackOutcome, error) {
	ptx, err := s.txRepo.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("find transaction", err)
	}
	result := pending
	if ptx.PaymentStatus.Terminal() {
		result = CallbackDuplicate
	}
	s.audit(ctx, provider, providerRef, &ptx.ID, result == CallbackDuplicate, result, string(ptx.PaymentStatus))
	return outcomeOf(result, ptx.PaymentStatus), nil
}

// UpdatePaymentStatusAfterScan is the client poll. A failed or timed out
// status check leaves the transaction Pending.
func (s *paymentServiceImpl) UpdatePaymentStatusAfterScan(ctx context.Context, customerID string, orderID uuid.UUID) (*dto.PaymentStatusResponse, error) {
	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, storeError("find order", err)
	}
	if customerID != "" && order.CustomerID != customerID {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}

	if order.Paid() {
		resp := &dto.PaymentStatusResponse{Status: string(model.PaymentStatusPaid), Paid: true}
		if order.PaymentTransactionID != nil {
			resp.PaymentTransactionID = order.PaymentTransactionID.String()
			if ptx, err := s.txRepo.FindByID(ctx, *order.PaymentTransactionID); err == nil {
				resp.ProviderRef = ptx.Ref()
			}
		}
		return resp, nil
	}
	if order.PaymentTransactionID == nil {
		return nil, conflictError("order %s has no payment transaction", order.ID)
	}

	ptx, err := s.txRepo.FindByID(ctx, *order.PaymentTransactionID)
	if err != nil {
		return nil, storeError("find transaction", err)
	}
	return s.syncWithProvider(ctx, ptx, "poll")
}

// HandleProviderReturn runs when the buyer's browser comes back from the
// provider's approval page. Providers that settle on capture (PayPal) are
// captured here instead of waiting for the first poll.
func (s *paymentServiceImpl) HandleProviderReturn(ctx context.Context, provider model.PaymentProvider, providerRef string) (*dto.PaymentStatusResponse, error) {
	ptx, err := s.txRepo.FindByRef(ctx, providerRef)
	if err != nil {
		return nil, storeError("find transaction by reference", err)
	}
	if ptx.Provider == nil || *ptx.Provider != provider {
		return nil, fmt.Errorf("%w: payment reference %s", ErrNotFound, providerRef)
	}
	return s.syncWithProvider(ctx, ptx, "return")
}

// syncWithProvider brings ptx and its orders up to date with the
// provider. A failed or timed out status check leaves it Pending.
func (s *paymentServiceImpl) syncWithProvider(ctx context.Context, ptx *model.PaymentTransaction, source string) (*dto.PaymentStatusResponse, error) {
	switch ptx.PaymentStatus {
	case model.PaymentStatusPaid:
		// the order row lags behind its transaction
		return s.applySuccess(ctx, ptx, source)
	case model.PaymentStatusFailed, model.PaymentStatusRefunded:
		return statusResponse(ptx, ptx.PaymentStatus), nil
	}

	if ptx.Ref() == "" {
		return statusResponse(ptx, ptx.PaymentStatus), nil
	}

	paid, err := s.reconciler.checkStatus(ctx, ptx)
	if err != nil {
		s.logger.WarnContext(ctx, "payment status check failed",
			"transaction_id", ptx.ID, "provider_ref", ptx.Ref(), "error", err)
		return statusResponse(ptx, model.PaymentStatusPending), nil
	}
	if !paid {
		return statusResponse(ptx, model.PaymentStatusPending), nil
	}
	return s.applySuccess(ctx, ptx, source)
}

func (s *paymentServiceImpl) applySuccess(ctx context.Context, ptx *model.PaymentTransaction, source string) (*dto.PaymentStatusResponse, error) {
	status, _, err := s.reconciler.apply(ctx, ptx.ID, model.EventSucceeded, source)
	if errors.Is(err, ErrConflict) {
		// a callback failed it first; report what stands
		fresh, ferr := s.txRepo.FindByID(ctx, ptx.ID)
		if ferr != nil {
			return nil, storeError("find transaction", ferr)
		}
		s.logger.WarnContext(ctx, "provider reports paid but transaction already settled",
			"transaction_id", ptx.ID, "provider_ref", ptx.Ref(), "status", fresh.PaymentStatus)
		return statusResponse(fresh, fresh.PaymentStatus), nil
	}
	if err != nil {
		return nil, err
	}
	return statusResponse(ptx, status), nil
}

// MarkRefunded records a refund settled outside this service. Callers are
// operators; the HTTP route is admin only.
func (s *paymentServiceImpl) MarkRefunded(ctx context.Context, transactionID uuid.UUID) (*dto.PaymentResponse, error) {
	status, _, err := s.reconciler.apply(ctx, transactionID, model.EventRefunded, "refund")
	if err != nil {
		return nil, err
	}

	ptx, err := s.txRepo.FindByID(ctx, transactionID)
	if err != nil {
		return nil, storeError("find transaction", err)
	}
	if status != model.PaymentStatusRefunded {
		return paymentResponse(ptx), conflictError("transaction %s is %s", ptx.ID, status)
	}
	return paymentResponse(ptx), nil
}

// audit failures are logged and never affect the callback outcome.
func (s *paymentServiceImpl) audit(ctx context.Context, provider model.PaymentProvider, ref string, transactionID *uuid.UUID, verified bool, outcome, message string) {
	if s.callbackRepo == nil {
		return
	}
	if len(message) > 512 {
		message = message[:512]
	}
	err := s.callbackRepo.Record(ctx, &model.PaymentCallback{
		Provider:      provider,
		ProviderRef:   ref,
		TransactionID: transactionID,
		Verified:      verified,
		Outcome:       outcome,
		Message:       message,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "record payment callback", "provider_ref", ref, "error", err)
	}
}

func ownedBy(orders []*model.Order, customerID string) bool {
	if len(orders) == 0 {
		return false
	}
	for _, o := range orders {
		if o.CustomerID != customerID {
			return false
		}
	}
	return true
}

func orderInfo(orders []*model.Order) string {
	if len(orders) == 1 {
		return "Payment for order " + orders[0].OrderNumber
	}
	return fmt.Sprintf("Payment for %d orders", len(orders))
}
