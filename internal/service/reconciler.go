package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"checkout-service/internal/client"
	"checkout-service/internal/metrics"
	"checkout-service/internal/model"
	"checkout-service/internal/repository"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type ReconcilerOptions struct {
	ProviderTimeout    time.Duration
	StatusCheckTimeout time.Duration
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
	Now                func() time.Time
}

// Reconciler owns every payment_status transition of a PaymentTransaction
// and cascades it to the linked orders.
type Reconciler struct {
	db         *gorm.DB
	orderRepo  repository.OrderRepository
	txRepo     repository.PaymentTransactionRepository
	outboxRepo repository.OutboxRepository
	providers  client.PaymentProviders

	providerTimeout    time.Duration
	statusCheckTimeout time.Duration
	logger             *slog.Logger
	metrics            *metrics.Metrics
	now                func() time.Time

	polls singleflight.Group
}

func NewReconciler(
	db *gorm.DB,
	orderRepo repository.OrderRepository,
	txRepo repository.PaymentTransactionRepository,
	outboxRepo repository.OutboxRepository,
	providers client.PaymentProviders,
	opts ReconcilerOptions,
) *Reconciler {
	r := &Reconciler{
		db:                 db,
		orderRepo:          orderRepo,
		txRepo:             txRepo,
		outboxRepo:         outboxRepo,
		providers:          providers,
		providerTimeout:    opts.ProviderTimeout,
		statusCheckTimeout: opts.StatusCheckTimeout,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		now:                opts.Now,
	}
	if r.providerTimeout <= 0 {
		r.providerTimeout = 15 * time.Second
	}
	if r.statusCheckTimeout <= 0 {
		r.statusCheckTimeout = 10 * time.Second
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Reconciler) observe(provider model.PaymentProvider, op, outcome string, started time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveProviderCall(string(provider), op, outcome, started)
	}
}

// initiate runs the provider round trip for a committed Pending transaction
// and records the outcome in its own short transaction. On success ptx is
// updated in place.
func (r *Reconciler) initiate(ctx context.Context, ptx *model.PaymentTransaction, orderInfo, clientIP string) error {
	if ptx.Provider == nil {
		return conflictError("transaction %s has no payment provider", ptx.ID)
	}
	provider := *ptx.Provider

	providerClient, err := r.providers.Get(provider)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitiationFailed, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()

	started := time.Now()
	result, err := providerClient.Initiate(callCtx, &client.PaymentRequest{
		TransactionID: ptx.ID,
		Amount:        ptx.TotalAmount,
		OrderInfo:     orderInfo,
		ClientIP:      clientIP,
	})
	if err != nil {
		r.observe(provider, "initiate", "error", started)
		r.logger.WarnContext(ctx, "payment initiation failed",
			"transaction_id", ptx.ID, "provider", provider, "error", err)
		return fmt.Errorf("%w: %w", ErrInitiationFailed, err)
	}
	if !result.Success || result.ProviderRef == "" {
		r.observe(provider, "initiate", "rejected", started)
		r.logger.WarnContext(ctx, "payment initiation rejected",
			"transaction_id", ptx.ID, "provider", provider, "message", result.Message)
		return fmt.Errorf("%w: %s", ErrInitiationFailed, result.Message)
	}
	r.observe(provider, "initiate", "ok", started)

	var assigned bool
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		assigned, err = r.txRepo.AssignProviderRef(ctx, tx, ptx.ID, result.ProviderRef, result.PaymentURL)
		return err
	})
	if err != nil {
		return storeError("record provider reference", err)
	}
	if !assigned {
		return conflictError("transaction %s already initiated or no longer pending", ptx.ID)
	}

	ref, url := result.ProviderRef, result.PaymentURL
	ptx.TransactionRef = &ref
	ptx.PaymentURL = &url

	r.logger.InfoContext(ctx, "payment initiated",
		"transaction_id", ptx.ID, "provider", provider, "provider_ref", ref)
	return nil
}

// apply moves the transaction by ev and cascades the result to its orders.
// The current status is re-read under lock, so of two concurrent callers
// exactly one changes the row and the other observes the terminal status.
func (r *Reconciler) apply(ctx context.Context, transactionID uuid.UUID, ev model.PaymentEvent, source string) (model.PaymentStatus, bool, error) {
	var (
		from    model.PaymentStatus
		current model.PaymentStatus
		changed bool
		ref     string
		paidAt  *time.Time
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ptx, err := r.txRepo.FindByIDForUpdate(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		from, current, ref = ptx.PaymentStatus, ptx.PaymentStatus, ptx.Ref()

		next, moved, err := ptx.PaymentStatus.Transition(ev)
		if err != nil {
			return conflictError("%v", err)
		}

		if moved {
			var stamp *time.Time
			if next == model.PaymentStatusPaid {
				now := r.now()
				stamp = &now
			}
			won, err := r.txRepo.UpdateStatus(ctx, tx, ptx.ID, ptx.PaymentStatus, next, stamp)
			if err != nil {
				return err
			}
			if !won {
				// another writer got there first; report what it left
				fresh, err := r.txRepo.FindByIDForUpdate(ctx, tx, ptx.ID)
				if err != nil {
					return err
				}
				current = fresh.PaymentStatus
				return nil
			}
			current, changed, paidAt = next, true, stamp
		}

		// lagging orders are brought in line even when the transaction
		// itself did not move
		if _, err := r.orderRepo.SyncPaymentStatus(ctx, tx, ptx.ID, current); err != nil {
			return err
		}

		if !changed {
			return nil
		}

		orders, err := r.orderRepo.ListByTransaction(ctx, tx, ptx.ID)
		if err != nil {
			return err
		}
		msg, err := model.NewOutboxMessage(current.DomainEvent(), ptx.ID.String(), &model.PaymentStatusChangedEvent{
			TransactionID: ptx.ID.String(),
			ProviderRef:   ref,
			From:          string(from),
			To:            string(current),
			Source:        source,
			OrderIDs:      orderIDs(orders),
			PaidDate:      paidAt,
		})
		if err != nil {
			return err
		}
		return r.outboxRepo.Insert(ctx, tx, msg)
	})
	if err != nil {
		return "", false, storeError("apply payment event", err)
	}

	if changed {
		if r.metrics != nil {
			r.metrics.PaymentTransitions.WithLabelValues(string(from), string(current), source).Inc()
		}
		r.logger.InfoContext(ctx, "payment status changed",
			"transaction_id", transactionID, "from", from, "to", current, "source", source)
	}
	return current, changed, nil
}

// checkStatus asks the provider whether ref settled. Concurrent polls for
// the same reference share one provider call. Any error or timeout is
// returned to the caller, which treats it as "not yet paid".
func (r *Reconciler) checkStatus(ctx context.Context, ptx *model.PaymentTransaction) (bool, error) {
	if ptx.Provider == nil || ptx.Ref() == "" {
		return false, nil
	}
	provider, ref := *ptx.Provider, ptx.Ref()

	providerClient, err := r.providers.Get(provider)
	if err != nil {
		return false, err
	}

	ch := r.polls.DoChan(string(provider)+":"+ref, func() (interface{}, error) {
		// detached so one caller going away does not fail the others
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.statusCheckTimeout)
		defer cancel()

		started := time.Now()
		paid, err := providerClient.CheckStatus(callCtx, ref)
		switch {
		case err != nil:
			r.observe(provider, "status", "error", started)
		case paid:
			r.observe(provider, "status", "paid", started)
		default:
			r.observe(provider, "status", "pending", started)
		}
		return paid, err
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func orderIDs(orders []*model.Order) []string {
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID.String()
	}
	return ids
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
