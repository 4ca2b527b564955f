package service

import (
	"context"
	"log/slog"
	"time"

	"checkout-service/internal/client"
	"checkout-service/internal/metrics"
	"checkout-service/internal/model"
	"checkout-service/internal/repository"
)

type RelayOptions struct {
	BatchSize  int
	MaxRetries int
	// how long a Processing claim is honoured before another pass retakes it
	ClaimLease time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// OutboxRelay publishes committed outbox messages to the broker. Delivery
// is at least once; consumers dedupe on the envelope id.
type OutboxRelay struct {
	outboxRepo repository.OutboxRepository
	publisher  client.Publisher

	batchSize  int
	maxRetries int
	claimLease time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewOutboxRelay(outboxRepo repository.OutboxRepository, publisher client.Publisher, opts RelayOptions) *OutboxRelay {
	r := &OutboxRelay{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		batchSize:  opts.BatchSize,
		maxRetries: opts.MaxRetries,
		claimLease: opts.ClaimLease,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.maxRetries <= 0 {
		r.maxRetries = 5
	}
	if r.claimLease <= 0 {
		r.claimLease = time.Minute
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run polls until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "outbox relay pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce publishes one batch and returns how many messages went out.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	staleBefore := r.now().Add(-r.claimLease)
	msgs, err := r.outboxRepo.FetchPending(ctx, r.batchSize, staleBefore)
	if err != nil {
		return 0, storeError("fetch outbox", err)
	}

	published := 0
	for _, msg := range msgs {
		claimed, err := r.outboxRepo.Claim(ctx, msg.ID, staleBefore)
		if err != nil {
			return published, storeError("claim outbox message", err)
		}
		if !claimed {
			continue
		}

		if err := r.publisher.Publish(ctx, envelope(msg)); err != nil {
			r.failed(ctx, msg, err)
			continue
		}

		if err := r.outboxRepo.MarkPublished(ctx, msg.ID); err != nil {
			// the claim goes stale and the message is sent again
			return published, storeError("mark outbox published", err)
		}
		r.count("published")
		published++
	}
	return published, nil
}

func (r *OutboxRelay) failed(ctx context.Context, msg *model.OutboxMessage, cause error) {
	retries := msg.RetryCount + 1
	next := model.MessagePending
	if retries >= r.maxRetries {
		next = model.MessageFailed
	}

	r.count("failed")
	r.logger.WarnContext(ctx, "outbox publish failed",
		"message_id", msg.ID, "event_type", msg.EventType, "retry", retries, "next", next, "error", cause)

	if err := r.outboxRepo.MarkAttemptFailed(ctx, msg.ID, retries, next, cause.Error()); err != nil {
		r.logger.ErrorContext(ctx, "record outbox failure", "message_id", msg.ID, "error", err)
	}
}

func (r *OutboxRelay) count(outcome string) {
	if r.metrics != nil {
		r.metrics.OutboxPublished.WithLabelValues(outcome).Inc()
	}
}

func envelope(msg *model.OutboxMessage) *client.Envelope {
	return &client.Envelope{
		ID:          msg.ID.String(),
		EventType:   msg.EventType,
		AggregateID: msg.AggregateID,
		TraceID:     msg.TraceID,
		Payload:     []byte(msg.Payload),
		OccurredAt:  msg.CreatedAt,
	}
}
