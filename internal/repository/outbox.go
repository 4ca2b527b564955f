package repository

import (
	"context"
	"time"

	"checkout-service/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OutboxRepository interface {
	Insert(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
	FetchPending(ctx context.Context, limit int, staleBefore time.Time) ([]*model.OutboxMessage, error)
	Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkAttemptFailed(ctx context.Context, id uuid.UUID, retryCount int, next model.MessageStatus, lastError string) error
	ListByAggregate(ctx context.Context, aggregateID string) ([]*model.OutboxMessage, error)
}

type outboxRepoImpl struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepoImpl{
		db: db,
	}
}

func (r *outboxRepoImpl) Insert(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	return tx.WithContext(ctx).Create(msg).Error
}

// FetchPending returns Pending messages plus Processing ones whose claim is
// older than staleBefore, oldest first.
func (r *outboxRepoImpl) FetchPending(ctx context.Context, limit int, staleBefore time.Time) ([]*model.OutboxMessage, error) {
	var msgs []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where(claimable(staleBefore)).
		Order("created_at").
		Limit(limit).
		Find(&msgs).Error

	if err != nil {
		return nil, err
	}

	return msgs, nil
}

// Claim moves a message to Processing so only one relay publishes it. A
// relay that died after claiming loses its hold once the claim is older than
// staleBefore.
func (r *outboxRepoImpl) Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Where(claimable(staleBefore)).
		Updates(map[string]interface{}{
			"status":     model.MessageProcessing,
			"claimed_at": time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func claimable(staleBefore time.Time) clause.Expr {
	return gorm.Expr("status = ? OR (status = ? AND claimed_at < ?)",
		model.MessagePending, model.MessageProcessing, staleBefore)
}

func (r *outboxRepoImpl) MarkPublished(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.MessagePublished,
			"published_at": &now,
			"last_error":   "",
		}).Error
}

func (r *outboxRepoImpl) MarkAttemptFailed(ctx context.Context, id uuid.UUID, retryCount int, next model.MessageStatus, lastError string) error {
	if len(lastError) > 512 {
		lastError = lastError[:512]
	}
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      next,
			"retry_count": retryCount,
			"last_error":  lastError,
		}).Error
}

func (r *outboxRepoImpl) ListByAggregate(ctx context.Context, aggregateID string) ([]*model.OutboxMessage, error) {
	var msgs []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("created_at").
		Find(&msgs).Error

	if err != nil {
		return nil, err
	}

	return msgs, nil
}
