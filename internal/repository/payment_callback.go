package repository

import (
	"context"
	"time"

	"checkout-service/internal/model"

	"gorm.io/gorm"
)

type PaymentCallbackRepository interface {
	Record(ctx context.Context, entry *model.PaymentCallback) error
	CountByRef(ctx context.Context, providerRef string) (int64, error)
}

type paymentCallbackRepoImpl struct {
	db *gorm.DB
}

func NewPaymentCallbackRepository(db *gorm.DB) PaymentCallbackRepository {
	return &paymentCallbackRepoImpl{db: db}
}

func (r *paymentCallbackRepoImpl) Record(ctx context.Context, entry *model.PaymentCallback) error {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *paymentCallbackRepoImpl) CountByRef(ctx context.Context, providerRef string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.PaymentCallback{}).
		Where("provider_ref = ?", providerRef).
		Count(&count).Error

	return count, err
}
