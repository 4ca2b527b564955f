package repository

import (
	"context"
	"time"

	"checkout-service/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentTransactionRepository interface {
	Create(ctx context.Context, tx *gorm.DB, transaction *model.PaymentTransaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentTransaction, error)
	FindByRef(ctx context.Context, ref string) (*model.PaymentTransaction, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.PaymentTransaction, error)
	AssignProviderRef(ctx context.Context, tx *gorm.DB, id uuid.UUID, ref, paymentURL string) (bool, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to model.PaymentStatus, paidAt *time.Time) (bool, error)
	ClaimCallback(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (bool, error)
	ReleaseCallback(ctx context.Context, id uuid.UUID) error
}

type paymentTransactionRepoImpl struct {
	db *gorm.DB
}

func NewPaymentTransactionRepository(db *gorm.DB) PaymentTransactionRepository {
	return &paymentTransactionRepoImpl{
		db: db,
	}
}

func (r *paymentTransactionRepoImpl) Create(ctx context.Context, tx *gorm.DB, transaction *model.PaymentTransaction) error {
	return tx.WithContext(ctx).Create(transaction).Error
}

func (r *paymentTransactionRepoImpl) FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentTransaction, error) {
	var transaction model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&transaction).Error

	if err != nil {
		return nil, err
	}

	return &transaction, nil
}

func (r *paymentTransactionRepoImpl) FindByRef(ctx context.Context, ref string) (*model.PaymentTransaction, error) {
	var transaction model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("transaction_ref = ?", ref).
		First(&transaction).Error

	if err != nil {
		return nil, err
	}

	return &transaction, nil
}

func (r *paymentTransactionRepoImpl) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.PaymentTransaction, error) {
	var transaction model.PaymentTransaction
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&transaction).Error

	if err != nil {
		return nil, err
	}

	return &transaction, nil
}

// AssignProviderRef records the initiation outcome. The reference is
// written at most once and only while the transaction is still pending.
func (r *paymentTransactionRepoImpl) AssignProviderRef(ctx context.Context, tx *gorm.DB, id uuid.UUID, ref, paymentURL string) (bool, error) {
	result := tx.WithContext(ctx).Model(&model.PaymentTransaction{}).
		Where("id = ? AND transaction_ref IS NULL AND payment_status = ?", id, model.PaymentStatusPending).
		Updates(map[string]interface{}{
			"transaction_ref": ref,
			"payment_url":     paymentURL,
			"updated_at":      time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateStatus is a compare-and-swap on payment_status. paid_date is only
// stamped when still empty.
func (r *paymentTransactionRepoImpl) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to model.PaymentStatus, paidAt *time.Time) (bool, error) {
	updates := map[string]interface{}{
		"payment_status": to,
		"updated_at":     time.Now(),
	}
	if paidAt != nil {
		updates["paid_date"] = gorm.Expr("COALESCE(paid_date, ?)", *paidAt)
	}

	result := tx.WithContext(ctx).Model(&model.PaymentTransaction{}).
		Where("id = ? AND payment_status = ?", id, from).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ClaimCallback marks a Pending transaction as having a callback in flight.
// A claim older than staleBefore is treated as abandoned and taken over.
func (r *paymentTransactionRepoImpl) ClaimCallback(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.PaymentTransaction{}).
		Where("id = ? AND payment_status = ?", id, model.PaymentStatusPending).
		Where("callback_claimed_at IS NULL OR callback_claimed_at < ?", staleBefore).
		Update("callback_claimed_at", now)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *paymentTransactionRepoImpl) ReleaseCallback(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.PaymentTransaction{}).
		Where("id = ?", id).
		Update("callback_claimed_at", nil).Error
}
