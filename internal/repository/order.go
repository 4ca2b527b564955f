package repository

import (
	"context"
	"time"

	"checkout-service/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OrderFilter struct {
	CustomerID string
	Page       int
	PageSize   int
}

type OrderRepository interface {
	CreateMany(ctx context.Context, tx *gorm.DB, orders []*model.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Order, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.Order, error)
	ListByTransaction(ctx context.Context, tx *gorm.DB, transactionID uuid.UUID) ([]*model.Order, error)
	List(ctx context.Context, filter OrderFilter) ([]*model.Order, int64, error)
	LinkTransaction(ctx context.Context, tx *gorm.DB, orderID, transactionID uuid.UUID) (bool, error)
	SyncPaymentStatus(ctx context.Context, tx *gorm.DB, transactionID uuid.UUID, status model.PaymentStatus) (int64, error)
	UpdateContact(ctx context.Context, tx *gorm.DB, id uuid.UUID, phone, address *string) error
	SoftDelete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type orderRepoImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepoImpl{
		db: db,
	}
}

// CreateMany inserts the orders together with their items.
func (r *orderRepoImpl) CreateMany(ctx context.Context, tx *gorm.DB, orders []*model.Order) error {
	return tx.WithContext(ctx).Create(&orders).Error
}

func (r *orderRepoImpl) FindByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error

	if err != nil {
		return nil, err
	}

	return &order, nil
}

func (r *orderRepoImpl) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.Order, error) {
	var order model.Order
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error

	if err != nil {
		return nil, err
	}

	return &order, nil
}

func (r *orderRepoImpl) ListByTransaction(ctx context.Context, tx *gorm.DB, transactionID uuid.UUID) ([]*model.Order, error) {
	var orders []*model.Order
	err := tx.WithContext(ctx).
		Where("payment_transaction_id = ?", transactionID).
		Order("order_number").
		Find(&orders).Error

	if err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *orderRepoImpl) List(ctx context.Context, filter OrderFilter) ([]*model.Order, int64, error) {
	byCustomer := func(db *gorm.DB) *gorm.DB {
		if filter.CustomerID != "" {
			return db.Where("customer_id = ?", filter.CustomerID)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Order{}).Scopes(byCustomer).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, size := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	var orders []*model.Order
	err := r.db.WithContext(ctx).Scopes(byCustomer).
		Preload("Items").
		Order("created_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}

	return orders, total, nil
}

// LinkTransaction binds an unlinked order. false means the order was
// already bound to some transaction.
func (r *orderRepoImpl) LinkTransaction(ctx context.Context, tx *gorm.DB, orderID, transactionID uuid.UUID) (bool, error) {
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_transaction_id IS NULL", orderID).
		Updates(map[string]interface{}{
			"payment_transaction_id": transactionID,
			"updated_at":             time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SyncPaymentStatus moves every linked order that lags behind status and
// returns how many rows changed.
func (r *orderRepoImpl) SyncPaymentStatus(ctx context.Context, tx *gorm.DB, transactionID uuid.UUID, status model.PaymentStatus) (int64, error) {
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("payment_transaction_id = ? AND payment_status <> ?", transactionID, status).
		Updates(map[string]interface{}{
			"payment_status": status,
			"order_status":   status.OrderStatus(),
			"updated_at":     time.Now(),
		})

	return result.RowsAffected, result.Error
}

func (r *orderRepoImpl) UpdateContact(ctx context.Context, tx *gorm.DB, id uuid.UUID, phone, address *string) error {
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if phone != nil {
		updates["phone"] = *phone
	}
	if address != nil {
		updates["address"] = *address
	}

	return tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *orderRepoImpl) SoftDelete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	result := tx.WithContext(ctx).Where("id = ?", id).Delete(&model.Order{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
