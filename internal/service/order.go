package service

import (
	"context"
	"fmt"
	"log/slog"

	"checkout-service/internal/dto"
	"checkout-service/internal/model"
	"checkout-service/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OrderService interface {
	Get(ctx context.Context, customerID string, id uuid.UUID) (*dto.OrderResponse, error)
	List(ctx context.Context, customerID string, page, pageSize int) (*dto.OrderListResponse, error)
	UpdateContact(ctx context.Context, customerID string, id uuid.UUID, req *dto.UpdateOrderRequest) (*dto.OrderResponse, error)
	Delete(ctx context.Context, customerID string, id uuid.UUID) error
}

type orderServiceImpl struct {
	db        *gorm.DB
	orderRepo repository.OrderRepository
	logger    *slog.Logger
}

func NewOrderService(db *gorm.DB, orderRepo repository.OrderRepository, logger *slog.Logger) OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &orderServiceImpl{
		db:        db,
		orderRepo: orderRepo,
		logger:    logger,
	}
}

func (s *orderServiceImpl) Get(ctx context.Context, customerID string, id uuid.UUID) (*dto.OrderResponse, error) {
	order, err := s.orderRepo.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("find order", err)
	}
	if customerID != "" && order.CustomerID != customerID {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return orderResponse(order), nil
}

func (s *orderServiceImpl) List(ctx context.Context, customerID string, page, pageSize int) (*dto.OrderListResponse, error) {
	filter := repository.OrderFilter{CustomerID: customerID, Page: page, PageSize: pageSize}
	orders, total, err := s.orderRepo.List(ctx, filter)
	if err != nil {
		return nil, storeError("list orders", err)
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return &dto.OrderListResponse{
		Orders:   orderResponses(orders),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// UpdateContact changes delivery details while the order is unpaid.
func (s *orderServiceImpl) UpdateContact(ctx context.Context, customerID string, id uuid.UUID, req *dto.UpdateOrderRequest) (*dto.OrderResponse, error) {
	if req == nil || (req.Phone == nil && req.Address == nil) {
		return nil, validationError("nothing to update")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOwned(ctx, tx, customerID, id)
		if err != nil {
			return err
		}
		if order.PaymentStatus != model.PaymentStatusPending {
			return conflictError("order %s is %s", order.ID, order.PaymentStatus)
		}
		return s.orderRepo.UpdateContact(ctx, tx, order.ID, req.Phone, req.Address)
	})
	if err != nil {
		return nil, storeError("update order", err)
	}

	return s.Get(ctx, customerID, id)
}

// Delete soft-deletes an order that is unlinked or whose payment failed.
func (s *orderServiceImpl) Delete(ctx context.Context, customerID string, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOwned(ctx, tx, customerID, id)
		if err != nil {
			return err
		}
		if order.PaymentTransactionID != nil && order.PaymentStatus != model.PaymentStatusFailed {
			return conflictError("order %s is bound to a %s payment", order.ID, order.PaymentStatus)
		}
		return s.orderRepo.SoftDelete(ctx, tx, order.ID)
	})
	if err != nil {
		return storeError("delete order", err)
	}

	s.logger.InfoContext(ctx, "order deleted", "order_id", id, "customer_id", customerID)
	return nil
}

func (s *orderServiceImpl) lockOwned(ctx context.Context, tx *gorm.DB, customerID string, id uuid.UUID) (*model.Order, error) {
	order, err := s.orderRepo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if customerID != "" && order.CustomerID != customerID {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return order, nil
}
