package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Order struct {
	ID            uuid.UUID       `gorm:"type:char(36);primaryKey"`
	OrderNumber   string          `gorm:"size:40;uniqueIndex;not null"` // ORD-yyyyMMddHHmmss-XXXXXX
	CustomerID    string          `gorm:"size:64;index;not null"`
	StoreID       int64           `gorm:"index;not null"`
	Phone         string          `gorm:"size:32"`
	Address       string          `gorm:"size:255"`
	TotalQuantity int32           `gorm:"not null"`
	TotalPrice    decimal.Decimal `gorm:"type:decimal(18,2);not null"`

	OrderStatus     OrderStatus      `gorm:"size:16;index;not null"`
	PaymentMethod   PaymentMethod    `gorm:"size:16;not null"`
	PaymentProvider *PaymentProvider `gorm:"size:16"` // nil for COD
	PaymentStatus   PaymentStatus    `gorm:"size:16;index;not null"`

	// set once, never rebound
	PaymentTransactionID *uuid.UUID `gorm:"type:char(36);index"`

	Items []OrderItem `gorm:"foreignKey:OrderID"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

type OrderItem struct {
	ID         uuid.UUID       `gorm:"type:char(36);primaryKey"`
	OrderID    uuid.UUID       `gorm:"type:char(36);index;not null"`
	BookID     int64           `gorm:"index;not null"`
	Quantity   int32           `gorm:"not null"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	TotalPrice decimal.Decimal `gorm:"type:decimal(18,2);not null"`

	CreatedAt time.Time
}

func (i *OrderItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// NewOrderItem computes the line total from quantity and unit price.
func NewOrderItem(bookID int64, quantity int32, unitPrice decimal.Decimal) OrderItem {
	return OrderItem{
		BookID:     bookID,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		TotalPrice: unitPrice.Mul(decimal.NewFromInt32(quantity)),
	}
}

// Recalculate sets TotalQuantity and TotalPrice from the items.
func (o *Order) Recalculate() {
	o.TotalQuantity = 0
	o.TotalPrice = decimal.Zero
	for _, it := range o.Items {
		o.TotalQuantity += it.Quantity
		o.TotalPrice = o.TotalPrice.Add(it.TotalPrice)
	}
}

// Paid is true when the order's own payment status already settled.
func (o *Order) Paid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

type PaymentTransaction struct {
	ID uuid.UUID `gorm:"type:char(36);primaryKey"`
	// provider-side reference, assigned at most once
	TransactionRef *string          `gorm:"size:128;uniqueIndex"`
	Provider       *PaymentProvider `gorm:"size:16"`
	PaymentMethod  PaymentMethod    `gorm:"size:16;not null"`
	PaymentStatus  PaymentStatus    `gorm:"size:16;index;not null"`
	PaymentURL     *string          `gorm:"size:2048"`
	TotalAmount    decimal.Decimal  `gorm:"type:decimal(18,2);not null"`
	PaidDate       *time.Time
	// set while a callback is being settled with the provider
	CallbackClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (t *PaymentTransaction) Ref() string {
	if t.TransactionRef == nil {
		return ""
	}
	return *t.TransactionRef
}

func (t *PaymentTransaction) URL() string {
	if t.PaymentURL == nil {
		return ""
	}
	return *t.PaymentURL
}
