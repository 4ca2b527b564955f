package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	BookID    int64           `json:"book_id" validate:"required,gt=0"`
	Quantity  int32           `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
}

type StoreItems struct {
	StoreID int64   `json:"store_id" validate:"required,gt=0"`
	Items   []*Item `json:"items" validate:"dive,required"`
}

// CheckoutRequest is the multi-store cart checkout. When Stores is empty
// the cart is fetched from the cart service.
type CheckoutRequest struct {
	Phone           string        `json:"phone" validate:"required,max=32"`
	Address         string        `json:"address" validate:"required,max=255"`
	PaymentMethod   string        `json:"payment_method" validate:"required,oneof=COD OnlineQR EWallet"`
	PaymentProvider string        `json:"payment_provider" validate:"omitempty,oneof=VNPay PayPal Braintree Mock"`
	Stores          []*StoreItems `json:"stores" validate:"dive,required"`
}

// CreateOrderRequest is the single-store manual order.
type CreateOrderRequest struct {
	Phone           string  `json:"phone" validate:"required,max=32"`
	Address         string  `json:"address" validate:"required,max=255"`
	PaymentMethod   string  `json:"payment_method" validate:"required,oneof=COD OnlineQR EWallet"`
	PaymentProvider string  `json:"payment_provider" validate:"omitempty,oneof=VNPay PayPal Braintree Mock"`
	StoreID         int64   `json:"store_id" validate:"required,gt=0"`
	Items           []*Item `json:"items" validate:"required,min=1,dive,required"`
	// DeferPayment leaves an online order unlinked until the customer
	// explicitly initiates payment for it.
	DeferPayment bool `json:"defer_payment"`
}

type UpdateOrderRequest struct {
	Phone   *string `json:"phone" validate:"omitempty,min=1,max=32"`
	Address *string `json:"address" validate:"omitempty,min=1,max=255"`
}

type OrderItemResponse struct {
	BookID     int64           `json:"book_id"`
	Quantity   int32           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type OrderResponse struct {
	ID                   string               `json:"id"`
	OrderNumber          string               `json:"order_number"`
	CustomerID           string               `json:"customer_id"`
	StoreID              int64                `json:"store_id"`
	Phone                string               `json:"phone"`
	Address              string               `json:"address"`
	TotalQuantity        int32                `json:"total_quantity"`
	TotalPrice           decimal.Decimal      `json:"total_price"`
	OrderStatus          string               `json:"order_status"`
	PaymentMethod        string               `json:"payment_method"`
	PaymentProvider      string               `json:"payment_provider,omitempty"`
	PaymentStatus        string               `json:"payment_status"`
	PaymentTransactionID string               `json:"payment_transaction_id,omitempty"`
	Items                []*OrderItemResponse `json:"items,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
}

type PaymentResponse struct {
	TransactionID string          `json:"transaction_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentURL    string          `json:"payment_url,omitempty"`
	ProviderRef   string          `json:"provider_ref,omitempty"`
	PaymentStatus string          `json:"payment_status"`
	PaidDate      *time.Time      `json:"paid_date,omitempty"`
}

type CheckoutResponse struct {
	Payment *PaymentResponse `json:"payment"`
	Orders  []*OrderResponse `json:"orders"`
}

type PaymentStatusResponse struct {
	Status               string `json:"status"`
	ProviderRef          string `json:"provider_ref,omitempty"`
	PaymentTransactionID string `json:"payment_transaction_id,omitempty"`
	Paid                 bool   `json:"paid"`
}

type OrderListResponse struct {
	Orders   []*OrderResponse `json:"orders"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type CallbackAck struct {
	Acknowledged bool `json:"acknowledged"`
}
