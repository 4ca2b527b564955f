package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	EventTypeOrderCreated    = "order.created"
	EventTypePaymentPaid     = "payment.paid"
	EventTypePaymentFailed   = "payment.failed"
	EventTypePaymentRefunded = "payment.refunded"
)

type MessageStatus string

const (
	MessagePending    MessageStatus = "Pending"
	MessageProcessing MessageStatus = "Processing"
	MessagePublished  MessageStatus = "Published"
	MessageFailed     MessageStatus = "Failed"
)

// OutboxMessage is written in the same transaction as the state change it
// announces and relayed to the broker afterwards.
type OutboxMessage struct {
	ID          uuid.UUID     `gorm:"type:char(36);primaryKey"`
	EventType   string        `gorm:"size:64;index;not null"`
	AggregateID string        `gorm:"size:64;index;not null"`
	Payload     string        `gorm:"type:text;not null"`
	Status      MessageStatus `gorm:"size:16;index;not null"`
	TraceID     string        `gorm:"size:64"`
	RetryCount  int           `gorm:"not null;default:0"`
	LastError   string        `gorm:"size:512"`
	CreatedAt   time.Time     `gorm:"index"`
	ClaimedAt   *time.Time
	PublishedAt *time.Time
}

func (m *OutboxMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func NewOutboxMessage(eventType, aggregateID string, payload any) (*OutboxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     string(data),
		Status:      MessagePending,
		TraceID:     uuid.NewString(),
	}, nil
}

type OrderCreatedEvent struct {
	TransactionID string   `json:"transaction_id"`
	CustomerID    string   `json:"customer_id"`
	OrderIDs      []string `json:"order_ids"`
	PaymentMethod string   `json:"payment_method"`
	PaymentStatus string   `json:"payment_status"`
	TotalAmount   string   `json:"total_amount"`
}

type PaymentStatusChangedEvent struct {
	TransactionID string     `json:"transaction_id"`
	ProviderRef   string     `json:"provider_ref,omitempty"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	Source        string     `json:"source"`
	OrderIDs      []string   `json:"order_ids"`
	PaidDate      *time.Time `json:"paid_date,omitempty"`
}

// PaymentCallback is the audit record of one provider notification.
type PaymentCallback struct {
	ID            uint            `gorm:"primaryKey"`
	Provider      PaymentProvider `gorm:"size:16;index"`
	ProviderRef   string          `gorm:"size:128;index;not null"`
	TransactionID *uuid.UUID      `gorm:"type:char(36);index"`
	Verified      bool            `gorm:"not null"`
	Outcome       string          `gorm:"size:32;not null"` // succeeded, failed, ignored, unknown_ref, rejected
	Message       string          `gorm:"size:512"`
	ReceivedAt    time.Time       `gorm:"index;not null"`
}
