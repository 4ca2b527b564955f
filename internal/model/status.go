package model

import (
	"errors"
	"fmt"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "Pending"
	PaymentStatusPaid     PaymentStatus = "Paid"
	PaymentStatusFailed   PaymentStatus = "Failed"
	PaymentStatusRefunded PaymentStatus = "Refunded"
)

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "Created"
	OrderStatusConfirmed OrderStatus = "Confirmed"
	OrderStatusCanceled  OrderStatus = "Canceled"
)

type PaymentMethod string

const (
	PaymentMethodCOD      PaymentMethod = "COD"
	PaymentMethodOnlineQR PaymentMethod = "OnlineQR"
	PaymentMethodEWallet  PaymentMethod = "EWallet"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodOnlineQR, PaymentMethodEWallet:
		return true
	}
	return false
}

// Online reports whether the method needs a provider round trip.
func (m PaymentMethod) Online() bool {
	return m == PaymentMethodOnlineQR || m == PaymentMethodEWallet
}

type PaymentProvider string

const (
	ProviderVNPay     PaymentProvider = "VNPay"
	ProviderPayPal    PaymentProvider = "PayPal"
	ProviderBraintree PaymentProvider = "Braintree"
	ProviderMock      PaymentProvider = "Mock"
)

func (p PaymentProvider) Valid() bool {
	switch p {
	case ProviderVNPay, ProviderPayPal, ProviderBraintree, ProviderMock:
		return true
	}
	return false
}

// PaymentEvent is an input to the payment state machine.
type PaymentEvent string

const (
	EventSucceeded PaymentEvent = "succeeded"
	EventFailed    PaymentEvent = "failed"
	EventRefunded  PaymentEvent = "refunded"
)

var ErrIllegalTransition = errors.New("illegal payment status transition")

// Transition returns the status reached by applying ev. changed is false
// when the event is absorbed by a terminal status. Paid and Failed absorb
// repeated provider outcomes; only Paid accepts a refund.
func (s PaymentStatus) Transition(ev PaymentEvent) (next PaymentStatus, changed bool, err error) {
	switch s {
	case PaymentStatusPending:
		switch ev {
		case EventSucceeded:
			return PaymentStatusPaid, true, nil
		case EventFailed:
			return PaymentStatusFailed, true, nil
		}
	case PaymentStatusPaid:
		switch ev {
		case EventSucceeded, EventFailed:
			return s, false, nil
		case EventRefunded:
			return PaymentStatusRefunded, true, nil
		}
	case PaymentStatusFailed:
		switch ev {
		case EventFailed:
			return s, false, nil
		}
	case PaymentStatusRefunded:
		switch ev {
		case EventSucceeded, EventFailed, EventRefunded:
			return s, false, nil
		}
	}
	return s, false, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, s)
}

// Terminal is true for statuses provider input can no longer move.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFailed || s == PaymentStatusRefunded
}

// OrderStatus is the order status implied by a payment status.
func (s PaymentStatus) OrderStatus() OrderStatus {
	switch s {
	case PaymentStatusPaid:
		return OrderStatusConfirmed
	case PaymentStatusFailed, PaymentStatusRefunded:
		return OrderStatusCanceled
	default:
		return OrderStatusCreated
	}
}

// DomainEvent is the outbox event emitted when a transaction enters s.
func (s PaymentStatus) DomainEvent() string {
	switch s {
	case PaymentStatusPaid:
		return EventTypePaymentPaid
	case PaymentStatusFailed:
		return EventTypePaymentFailed
	case PaymentStatusRefunded:
		return EventTypePaymentRefunded
	default:
		return ""
	}
}
