package model

import "strings"

// PayPal Orders v2 and webhook wire types.

type PaypalLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type PaypalAmount struct {
	Currency string `json:"currency_code"`
	Value    string `json:"value"`
}

type PaypalCapture struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Final  bool         `json:"final_capture"`
	Amount PaypalAmount `json:"amount"`
}

type PaypalPayments struct {
	Captures []PaypalCapture `json:"captures"`
}

type PaypalPurchaseUnit struct {
	ReferenceID string         `json:"reference_id"`
	CustomID    string         `json:"custom_id"`
	Payments    PaypalPayments `json:"payments"`
}

type PaypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"` // CREATED, APPROVED, COMPLETED, VOIDED
	Links         []PaypalLink         `json:"links"`
	PurchaseUnits []PaypalPurchaseUnit `json:"purchase_units"`
}

// ApproveURL returns the buyer approval link, empty if PayPal did not send one.
func (o *PaypalOrder) ApproveURL() string {
	for _, link := range o.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

// Captured reports whether any purchase unit holds a completed capture.
func (o *PaypalOrder) Captured() bool {
	for _, pu := range o.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			if c.Status == "COMPLETED" {
				return true
			}
		}
	}
	return false
}

type PaypalRelatedIDs struct {
	OrderID string `json:"order_id"`
}

type PaypalSupplementaryData struct {
	RelatedIDs PaypalRelatedIDs `json:"related_ids"`
}

type PaypalResource struct {
	ID                string                  `json:"id"`
	Status            string                  `json:"status"`
	CustomID          string                  `json:"custom_id"`
	SupplementaryData PaypalSupplementaryData `json:"supplementary_data"`
}

type PayPalWebhookEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	CreateTime string         `json:"create_time"`
	Resource   PaypalResource `json:"resource"`
}

// OrderID resolves the PayPal order the event is about. Capture events
// reference it through supplementary data, checkout events carry it as
// the resource id.
func (e *PayPalWebhookEvent) OrderID() string {
	if id := e.Resource.SupplementaryData.RelatedIDs.OrderID; id != "" {
		return id
	}
	if strings.HasPrefix(e.EventType, "CHECKOUT.ORDER.") {
		return e.Resource.ID
	}
	return ""
}
