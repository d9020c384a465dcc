package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment records one successful capture. It is created only on capture and
// afterwards only moves forward (completed -> refunded).
type Payment struct {
	ID              string          `json:"payment_id"`
	OrderID         string          `json:"order_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentMethod   string          `json:"payment_method"` // paypal
	Status          string          `json:"status"`         // completed, refunded
	TransactionID   string          `json:"transaction_id"`
	ExternalOrderID string          `json:"external_order_id"`
	PayerID         string          `json:"payer_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

const (
	PaymentRecordCompleted = "completed"
	PaymentRecordRefunded  = "refunded"
)

// PaymentNotification is pushed to the ticket holder after a transition.
type PaymentNotification struct {
	Type      string          `json:"type"` // payment_success, payment_failed, refund_approved, refund_rejected
	OrderID   string          `json:"order_id"`
	PaymentID string          `json:"payment_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
