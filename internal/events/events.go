// Package events holds the settlement events published for read-only
// consumers such as receipt and ticket renderers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Publisher is satisfied by *cqrs.EventBus.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

type EventHeader struct {
	ID             string    `json:"id"`
	PublishedAt    time.Time `json:"published_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// NewEventHeader keys the event by the record it describes so consumers can
// drop redeliveries.
func NewEventHeader(idempotencyKey string) EventHeader {
	return EventHeader{
		ID:             uuid.NewString(),
		PublishedAt:    time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
}

type TicketLine struct {
	TicketID   string          `json:"ticket_id"`
	TicketType string          `json:"ticket_type"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type OrderSettled_v1 struct {
	Header EventHeader `json:"header"`

	OrderID        string          `json:"order_id"`
	UserID         string          `json:"user_id"`
	EventID        string          `json:"event_id"`
	PaymentID      string          `json:"payment_id"`
	TransactionID  string          `json:"transaction_id"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	Tickets        []TicketLine    `json:"tickets"`
	SettledAt      time.Time       `json:"settled_at"`
}

type OrderCancelled_v1 struct {
	Header EventHeader `json:"header"`

	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

type RefundApproved_v1 struct {
	Header EventHeader `json:"header"`

	RefundID        string          `json:"refund_id"`
	OrderID         string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	GatewayRefundID string          `json:"gateway_refund_id"`
	Restocked       bool            `json:"restocked"`
}
