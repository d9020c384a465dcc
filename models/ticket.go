package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketPaid     TicketStatus = "paid"
	TicketRefunded TicketStatus = "refunded"
	TicketReleased TicketStatus = "released"
)

type Ticket struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	EventID       string          `json:"event_id"`
	TicketType    string          `json:"ticket_type"`
	ReservationID string          `json:"reservation_id"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	PaymentStatus TicketStatus    `json:"payment_status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (t Ticket) LineTotal() decimal.Decimal {
	return t.UnitPrice.Mul(decimal.NewFromInt(int64(t.Quantity)))
}
