package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderCompleted       OrderStatus = "completed"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRefundRequested OrderStatus = "refund_requested"
	OrderRefunded        OrderStatus = "refunded"
)

// PaymentStatus is shared by orders and, for the values that apply, payments.
// PaymentCapturing marks an order whose capture was attempted but whose
// outcome is not known yet; it is resolved by reconciliation.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCapturing PaymentStatus = "capturing"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// SettlementState is the conceptual lifecycle position of an order.
type SettlementState string

const (
	StatePending         SettlementState = "pending"
	StateAwaitingPayment SettlementState = "awaiting_payment"
	StateCapturing       SettlementState = "capturing"
	StatePaid            SettlementState = "paid"
	StateFailed          SettlementState = "failed"
	StateCancelled       SettlementState = "cancelled"
	StateRefundRequested SettlementState = "refund_requested"
	StateRefunded        SettlementState = "refunded"
)

type Order struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	EventID           string          `json:"event_id"`
	Currency          string          `json:"currency"`
	Tickets           []Ticket        `json:"tickets"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	DiscountID        string          `json:"discount_id,omitempty"`
	DiscountCode      string          `json:"discount_code,omitempty"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	Status            OrderStatus     `json:"status"`
	ExternalPaymentID string          `json:"external_payment_id,omitempty"`
	ApprovalURL       string          `json:"approval_url,omitempty"`
	IdempotencyKey    string          `json:"-"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (o *Order) SettlementState() SettlementState {
	switch {
	case o.Status == OrderCancelled:
		return StateCancelled
	case o.Status == OrderRefunded || o.PaymentStatus == PaymentRefunded:
		return StateRefunded
	case o.Status == OrderRefundRequested:
		return StateRefundRequested
	case o.PaymentStatus == PaymentPaid:
		return StatePaid
	case o.PaymentStatus == PaymentFailed:
		return StateFailed
	case o.PaymentStatus == PaymentCapturing:
		return StateCapturing
	case o.ExternalPaymentID != "":
		return StateAwaitingPayment
	default:
		return StatePending
	}
}

// Cancellable reports whether the order can still be cancelled by its owner.
func (o *Order) Cancellable() bool {
	if o.Status != OrderPending {
		return false
	}
	return o.PaymentStatus == PaymentPending || o.PaymentStatus == PaymentFailed
}

func (o *Order) TicketCount() int {
	n := 0
	for _, t := range o.Tickets {
		n += t.Quantity
	}
	return n
}

// ComputeSubtotal sums unit price times quantity over the order's tickets.
func (o *Order) ComputeSubtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, t := range o.Tickets {
		sum = sum.Add(t.LineTotal())
	}
	return sum
}
