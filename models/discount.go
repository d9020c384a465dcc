package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// DiscountScope decides how the minimum purchase and fixed values are read:
// cart discounts compare the minimum against the subtotal, per-ticket
// discounts compare it against the ticket count and multiply fixed values by it.
type DiscountScope string

const (
	ScopeCart      DiscountScope = "cart"
	ScopePerTicket DiscountScope = "per_ticket"
)

type Discount struct {
	ID                    string          `json:"id"`
	Code                  string          `json:"code"`
	OrganizerID           string          `json:"organizer_id"`
	Type                  DiscountType    `json:"discount_type"`
	Value                 decimal.Decimal `json:"discount_value"`
	Scope                 DiscountScope   `json:"scope"`
	UsageCount            int             `json:"usage_count"`
	UsageLimit            int             `json:"usage_limit"` // 0 = unlimited
	StartDate             time.Time       `json:"start_date"`
	EndDate               time.Time       `json:"end_date"`
	MinimumPurchaseAmount decimal.Decimal `json:"minimum_purchase_amount"`
	ApplicableEvents      []string        `json:"applicable_events"`
	ApplicableTicketTypes []string        `json:"applicable_ticket_types,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (d *Discount) HasLimit() bool {
	return d.UsageLimit > 0
}

func (d *Discount) Exhausted() bool {
	return d.HasLimit() && d.UsageCount >= d.UsageLimit
}

func (d *Discount) AppliesToEvent(eventID string) bool {
	for _, id := range d.ApplicableEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// AppliesToTicketType is true for every type when no restriction is set.
func (d *Discount) AppliesToTicketType(ticketType string) bool {
	if len(d.ApplicableTicketTypes) == 0 {
		return true
	}
	for _, t := range d.ApplicableTicketTypes {
		if t == ticketType {
			return true
		}
	}
	return false
}

// DiscountRule computes the raw discount for an eligible subtotal and
// ticket count. Callers clamp the result to the subtotal.
type DiscountRule interface {
	Amount(subtotal decimal.Decimal, qty int) decimal.Decimal
}

type Percentage struct {
	Value decimal.Decimal
}

func (p Percentage) Amount(subtotal decimal.Decimal, _ int) decimal.Decimal {
	return subtotal.Mul(p.Value).Div(decimal.NewFromInt(100)).Round(2)
}

type Fixed struct {
	Value     decimal.Decimal
	PerTicket bool
}

func (f Fixed) Amount(_ decimal.Decimal, qty int) decimal.Decimal {
	if f.PerTicket {
		return f.Value.Mul(decimal.NewFromInt(int64(qty)))
	}
	return f.Value
}

func (d *Discount) Rule() DiscountRule {
	if d.Type == DiscountPercentage {
		return Percentage{Value: d.Value}
	}
	return Fixed{Value: d.Value, PerTicket: d.Scope == ScopePerTicket}
}

// Compute applies the rule and clamps the result so the payable total can
// never become negative.
func (d *Discount) Compute(subtotal decimal.Decimal, qty int) decimal.Decimal {
	amount := d.Rule().Amount(subtotal, qty)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(amount, subtotal)
}
