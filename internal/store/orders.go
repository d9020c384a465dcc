package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ticket-marketplace/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type orderRow struct {
	ID                string          `db:"id"`
	UserID            string          `db:"user_id"`
	EventID           string          `db:"event_id"`
	Currency          string          `db:"currency"`
	Subtotal          decimal.Decimal `db:"subtotal"`
	DiscountID        string          `db:"discount_id"`
	DiscountCode      string          `db:"discount_code"`
	DiscountAmount    decimal.Decimal `db:"discount_amount"`
	TotalAmount       decimal.Decimal `db:"total_amount"`
	PaymentStatus     string          `db:"payment_status"`
	Status            string          `db:"status"`
	ExternalPaymentID string          `db:"external_payment_id"`
	ApprovalURL       string          `db:"approval_url"`
	IdempotencyKey    string          `db:"idempotency_key"`
	FailureReason     string          `db:"failure_reason"`
	Created           types.DateTime  `db:"created"`
	Updated           types.DateTime  `db:"updated"`
}

func (r orderRow) model() *models.Order {
	return &models.Order{
		ID:                r.ID,
		UserID:            r.UserID,
		EventID:           r.EventID,
		Currency:          r.Currency,
		Subtotal:          r.Subtotal,
		DiscountID:        r.DiscountID,
		DiscountCode:      r.DiscountCode,
		DiscountAmount:    r.DiscountAmount,
		TotalAmount:       r.TotalAmount,
		PaymentStatus:     models.PaymentStatus(r.PaymentStatus),
		Status:            models.OrderStatus(r.Status),
		ExternalPaymentID: r.ExternalPaymentID,
		ApprovalURL:       r.ApprovalURL,
		IdempotencyKey:    r.IdempotencyKey,
		FailureReason:     r.FailureReason,
		CreatedAt:         r.Created.Time(),
		UpdatedAt:         r.Updated.Time(),
	}
}

type ticketRow struct {
	ID            string          `db:"id"`
	OrderID       string          `db:"order_id"`
	EventID       string          `db:"event_id"`
	TicketType    string          `db:"ticket_type"`
	ReservationID string          `db:"reservation_id"`
	Quantity      int             `db:"quantity"`
	UnitPrice     decimal.Decimal `db:"unit_price"`
	PaymentStatus string          `db:"payment_status"`
	Position      int             `db:"position"`
	Created       types.DateTime  `db:"created"`
	Updated       types.DateTime  `db:"updated"`
}

func (r ticketRow) model() models.Ticket {
	return models.Ticket{
		ID:            r.ID,
		OrderID:       r.OrderID,
		EventID:       r.EventID,
		TicketType:    r.TicketType,
		ReservationID: r.ReservationID,
		Quantity:      r.Quantity,
		UnitPrice:     r.UnitPrice,
		PaymentStatus: models.TicketStatus(r.PaymentStatus),
		CreatedAt:     r.Created.Time(),
		UpdatedAt:     r.Updated.Time(),
	}
}

// InsertOrder stores the order together with its tickets in input order.
func (s *Store) InsertOrder(ctx context.Context, o *models.Order) error {
	return s.RunInTx(ctx, func(tx *Store) error {
		err := tx.insert(ctx, "orders", dbx.Params{
			"id":                  o.ID,
			"user_id":             o.UserID,
			"event_id":            o.EventID,
			"currency":            o.Currency,
			"subtotal":            o.Subtotal,
			"discount_id":         o.DiscountID,
			"discount_code":       o.DiscountCode,
			"discount_amount":     o.DiscountAmount,
			"total_amount":        o.TotalAmount,
			"payment_status":      string(o.PaymentStatus),
			"status":              string(o.Status),
			"external_payment_id": o.ExternalPaymentID,
			"approval_url":        o.ApprovalURL,
			"idempotency_key":     o.IdempotencyKey,
			"failure_reason":      o.FailureReason,
			"created":             dt(o.CreatedAt),
			"updated":             dt(o.UpdatedAt),
		})
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, t := range o.Tickets {
			err := tx.insert(ctx, "tickets", dbx.Params{
				"id":             t.ID,
				"order_id":       o.ID,
				"event_id":       t.EventID,
				"ticket_type":    t.TicketType,
				"reservation_id": t.ReservationID,
				"quantity":       t.Quantity,
				"unit_price":     t.UnitPrice,
				"payment_status": string(t.PaymentStatus),
				"position":       i,
				"created":        dt(t.CreatedAt),
				"updated":        dt(t.UpdatedAt),
			})
			if err != nil {
				return fmt.Errorf("insert ticket %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrderWhere(ctx, `id = {:v}`, id)
}

func (s *Store) GetOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	return s.getOrderWhere(ctx, `external_payment_id = {:v} AND external_payment_id != ''`, externalID)
}

func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	var row orderRow
	err := s.one(ctx,
		`SELECT * FROM orders WHERE user_id = {:user} AND idempotency_key = {:key} AND idempotency_key != ''`,
		dbx.Params{"user": userID, "key": key}, &row)
	if err != nil {
		return nil, err
	}
	return s.withTickets(ctx, row.model())
}

func (s *Store) getOrderWhere(ctx context.Context, where string, v string) (*models.Order, error) {
	var row orderRow
	if err := s.one(ctx, `SELECT * FROM orders WHERE `+where, dbx.Params{"v": v}, &row); err != nil {
		return nil, err
	}
	return s.withTickets(ctx, row.model())
}

func (s *Store) withTickets(ctx context.Context, o *models.Order) (*models.Order, error) {
	tickets, err := s.ListTickets(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Tickets = tickets
	return o, nil
}

func (s *Store) ListTickets(ctx context.Context, orderID string) ([]models.Ticket, error) {
	var rows []ticketRow
	err := s.all(ctx,
		`SELECT * FROM tickets WHERE order_id = {:order} ORDER BY position`,
		dbx.Params{"order": orderID}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]models.Ticket, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// SetTicketsStatus moves every ticket of the order to status.
func (s *Store) SetTicketsStatus(ctx context.Context, orderID string, status models.TicketStatus, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE tickets SET payment_status = {:status}, updated = {:at} WHERE order_id = {:order}`,
		dbx.Params{"order": orderID, "status": string(status), "at": dt(at)})
	return err
}

// OrderState is the target of a conditional order transition.
type OrderState struct {
	Status        models.OrderStatus
	PaymentStatus models.PaymentStatus
	FailureReason string
}

// TransitionOrder moves the order to the given state only when its current
// status is from and its payment status is one of fromPayment. It returns
// ErrConflict otherwise.
func (s *Store) TransitionOrder(ctx context.Context, id string, from models.OrderStatus, to OrderState, at time.Time, fromPayment ...models.PaymentStatus) error {
	params := dbx.Params{
		"id":             id,
		"from":           string(from),
		"status":         string(to.Status),
		"payment_status": string(to.PaymentStatus),
		"reason":         to.FailureReason,
		"at":             dt(at),
	}
	return s.execOne(ctx,
		`UPDATE orders SET status = {:status}, payment_status = {:payment_status},
		   failure_reason = {:reason}, updated = {:at}
		 WHERE id = {:id} AND status = {:from} AND `+inClause("payment_status", "pay", fromPayment, params),
		params)
}

// SetOrderStatus changes only the order status, guarded by its current one.
func (s *Store) SetOrderStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE orders SET status = {:to}, updated = {:at} WHERE id = {:id} AND status = {:from}`,
		dbx.Params{"id": id, "from": string(from), "to": string(to), "at": dt(at)})
}

// AttachPaymentSession stores the provider order id once.
func (s *Store) AttachPaymentSession(ctx context.Context, id, externalID, approvalURL string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE orders SET external_payment_id = {:ext}, approval_url = {:url}, updated = {:at}
		 WHERE id = {:id} AND external_payment_id = '' AND status = 'pending' AND payment_status = 'pending'`,
		dbx.Params{"id": id, "ext": externalID, "url": approvalURL, "at": dt(at)})
}

// ListOrdersByPaymentStatus returns orders in status last touched before
// the cutoff, oldest first.
func (s *Store) ListOrdersByPaymentStatus(ctx context.Context, status models.PaymentStatus, updatedBefore time.Time, limit int) ([]*models.Order, error) {
	var rows []orderRow
	err := s.all(ctx,
		`SELECT * FROM orders
		 WHERE payment_status = {:status} AND status = 'pending' AND updated < {:before}
		 ORDER BY updated LIMIT {:limit}`,
		dbx.Params{"status": string(status), "before": dt(updatedBefore), "limit": limit}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0, len(rows))
	for _, r := range rows {
		o, err := s.withTickets(ctx, r.model())
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func inClause[T ~string](column, prefix string, values []T, params dbx.Params) string {
	if len(values) == 0 {
		return "1 = 1"
	}
	names := make([]string, len(values))
	for i, v := range values {
		name := fmt.Sprintf("%s%d", prefix, i)
		params[name] = string(v)
		names[i] = "{:" + name + "}"
	}
	return column + " IN (" + strings.Join(names, ", ") + ")"
}
