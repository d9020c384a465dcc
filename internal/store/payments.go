package store

import (
	"context"
	"time"

	"ticket-marketplace/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type paymentRow struct {
	ID              string          `db:"id"`
	OrderID         string          `db:"order_id"`
	Amount          decimal.Decimal `db:"amount"`
	Currency        string          `db:"currency"`
	PaymentMethod   string          `db:"payment_method"`
	Status          string          `db:"status"`
	TransactionID   string          `db:"transaction_id"`
	ExternalOrderID string          `db:"external_order_id"`
	PayerID         string          `db:"payer_id"`
	Created         types.DateTime  `db:"created"`
	Updated         types.DateTime  `db:"updated"`
}

func (r paymentRow) model() *models.Payment {
	return &models.Payment{
		ID:              r.ID,
		OrderID:         r.OrderID,
		Amount:          r.Amount,
		Currency:        r.Currency,
		PaymentMethod:   r.PaymentMethod,
		Status:          r.Status,
		TransactionID:   r.TransactionID,
		ExternalOrderID: r.ExternalOrderID,
		PayerID:         r.PayerID,
		CreatedAt:       r.Created.Time(),
		UpdatedAt:       r.Updated.Time(),
	}
}

// InsertPayment fails with ErrDuplicate when the transaction or provider
// order was already recorded.
func (s *Store) InsertPayment(ctx context.Context, p *models.Payment) error {
	return s.insert(ctx, "payments", dbx.Params{
		"id":                p.ID,
		"order_id":          p.OrderID,
		"amount":            p.Amount,
		"currency":          p.Currency,
		"payment_method":    p.PaymentMethod,
		"status":            p.Status,
		"transaction_id":    p.TransactionID,
		"external_order_id": p.ExternalOrderID,
		"payer_id":          p.PayerID,
		"created":           dt(p.CreatedAt),
		"updated":           dt(p.UpdatedAt),
	})
}

func (s *Store) GetPaymentByExternalOrderID(ctx context.Context, externalID string) (*models.Payment, error) {
	var row paymentRow
	err := s.one(ctx, `SELECT * FROM payments WHERE external_order_id = {:ext}`, dbx.Params{"ext": externalID}, &row)
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var row paymentRow
	err := s.one(ctx, `SELECT * FROM payments WHERE order_id = {:order} LIMIT 1`, dbx.Params{"order": orderID}, &row)
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *Store) SetPaymentStatus(ctx context.Context, id, from, to string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE payments SET status = {:to}, updated = {:at} WHERE id = {:id} AND status = {:from}`,
		dbx.Params{"id": id, "from": from, "to": to, "at": dt(at)})
}
