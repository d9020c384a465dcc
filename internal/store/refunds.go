package store

import (
	"context"
	"time"

	"ticket-marketplace/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type refundRow struct {
	ID              string          `db:"id"`
	OrderID         string          `db:"order_id"`
	UserID          string          `db:"user_id"`
	Amount          decimal.Decimal `db:"amount"`
	Reason          string          `db:"reason"`
	Status          string          `db:"status"`
	ReviewerID      string          `db:"reviewer_id"`
	ReviewNote      string          `db:"review_note"`
	GatewayRefundID string          `db:"gateway_refund_id"`
	Created         types.DateTime  `db:"created"`
	ReviewedAt      types.DateTime  `db:"reviewed_at"`
}

func (r refundRow) model() *models.RefundRequest {
	return &models.RefundRequest{
		ID:              r.ID,
		OrderID:         r.OrderID,
		UserID:          r.UserID,
		Amount:          r.Amount,
		Reason:          r.Reason,
		Status:          models.RefundStatus(r.Status),
		ReviewerID:      r.ReviewerID,
		ReviewNote:      r.ReviewNote,
		GatewayRefundID: r.GatewayRefundID,
		CreatedAt:       r.Created.Time(),
		ReviewedAt:      timePtr(r.ReviewedAt),
	}
}

// InsertRefund fails with ErrDuplicate when the order already has a request.
func (s *Store) InsertRefund(ctx context.Context, r *models.RefundRequest) error {
	return s.insert(ctx, "refund_requests", dbx.Params{
		"id":       r.ID,
		"order_id": r.OrderID,
		"user_id":  r.UserID,
		"amount":   r.Amount,
		"reason":   r.Reason,
		"status":   string(r.Status),
		"created":  dt(r.CreatedAt),
	})
}

func (s *Store) GetRefund(ctx context.Context, id string) (*models.RefundRequest, error) {
	var row refundRow
	if err := s.one(ctx, `SELECT * FROM refund_requests WHERE id = {:id}`, dbx.Params{"id": id}, &row); err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *Store) GetRefundByOrder(ctx context.Context, orderID string) (*models.RefundRequest, error) {
	var row refundRow
	err := s.one(ctx, `SELECT * FROM refund_requests WHERE order_id = {:order}`, dbx.Params{"order": orderID}, &row)
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

// ListRefunds returns requests in the given status, or all when status is empty.
func (s *Store) ListRefunds(ctx context.Context, status models.RefundStatus) ([]*models.RefundRequest, error) {
	var rows []refundRow
	err := s.all(ctx,
		`SELECT * FROM refund_requests WHERE {:status} = '' OR status = {:status} ORDER BY created`,
		dbx.Params{"status": string(status)}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*models.RefundRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// DecideRefund records the review outcome of a pending request.
func (s *Store) DecideRefund(ctx context.Context, r *models.RefundRequest, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE refund_requests SET status = {:status}, reviewer_id = {:reviewer},
		   review_note = {:note}, gateway_refund_id = {:gw}, reviewed_at = {:at}
		 WHERE id = {:id} AND status = 'pending'`,
		dbx.Params{
			"id":       r.ID,
			"status":   string(r.Status),
			"reviewer": r.ReviewerID,
			"note":     r.ReviewNote,
			"gw":       r.GatewayRefundID,
			"at":       dt(at),
		})
}
