package store

import (
	"context"
	"time"

	"ticket-marketplace/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
)

type reservationRow struct {
	ID         string         `db:"id"`
	EventID    string         `db:"event_id"`
	TicketType string         `db:"ticket_type"`
	Quantity   int            `db:"quantity"`
	Status     string         `db:"status"`
	ExpiresAt  types.DateTime `db:"expires_at"`
	Created    types.DateTime `db:"created"`
	Updated    types.DateTime `db:"updated"`
}

func (r reservationRow) model() *models.Reservation {
	return &models.Reservation{
		ID:         r.ID,
		EventID:    r.EventID,
		TicketType: r.TicketType,
		Quantity:   r.Quantity,
		Status:     models.ReservationStatus(r.Status),
		ExpiresAt:  r.ExpiresAt.Time(),
		CreatedAt:  r.Created.Time(),
	}
}

func (s *Store) InsertReservation(ctx context.Context, r *models.Reservation) error {
	return s.insert(ctx, "reservations", dbx.Params{
		"id":          r.ID,
		"event_id":    r.EventID,
		"ticket_type": r.TicketType,
		"quantity":    r.Quantity,
		"status":      string(r.Status),
		"expires_at":  dt(r.ExpiresAt),
		"created":     dt(r.CreatedAt),
		"updated":     dt(r.CreatedAt),
	})
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var row reservationRow
	if err := s.one(ctx, `SELECT * FROM reservations WHERE id = {:id}`, dbx.Params{"id": id}, &row); err != nil {
		return nil, err
	}
	return row.model(), nil
}

// TransitionReservation moves a reservation from one status to another and
// fails with ErrConflict when it is not in the expected status.
func (s *Store) TransitionReservation(ctx context.Context, id string, from, to models.ReservationStatus, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE reservations SET status = {:to}, updated = {:at}
		 WHERE id = {:id} AND status = {:from}`,
		dbx.Params{"id": id, "from": string(from), "to": string(to), "at": dt(at)})
}

// ListExpiredReservations returns held reservations past their expiry that
// do not belong to an order whose capture is under way or done.
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	var rows []reservationRow
	err := s.all(ctx,
		`SELECT r.* FROM reservations r
		 WHERE r.status = 'held' AND r.expires_at != '' AND r.expires_at < {:now}
		   AND NOT EXISTS (
		     SELECT 1 FROM tickets t JOIN orders o ON o.id = t.order_id
		     WHERE t.reservation_id = r.id AND o.payment_status IN ('capturing', 'paid')
		   )
		 ORDER BY r.expires_at LIMIT {:limit}`,
		dbx.Params{"now": dt(now), "limit": limit}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// CountHeld sums held quantities per ticket type of an event.
func (s *Store) CountHeld(ctx context.Context, eventID, ticketType string) (int, error) {
	var row struct {
		Held int `db:"held"`
	}
	err := s.one(ctx,
		`SELECT COALESCE(SUM(quantity), 0) AS held FROM reservations
		 WHERE event_id = {:event} AND ticket_type = {:type} AND status = 'held'`,
		dbx.Params{"event": eventID, "type": ticketType}, &row)
	return row.Held, err
}
