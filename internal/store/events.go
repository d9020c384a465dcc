package store

import (
	"context"
	"fmt"

	"ticket-marketplace/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type eventRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	OrganizerID string         `db:"organizer_id"`
	Venue       string         `db:"venue"`
	Status      string         `db:"status"`
	StartAt     types.DateTime `db:"start_at"`
	Created     types.DateTime `db:"created"`
}

type ticketTypeRow struct {
	EventID      string          `db:"event_id"`
	Type         string          `db:"type"`
	Price        decimal.Decimal `db:"price"`
	Capacity     int             `db:"capacity"`
	Availability int             `db:"availability"`
}

func (r ticketTypeRow) model() models.TicketType {
	return models.TicketType{
		EventID:      r.EventID,
		Type:         r.Type,
		Price:        r.Price,
		Capacity:     r.Capacity,
		Availability: r.Availability,
	}
}

// InsertEvent stores the event and its ticket types. New ticket types start
// fully available.
func (s *Store) InsertEvent(ctx context.Context, e *models.Event) error {
	return s.RunInTx(ctx, func(tx *Store) error {
		err := tx.insert(ctx, "events", dbx.Params{
			"id":           e.ID,
			"name":         e.Name,
			"organizer_id": e.OrganizerID,
			"venue":        e.Venue,
			"status":       e.Status,
			"start_at":     dt(e.StartTime),
			"created":      dt(e.CreatedAt),
		})
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		for _, tt := range e.TicketTypes {
			err := tx.insert(ctx, "ticket_types", dbx.Params{
				"event_id":     e.ID,
				"type":         tt.Type,
				"price":        tt.Price,
				"capacity":     tt.Capacity,
				"availability": tt.Capacity,
			})
			if err != nil {
				return fmt.Errorf("insert ticket type %s: %w", tt.Type, err)
			}
		}
		return nil
	})
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var row eventRow
	if err := s.one(ctx, `SELECT * FROM events WHERE id = {:id}`, dbx.Params{"id": id}, &row); err != nil {
		return nil, err
	}

	var tts []ticketTypeRow
	err := s.all(ctx,
		`SELECT * FROM ticket_types WHERE event_id = {:id} ORDER BY rowid`,
		dbx.Params{"id": id}, &tts)
	if err != nil {
		return nil, err
	}

	e := &models.Event{
		ID:          row.ID,
		Name:        row.Name,
		OrganizerID: row.OrganizerID,
		Venue:       row.Venue,
		Status:      row.Status,
		StartTime:   row.StartAt.Time(),
		CreatedAt:   row.Created.Time(),
	}
	for _, tt := range tts {
		e.TicketTypes = append(e.TicketTypes, tt.model())
	}
	return e, nil
}

func (s *Store) GetTicketType(ctx context.Context, eventID, ticketType string) (*models.TicketType, error) {
	var row ticketTypeRow
	err := s.one(ctx,
		`SELECT * FROM ticket_types WHERE event_id = {:event} AND type = {:type}`,
		dbx.Params{"event": eventID, "type": ticketType}, &row)
	if err != nil {
		return nil, err
	}
	tt := row.model()
	return &tt, nil
}

func (s *Store) ListTicketTypes(ctx context.Context) ([]models.TicketType, error) {
	var rows []ticketTypeRow
	if err := s.all(ctx, `SELECT * FROM ticket_types ORDER BY event_id, rowid`, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]models.TicketType, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// DecrementAvailability takes qty tickets only if that many are available.
func (s *Store) DecrementAvailability(ctx context.Context, eventID, ticketType string, qty int) error {
	return s.execOne(ctx,
		`UPDATE ticket_types SET availability = availability - {:qty}
		 WHERE event_id = {:event} AND type = {:type} AND availability >= {:qty}`,
		dbx.Params{"event": eventID, "type": ticketType, "qty": qty})
}

// IncrementAvailability returns qty tickets without exceeding capacity.
func (s *Store) IncrementAvailability(ctx context.Context, eventID, ticketType string, qty int) error {
	return s.execOne(ctx,
		`UPDATE ticket_types SET availability = availability + {:qty}
		 WHERE event_id = {:event} AND type = {:type} AND availability + {:qty} <= capacity`,
		dbx.Params{"event": eventID, "type": ticketType, "qty": qty})
}

// SetCapacity changes capacity while nothing has been sold.
func (s *Store) SetCapacity(ctx context.Context, eventID, ticketType string, capacity int) error {
	return s.execOne(ctx,
		`UPDATE ticket_types SET capacity = {:capacity}, availability = {:capacity}
		 WHERE event_id = {:event} AND type = {:type} AND availability = capacity`,
		dbx.Params{"event": eventID, "type": ticketType, "capacity": capacity})
}
