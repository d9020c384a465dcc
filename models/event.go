package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	OrganizerID string       `json:"organizer_id"`
	Venue       string       `json:"venue"`
	StartTime   time.Time    `json:"start_time"`
	Status      string       `json:"status"` // draft, published, ended
	TicketTypes []TicketType `json:"ticket_types"`
	CreatedAt   time.Time    `json:"created_at"`
}

// TicketType is owned by its Event. Capacity minus Availability is the
// number of tickets ever sold for the type.
type TicketType struct {
	EventID      string          `json:"event_id"`
	Type         string          `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Capacity     int             `json:"capacity"`
	Availability int             `json:"availability"`
}

func (t TicketType) Sold() int {
	return t.Capacity - t.Availability
}

// TicketType returns the ticket type with the given name, if the event has one.
func (e *Event) TicketType(name string) (TicketType, bool) {
	for _, tt := range e.TicketTypes {
		if tt.Type == name {
			return tt, true
		}
	}
	return TicketType{}, false
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a soft hold against a ticket type. It does not touch
// availability until it is committed.
type Reservation struct {
	ID         string            `json:"id"`
	EventID    string            `json:"event_id"`
	TicketType string            `json:"ticket_type"`
	Quantity   int               `json:"quantity"`
	Status     ReservationStatus `json:"status"`
	ExpiresAt  time.Time         `json:"expires_at"`
	CreatedAt  time.Time         `json:"created_at"`
}
