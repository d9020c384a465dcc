package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticket-marketplace/internal/status"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"
	"ticket-marketplace/monitoring"

	"github.com/google/uuid"
)

const expireBatchSize = 100

// InventoryService is the ledger of ticket type counters. Reservations are
// soft holds: availability only moves on Commit, Increase and
// UpdateTicketTypeAvailability, each a single conditional update.
type InventoryService struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewInventoryService(st *store.Store, reservationTTL time.Duration, logger *slog.Logger) *InventoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InventoryService{store: st, ttl: reservationTTL, logger: logger, now: time.Now}
}

// Tx returns a copy of the service bound to an open transaction.
func (s *InventoryService) Tx(tx *store.Store) *InventoryService {
	c := *s
	c.store = tx
	return &c
}

// RegisterEvent stores an event and its ticket types, all fully available.
func (s *InventoryService) RegisterEvent(ctx context.Context, e *models.Event) error {
	if e.Name == "" {
		return status.Validation("event name is required")
	}
	if e.OrganizerID == "" {
		return status.Validation("organizer is required")
	}
	if len(e.TicketTypes) == 0 {
		return status.Validation("at least one ticket type is required")
	}

	seen := make(map[string]bool, len(e.TicketTypes))
	for i := range e.TicketTypes {
		tt := &e.TicketTypes[i]
		switch {
		case tt.Type == "":
			return status.Validation("ticket type name is required")
		case seen[tt.Type]:
			return status.Validation(fmt.Sprintf("ticket type %q is listed twice", tt.Type))
		case tt.Price.IsNegative():
			return status.Validation(fmt.Sprintf("ticket type %q has a negative price", tt.Type))
		case tt.Capacity < 0:
			return status.Validation(fmt.Sprintf("ticket type %q has a negative capacity", tt.Type))
		}
		seen[tt.Type] = true
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "published"
	}
	e.CreatedAt = s.now()
	for i := range e.TicketTypes {
		e.TicketTypes[i].EventID = e.ID
		e.TicketTypes[i].Availability = e.TicketTypes[i].Capacity
	}

	if err := s.store.InsertEvent(ctx, e); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return status.Conflict("event already exists")
		}
		return status.Internal(fmt.Errorf("RegisterEvent: %w", err))
	}

	s.logger.Info("Event registered", "event_id", e.ID, "ticket_types", len(e.TicketTypes))
	return nil
}

func (s *InventoryService) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	e, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.NotFound("event not found")
		}
		return nil, status.Internal(fmt.Errorf("GetEvent: %w", err))
	}
	return e, nil
}

func (s *InventoryService) ticketType(ctx context.Context, eventID, ticketType string) (*models.TicketType, error) {
	tt, err := s.store.GetTicketType(ctx, eventID, ticketType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.NotFound(fmt.Sprintf("ticket type %q not found for event", ticketType))
		}
		return nil, status.Internal(fmt.Errorf("ticketType: %w", err))
	}
	return tt, nil
}

// Reserve places a hold of qty tickets. The request is checked against live
// availability minus the quantities other reservations already hold.
func (s *InventoryService) Reserve(ctx context.Context, eventID, ticketType string, qty int) (*models.Reservation, error) {
	if qty <= 0 {
		return nil, status.Validation("quantity must be positive")
	}

	now := s.now()
	r := &models.Reservation{
		ID:         uuid.NewString(),
		EventID:    eventID,
		TicketType: ticketType,
		Quantity:   qty,
		Status:     models.ReservationHeld,
		CreatedAt:  now,
	}
	if s.ttl > 0 {
		r.ExpiresAt = now.Add(s.ttl)
	}

	err := s.store.RunInTx(ctx, func(tx *store.Store) error {
		tt, err := s.Tx(tx).ticketType(ctx, eventID, ticketType)
		if err != nil {
			return err
		}
		held, err := tx.CountHeld(ctx, eventID, ticketType)
		if err != nil {
			return status.Internal(fmt.Errorf("Reserve: count held: %w", err))
		}
		if qty > tt.Availability-held {
			return status.ErrOutOfStock.With(
				fmt.Sprintf("only %d %s tickets left", max(tt.Availability-held, 0), ticketType), nil)
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return status.Internal(fmt.Errorf("Reserve: insert: %w", err))
		}
		return nil
	})
	if err != nil {
		monitoring.TrackReservation("reserve", string(status.KindOf(err)))
		return nil, err
	}

	monitoring.TrackReservation("reserve", "ok")
	return r, nil
}

// Release drops a hold. Releasing twice is a no-op; a committed reservation
// cannot be released.
func (s *InventoryService) Release(ctx context.Context, reservationID string) error {
	err := s.store.TransitionReservation(ctx, reservationID, models.ReservationHeld, models.ReservationReleased, s.now())
	if err == nil {
		monitoring.TrackReservation("release", "ok")
		return nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return status.Internal(fmt.Errorf("Release: %w", err))
	}

	r, err := s.reservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r.Status == models.ReservationReleased {
		return nil
	}
	return status.ErrReservationClosed.With("reservation is already committed", nil)
}

// Commit turns a hold into sold tickets. The status change and the
// conditional decrement share one transaction, so a failed decrement leaves
// the reservation held.
func (s *InventoryService) Commit(ctx context.Context, reservationID string) error {
	err := s.store.RunInTx(ctx, func(tx *store.Store) error {
		r, err := s.Tx(tx).reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		switch r.Status {
		case models.ReservationCommitted:
			return nil
		case models.ReservationReleased:
			return status.ErrReservationClosed
		}

		if err := tx.TransitionReservation(ctx, r.ID, models.ReservationHeld, models.ReservationCommitted, s.now()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return status.ErrReservationClosed
			}
			return status.Internal(fmt.Errorf("Commit: transition: %w", err))
		}
		if err := tx.DecrementAvailability(ctx, r.EventID, r.TicketType, r.Quantity); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return status.ErrInventoryConflict.With(
					fmt.Sprintf("fewer than %d %s tickets remain", r.Quantity, r.TicketType), nil)
			}
			return status.Internal(fmt.Errorf("Commit: decrement: %w", err))
		}
		return nil
	})
	if err != nil {
		monitoring.TrackReservation("commit", string(status.KindOf(err)))
		return err
	}
	monitoring.TrackReservation("commit", "ok")
	return nil
}

func (s *InventoryService) reservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.NotFound("reservation not found")
		}
		return nil, status.Internal(fmt.Errorf("reservation: %w", err))
	}
	return r, nil
}

// Increase restocks qty tickets without letting availability exceed capacity.
func (s *InventoryService) Increase(ctx context.Context, eventID, ticketType string, qty int) error {
	if qty <= 0 {
		return status.Validation("quantity must be positive")
	}
	if err := s.store.IncrementAvailability(ctx, eventID, ticketType, qty); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return status.Internal(fmt.Errorf("Increase: %w", err))
		}
		if _, err := s.ticketType(ctx, eventID, ticketType); err != nil {
			return err
		}
		return status.Conflict("restock would exceed capacity")
	}
	return nil
}

// Restock puts back up to qty tickets, capped at capacity, and reports how
// many went back. Availability may already have been raised by the event
// side, so a full counter is not an error here.
func (s *InventoryService) Restock(ctx context.Context, eventID, ticketType string, qty int) (int, error) {
	if qty <= 0 {
		return 0, status.Validation("quantity must be positive")
	}
	tt, err := s.ticketType(ctx, eventID, ticketType)
	if err != nil {
		return 0, err
	}
	n := min(qty, tt.Capacity-tt.Availability)
	if n <= 0 {
		return 0, nil
	}
	if err := s.store.IncrementAvailability(ctx, eventID, ticketType, n); err != nil {
		return 0, status.Internal(fmt.Errorf("Restock: %w", err))
	}
	return n, nil
}

// UpdateTicketTypeAvailability adjusts availability by delta for the event
// management side. Both directions are bounded by [0, capacity].
func (s *InventoryService) UpdateTicketTypeAvailability(ctx context.Context, eventID, ticketType string, delta int) error {
	switch {
	case delta > 0:
		return s.Increase(ctx, eventID, ticketType, delta)
	case delta == 0:
		return status.Validation("delta must not be zero")
	}

	if err := s.store.DecrementAvailability(ctx, eventID, ticketType, -delta); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return status.Internal(fmt.Errorf("UpdateTicketTypeAvailability: %w", err))
		}
		if _, err := s.ticketType(ctx, eventID, ticketType); err != nil {
			return err
		}
		return status.ErrOutOfStock
	}
	return nil
}

// SetCapacity resizes a ticket type. Once any ticket is sold the capacity is fixed.
func (s *InventoryService) SetCapacity(ctx context.Context, eventID, ticketType string, capacity int) error {
	if capacity < 0 {
		return status.Validation("capacity must not be negative")
	}
	if err := s.store.SetCapacity(ctx, eventID, ticketType, capacity); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return status.Internal(fmt.Errorf("SetCapacity: %w", err))
		}
		if _, err := s.ticketType(ctx, eventID, ticketType); err != nil {
			return err
		}
		return status.Conflict("capacity cannot change after tickets were sold")
	}
	return nil
}

// ExpireReservations releases holds past their expiry and returns how many
// were released. Holds of orders being captured are left alone.
func (s *InventoryService) ExpireReservations(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredReservations(ctx, s.now(), expireBatchSize)
	if err != nil {
		return 0, status.Internal(fmt.Errorf("ExpireReservations: %w", err))
	}

	released := 0
	for _, r := range expired {
		if err := s.Release(ctx, r.ID); err != nil {
			s.logger.Warn("Failed to release expired reservation", "error", err, "reservation_id", r.ID)
			continue
		}
		released++
	}
	if released > 0 {
		s.logger.Info("Expired reservations released", "count", released)
	}
	return released, nil
}
