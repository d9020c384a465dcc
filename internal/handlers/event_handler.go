package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type Inventory interface {
	RegisterEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	UpdateTicketTypeAvailability(ctx context.Context, eventID, ticketType string, delta int) error
}

type EventHandler struct {
	inventory Inventory
	logger    *slog.Logger
}

func NewEventHandler(inventory Inventory, logger *slog.Logger) *EventHandler {
	return &EventHandler{inventory: inventory, logger: logger}
}

// RegisterEvent - create an event owned by the caller
func (h *EventHandler) RegisterEvent(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var event models.Event
	if err := e.BindBody(&event); err != nil {
		return respondError(e, h.logger, status.Validation("invalid request body"))
	}
	event.OrganizerID = e.Auth.Id

	if err := h.inventory.RegisterEvent(e.Request.Context(), &event); err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusCreated, event)
}

func (h *EventHandler) GetEvent(e *core.RequestEvent) error {
	event, err := h.inventory.GetEvent(e.Request.Context(), e.Request.PathValue("eventId"))
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, event)
}

// UpdateAvailability - adjust availability of one ticket type by a signed delta
func (h *EventHandler) UpdateAvailability(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Delta int `json:"delta"`
	}
	if err := e.BindBody(&req); err != nil {
		return respondError(e, h.logger, status.Validation("invalid request body"))
	}

	ctx := e.Request.Context()
	eventID := e.Request.PathValue("eventId")
	ticketType := e.Request.PathValue("type")

	event, err := h.inventory.GetEvent(ctx, eventID)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	if event.OrganizerID != e.Auth.Id && !isAdmin(e) {
		return respondError(e, h.logger, status.Forbidden("event belongs to another organizer"))
	}

	if err := h.inventory.UpdateTicketTypeAvailability(ctx, eventID, ticketType, req.Delta); err != nil {
		return respondError(e, h.logger, err)
	}

	event, err = h.inventory.GetEvent(ctx, eventID)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	tt, _ := event.TicketType(ticketType)
	return e.JSON(http.StatusOK, tt)
}
