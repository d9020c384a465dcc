package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"ticket-marketplace/internal/services"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"
)

type Discounts interface {
	ValidateCart(ctx context.Context, code, eventID string, lines []services.CartLine) (*services.DiscountQuote, error)
	ListForOrganizer(ctx context.Context, organizerID string) ([]*models.Discount, error)
	Create(ctx context.Context, organizerID string, in services.DiscountInput) (*models.Discount, error)
	Update(ctx context.Context, organizerID, id string, in services.DiscountInput) (*models.Discount, error)
	Delete(ctx context.Context, organizerID, id string) error
}

type DiscountHandler struct {
	discounts Discounts
	inventory Inventory
	logger    *slog.Logger
}

func NewDiscountHandler(discounts Discounts, inventory Inventory, logger *slog.Logger) *DiscountHandler {
	return &DiscountHandler{discounts: discounts, inventory: inventory, logger: logger}
}

type validateRequest struct {
	Code    string               `json:"code"`
	EventID string               `json:"event_id"`
	Tickets []services.OrderLine `json:"tickets"`
}

// Validate - quote a code against a cart without consuming it
func (h *DiscountHandler) Validate(e *core.RequestEvent) error {
	var req validateRequest
	if err := e.BindBody(&req); err != nil {
		return respondError(e, h.logger, status.Validation("invalid request body"))
	}
	if len(req.Tickets) == 0 {
		return respondError(e, h.logger, status.Validation("cart is empty"))
	}

	ctx := e.Request.Context()
	event, err := h.inventory.GetEvent(ctx, req.EventID)
	if err != nil {
		return respondError(e, h.logger, err)
	}

	lines := make([]services.CartLine, 0, len(req.Tickets))
	for _, t := range req.Tickets {
		tt, ok := event.TicketType(t.TicketType)
		if !ok {
			return respondError(e, h.logger, status.NotFound("unknown ticket type "+t.TicketType))
		}
		if t.Quantity <= 0 {
			return respondError(e, h.logger, status.Validation("quantity must be positive"))
		}
		lines = append(lines, services.CartLine{
			TicketType: t.TicketType,
			Quantity:   t.Quantity,
			Amount:     tt.Price.Mul(decimal.NewFromInt(int64(t.Quantity))),
		})
	}

	quote, err := h.discounts.ValidateCart(ctx, req.Code, req.EventID, lines)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, quote)
}

func (h *DiscountHandler) List(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	list, err := h.discounts.ListForOrganizer(e.Request.Context(), e.Auth.Id)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"discounts": list})
}

func (h *DiscountHandler) Create(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var in services.DiscountInput
	if err := e.BindBody(&in); err != nil {
		return respondError(e, h.logger, status.Validation("invalid request body"))
	}

	d, err := h.discounts.Create(e.Request.Context(), e.Auth.Id, in)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusCreated, d)
}

func (h *DiscountHandler) Update(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var in services.DiscountInput
	if err := e.BindBody(&in); err != nil {
		return respondError(e, h.logger, status.Validation("invalid request body"))
	}

	d, err := h.discounts.Update(e.Request.Context(), e.Auth.Id, e.Request.PathValue("id"), in)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, d)
}

func (h *DiscountHandler) Delete(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	if err := h.discounts.Delete(e.Request.Context(), e.Auth.Id, e.Request.PathValue("id")); err != nil {
		return respondError(e, h.logger, err)
	}
	return e.NoContent(http.StatusNoContent)
}
