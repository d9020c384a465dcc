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
)

type AdminHandler struct {
	refunds Refunds
	logger  *slog.Logger
}

func NewAdminHandler(refunds Refunds, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{refunds: refunds, logger: logger}
}

// ListRefunds - refund requests, optionally filtered by ?status=
func (h *AdminHandler) ListRefunds(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	if !isAdmin(e) {
		return respondError(e, h.logger, status.ErrReviewerNotAdmin)
	}

	st := models.RefundStatus(e.Request.URL.Query().Get("status"))
	list, err := h.refunds.List(e.Request.Context(), st)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"refunds": list, "count": len(list)})
}

func (h *AdminHandler) ApproveRefund(e *core.RequestEvent) error {
	return h.review(e, h.refunds.Approve)
}

func (h *AdminHandler) RejectRefund(e *core.RequestEvent) error {
	return h.review(e, h.refunds.Reject)
}

type reviewFunc func(ctx context.Context, refundID string, reviewer services.Reviewer, note string) (*models.RefundRequest, error)

// the refund service decides whether the reviewer may act
func (h *AdminHandler) review(e *core.RequestEvent, decide reviewFunc) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Note string `json:"note"`
	}
	if e.Request.ContentLength != 0 {
		if err := e.BindBody(&req); err != nil {
			return respondError(e, h.logger, status.Validation("invalid request body"))
		}
	}

	reviewer := services.Reviewer{ID: e.Auth.Id, Admin: isAdmin(e)}
	r, err := decide(e.Request.Context(), e.Request.PathValue("id"), reviewer, req.Note)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, r)
}
