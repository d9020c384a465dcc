package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"ticket-marketplace/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

const maxWebhookBody = 1 << 20

type PaymentHandler struct {
	settlement Settlement
	logger     *slog.Logger
}

func NewPaymentHandler(settlement Settlement, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{settlement: settlement, logger: logger}
}

// Capture - buyer came back from the approval page
func (h *PaymentHandler) Capture(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	res, err := h.settlement.Capture(e.Request.Context(), e.Request.PathValue("externalId"), e.Auth.Id)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, res)
}

// Webhook - signed provider notification. Only a verified body is acted on.
func (h *PaymentHandler) Webhook(e *core.RequestEvent) error {
	body, err := io.ReadAll(io.LimitReader(e.Request.Body, maxWebhookBody))
	if err != nil {
		return respondError(e, h.logger, status.Validation("unreadable body"))
	}

	headers := make(map[string]string, len(e.Request.Header))
	for k := range e.Request.Header {
		headers[k] = e.Request.Header.Get(k)
	}

	ev, err := h.settlement.HandleWebhook(e.Request.Context(), headers, body)
	if err != nil {
		h.logger.Warn("Webhook rejected", "error", err)
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"id": ev.ID, "action": ev.Action})
}
