package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"ticket-marketplace/internal/services"
	"ticket-marketplace/internal/services/bank"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type Settlement interface {
	Checkout(ctx context.Context, req services.CreateOrderRequest) (*services.CheckoutResult, error)
	InitiatePayment(ctx context.Context, orderID, userID string) (*bank.PaymentSession, error)
	Capture(ctx context.Context, externalID, userID string) (*services.CaptureResult, error)
	Cancel(ctx context.Context, orderID, userID string) error
	Snapshot(ctx context.Context, orderID, userID string) (*services.OrderSnapshot, error)
	HandleWebhook(ctx context.Context, headers map[string]string, body []byte) (*bank.WebhookEvent, error)
}

type Refunds interface {
	Request(ctx context.Context, orderID, userID, reason string) (*models.RefundRequest, error)
	Approve(ctx context.Context, refundID string, reviewer services.Reviewer, note string) (*models.RefundRequest, error)
	Reject(ctx context.Context, refundID string, reviewer services.Reviewer, note string) (*models.RefundRequest, error)
	List(ctx context.Context, st models.RefundStatus) ([]*models.RefundRequest, error)
}

type OrderHandler struct {
	settlement Settlement
	refunds    Refunds
	logger     *slog.Logger
}

func NewOrderHandler(settlement Settlement, refunds Refunds, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{settlement: settlement, refunds: refunds, logger: logger}
}

// Checkout - create the order and open its payment
func (h *OrderHandler) Checkout(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req services.CreateOrderRequest
	if err := e.BindBody(&req); err != nil {
		return respondError(e, h.logger, status.Validation("invalid request body"))
	}
	req.UserID = e.Auth.Id
	if key := e.Request.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	res, err := h.settlement.Checkout(e.Request.Context(), req)
	if err != nil {
		body := errorBody{}
		if res != nil && res.Order != nil {
			// the order exists; the client can retry the payment step
			body.OrderID = res.Order.ID
		}
		return respondErrorWith(e, h.logger, err, body)
	}
	return e.JSON(http.StatusCreated, res)
}

// GetOrder - order snapshot with payment and refund request
func (h *OrderHandler) GetOrder(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	snap, err := h.settlement.Snapshot(e.Request.Context(), e.Request.PathValue("orderId"), e.Auth.Id)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, snap)
}

func (h *OrderHandler) Pay(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	session, err := h.settlement.InitiatePayment(e.Request.Context(), e.Request.PathValue("orderId"), e.Auth.Id)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"external_id":  session.ExternalID,
		"status":       session.Status,
		"approval_url": session.ApprovalURL(),
	})
}

func (h *OrderHandler) Cancel(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	orderID := e.Request.PathValue("orderId")
	if err := h.settlement.Cancel(e.Request.Context(), orderID, e.Auth.Id); err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"order_id": orderID, "status": models.OrderCancelled})
}

// RequestRefund - ask for a refund of a paid order
func (h *OrderHandler) RequestRefund(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return respondError(e, h.logger, status.Validation("invalid request body"))
	}

	r, err := h.refunds.Request(e.Request.Context(), e.Request.PathValue("orderId"), e.Auth.Id, req.Reason)
	if err != nil {
		return respondError(e, h.logger, err)
	}
	return e.JSON(http.StatusCreated, r)
}
