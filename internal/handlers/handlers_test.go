package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"ticket-marketplace/internal/services"
	"ticket-marketplace/internal/services/bank"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSettlement struct{ mock.Mock }

func (m *mockSettlement) Checkout(ctx context.Context, req services.CreateOrderRequest) (*services.CheckoutResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*services.CheckoutResult)
	return res, args.Error(1)
}

func (m *mockSettlement) InitiatePayment(ctx context.Context, orderID, userID string) (*bank.PaymentSession, error) {
	args := m.Called(ctx, orderID, userID)
	s, _ := args.Get(0).(*bank.PaymentSession)
	return s, args.Error(1)
}

func (m *mockSettlement) Capture(ctx context.Context, externalID, userID string) (*services.CaptureResult, error) {
	args := m.Called(ctx, externalID, userID)
	res, _ := args.Get(0).(*services.CaptureResult)
	return res, args.Error(1)
}

func (m *mockSettlement) Cancel(ctx context.Context, orderID, userID string) error {
	return m.Called(ctx, orderID, userID).Error(0)
}

func (m *mockSettlement) Snapshot(ctx context.Context, orderID, userID string) (*services.OrderSnapshot, error) {
	args := m.Called(ctx, orderID, userID)
	s, _ := args.Get(0).(*services.OrderSnapshot)
	return s, args.Error(1)
}

func (m *mockSettlement) HandleWebhook(ctx context.Context, headers map[string]string, body []byte) (*bank.WebhookEvent, error) {
	args := m.Called(ctx, headers, body)
	ev, _ := args.Get(0).(*bank.WebhookEvent)
	return ev, args.Error(1)
}

type mockRefunds struct{ mock.Mock }

func (m *mockRefunds) Request(ctx context.Context, orderID, userID, reason string) (*models.RefundRequest, error) {
	args := m.Called(ctx, orderID, userID, reason)
	r, _ := args.Get(0).(*models.RefundRequest)
	return r, args.Error(1)
}

func (m *mockRefunds) Approve(ctx context.Context, refundID string, reviewer services.Reviewer, note string) (*models.RefundRequest, error) {
	args := m.Called(ctx, refundID, reviewer, note)
	r, _ := args.Get(0).(*models.RefundRequest)
	return r, args.Error(1)
}

func (m *mockRefunds) Reject(ctx context.Context, refundID string, reviewer services.Reviewer, note string) (*models.RefundRequest, error) {
	args := m.Called(ctx, refundID, reviewer, note)
	r, _ := args.Get(0).(*models.RefundRequest)
	return r, args.Error(1)
}

func (m *mockRefunds) List(ctx context.Context, st models.RefundStatus) ([]*models.RefundRequest, error) {
	args := m.Called(ctx, st)
	list, _ := args.Get(0).([]*models.RefundRequest)
	return list, args.Error(1)
}

type mockInventory struct{ mock.Mock }

func (m *mockInventory) RegisterEvent(ctx context.Context, e *models.Event) error {
	return m.Called(ctx, e).Error(0)
}

func (m *mockInventory) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	args := m.Called(ctx, eventID)
	e, _ := args.Get(0).(*models.Event)
	return e, args.Error(1)
}

func (m *mockInventory) UpdateTicketTypeAvailability(ctx context.Context, eventID, ticketType string, delta int) error {
	return m.Called(ctx, eventID, ticketType, delta).Error(0)
}

type mockDiscounts struct{ mock.Mock }

func (m *mockDiscounts) ValidateCart(ctx context.Context, code, eventID string, lines []services.CartLine) (*services.DiscountQuote, error) {
	args := m.Called(ctx, code, eventID, lines)
	q, _ := args.Get(0).(*services.DiscountQuote)
	return q, args.Error(1)
}

func (m *mockDiscounts) ListForOrganizer(ctx context.Context, organizerID string) ([]*models.Discount, error) {
	args := m.Called(ctx, organizerID)
	list, _ := args.Get(0).([]*models.Discount)
	return list, args.Error(1)
}

func (m *mockDiscounts) Create(ctx context.Context, organizerID string, in services.DiscountInput) (*models.Discount, error) {
	args := m.Called(ctx, organizerID, in)
	d, _ := args.Get(0).(*models.Discount)
	return d, args.Error(1)
}

func (m *mockDiscounts) Update(ctx context.Context, organizerID, id string, in services.DiscountInput) (*models.Discount, error) {
	args := m.Called(ctx, organizerID, id, in)
	d, _ := args.Get(0).(*models.Discount)
	return d, args.Error(1)
}

func (m *mockDiscounts) Delete(ctx context.Context, organizerID, id string) error {
	return m.Called(ctx, organizerID, id).Error(0)
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func authRecord(collection, id string) *core.Record {
	rec := core.NewRecord(core.NewAuthCollection(collection))
	rec.Id = id
	return rec
}

func newEvent(t *testing.T, method, target string, body any, auth *core.Record) (*core.RequestEvent, *httptest.ResponseRecorder) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()

	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	e.Auth = auth
	return e, rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCheckout_RequiresAuth(t *testing.T) {
	h := NewOrderHandler(&mockSettlement{}, &mockRefunds{}, testLogger)
	e, _ := newEvent(t, http.MethodPost, "/api/v1/orders", map[string]any{}, nil)

	err := h.Checkout(e)

	var apiErr *router.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestCheckout_UsesCallerAndIdempotencyHeader(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewOrderHandler(settlement, &mockRefunds{}, testLogger)

	body := map[string]any{
		"event_id": "evt-1",
		"tickets":  []map[string]any{{"ticket_type": "GA", "quantity": 2}},
		"user_id":  "someone-else",
	}
	e, rec := newEvent(t, http.MethodPost, "/api/v1/orders", body, authRecord("users", "user-1"))
	e.Request.Header.Set("Idempotency-Key", "key-1")

	settlement.On("Checkout", mock.Anything, mock.MatchedBy(func(req services.CreateOrderRequest) bool {
		return req.UserID == "user-1" && req.IdempotencyKey == "key-1" && req.EventID == "evt-1" &&
			len(req.Tickets) == 1 && req.Tickets[0].Quantity == 2
	})).Return(&services.CheckoutResult{
		Order: &models.Order{ID: "ord-1", UserID: "user-1"},
	}, nil)

	require.NoError(t, h.Checkout(e))
	assert.Equal(t, http.StatusCreated, rec.Code)
	settlement.AssertExpectations(t)
}

func TestCheckout_GatewayFailureKeepsOrderID(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewOrderHandler(settlement, &mockRefunds{}, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/orders", map[string]any{"event_id": "evt-1"}, authRecord("users", "user-1"))

	settlement.On("Checkout", mock.Anything, mock.Anything).Return(&services.CheckoutResult{
		Order: &models.Order{ID: "ord-9"},
	}, status.ErrGatewayUnavailable)

	require.NoError(t, h.Checkout(e))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	out := decodeBody(t, rec)
	assert.Equal(t, "ord-9", out["order_id"])
	assert.Equal(t, true, out["retryable"])
	assert.Equal(t, status.ReasonOf(status.ErrGatewayUnavailable), out["error"])
}

func TestErrorBody_HidesInternalDetail(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewOrderHandler(settlement, &mockRefunds{}, testLogger)
	e, rec := newEvent(t, http.MethodGet, "/api/v1/orders/ord-1", nil, authRecord("users", "user-1"))
	e.Request.SetPathValue("orderId", "ord-1")

	settlement.On("Snapshot", mock.Anything, "ord-1", "user-1").
		Return(nil, status.Internal(assert.AnError))

	require.NoError(t, h.GetOrder(e))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	assert.Equal(t, false, decodeBody(t, rec)["retryable"])
}

func TestGetOrder_NotOwner(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewOrderHandler(settlement, &mockRefunds{}, testLogger)
	e, rec := newEvent(t, http.MethodGet, "/api/v1/orders/ord-1", nil, authRecord("users", "user-2"))
	e.Request.SetPathValue("orderId", "ord-1")

	settlement.On("Snapshot", mock.Anything, "ord-1", "user-2").Return(nil, status.ErrNotOrderOwner)

	require.NoError(t, h.GetOrder(e))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPay_ReturnsApprovalURL(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewOrderHandler(settlement, &mockRefunds{}, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/orders/ord-1/pay", nil, authRecord("users", "user-1"))
	e.Request.SetPathValue("orderId", "ord-1")

	settlement.On("InitiatePayment", mock.Anything, "ord-1", "user-1").Return(&bank.PaymentSession{
		ExternalID:    "PP-1",
		Status:        "CREATED",
		ApprovalLinks: []bank.Link{{Href: "https://paypal.test/approve", Rel: "approve"}},
	}, nil)

	require.NoError(t, h.Pay(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "PP-1", out["external_id"])
	assert.Equal(t, "https://paypal.test/approve", out["approval_url"])
}

func TestCancel_NotCancellable(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewOrderHandler(settlement, &mockRefunds{}, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/orders/ord-1/cancel", nil, authRecord("users", "user-1"))
	e.Request.SetPathValue("orderId", "ord-1")

	settlement.On("Cancel", mock.Anything, "ord-1", "user-1").Return(status.ErrNotCancellable)

	require.NoError(t, h.Cancel(e))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequestRefund(t *testing.T) {
	refunds := &mockRefunds{}
	h := NewOrderHandler(&mockSettlement{}, refunds, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/orders/ord-1/refund", map[string]any{"reason": "cannot attend"}, authRecord("users", "user-1"))
	e.Request.SetPathValue("orderId", "ord-1")

	refunds.On("Request", mock.Anything, "ord-1", "user-1", "cannot attend").Return(&models.RefundRequest{
		ID: "ref-1", OrderID: "ord-1", Status: models.RefundPending,
	}, nil)

	require.NoError(t, h.RequestRefund(e))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ref-1", decodeBody(t, rec)["id"])
}

func TestCapture_Declined(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewPaymentHandler(settlement, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/payments/PP-1/capture", nil, authRecord("users", "user-1"))
	e.Request.SetPathValue("externalId", "PP-1")

	settlement.On("Capture", mock.Anything, "PP-1", "user-1").Return(nil, status.ErrPaymentDeclined)

	require.NoError(t, h.Capture(e))
	assert.Equal(t, status.HTTPStatus(status.ErrPaymentDeclined), rec.Code)
	assert.Equal(t, status.ReasonOf(status.ErrPaymentDeclined), decodeBody(t, rec)["error"])
}

func TestWebhook_PassesHeadersAndBody(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewPaymentHandler(settlement, testLogger)

	payload := map[string]any{"id": "WH-1", "event_type": "CHECKOUT.ORDER.APPROVED"}
	e, rec := newEvent(t, http.MethodPost, "/api/v1/payments/webhook", payload, nil)
	e.Request.Header.Set("Paypal-Transmission-Id", "tx-1")

	settlement.On("HandleWebhook", mock.Anything, mock.MatchedBy(func(h map[string]string) bool {
		return h["Paypal-Transmission-Id"] == "tx-1"
	}), mock.MatchedBy(func(body []byte) bool {
		return bytes.Contains(body, []byte("WH-1"))
	})).Return(&bank.WebhookEvent{ID: "WH-1", Action: bank.WebhookApproved}, nil)

	require.NoError(t, h.Webhook(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", decodeBody(t, rec)["action"])
}

func TestWebhook_BadSignature(t *testing.T) {
	settlement := &mockSettlement{}
	h := NewPaymentHandler(settlement, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/payments/webhook", map[string]any{"id": "WH-2"}, nil)

	settlement.On("HandleWebhook", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, status.ErrGatewayValidation.With("webhook signature rejected", nil))

	require.NoError(t, h.Webhook(e))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestUpdateAvailability_OnlyOrganizer(t *testing.T) {
	inventory := &mockInventory{}
	h := NewEventHandler(inventory, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/events/evt-1/ticket-types/GA/availability", map[string]any{"delta": 5}, authRecord("users", "intruder"))
	e.Request.SetPathValue("eventId", "evt-1")
	e.Request.SetPathValue("type", "GA")

	inventory.On("GetEvent", mock.Anything, "evt-1").Return(&models.Event{ID: "evt-1", OrganizerID: "org-1"}, nil)

	require.NoError(t, h.UpdateAvailability(e))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	inventory.AssertNotCalled(t, "UpdateTicketTypeAvailability", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateAvailability(t *testing.T) {
	inventory := &mockInventory{}
	h := NewEventHandler(inventory, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/events/evt-1/ticket-types/GA/availability", map[string]any{"delta": -3}, authRecord("users", "org-1"))
	e.Request.SetPathValue("eventId", "evt-1")
	e.Request.SetPathValue("type", "GA")

	inventory.On("GetEvent", mock.Anything, "evt-1").Return(&models.Event{
		ID: "evt-1", OrganizerID: "org-1",
		TicketTypes: []models.TicketType{{EventID: "evt-1", Type: "GA", Capacity: 20, Availability: 17}},
	}, nil)
	inventory.On("UpdateTicketTypeAvailability", mock.Anything, "evt-1", "GA", -3).Return(nil)

	require.NoError(t, h.UpdateAvailability(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 17, decodeBody(t, rec)["availability"])
}

func TestRegisterEvent_OwnedByCaller(t *testing.T) {
	inventory := &mockInventory{}
	h := NewEventHandler(inventory, testLogger)
	body := map[string]any{"name": "Concert", "organizer_id": "other"}
	e, rec := newEvent(t, http.MethodPost, "/api/v1/events", body, authRecord("users", "org-1"))

	inventory.On("RegisterEvent", mock.Anything, mock.MatchedBy(func(ev *models.Event) bool {
		return ev.OrganizerID == "org-1" && ev.Name == "Concert"
	})).Return(nil)

	require.NoError(t, h.RegisterEvent(e))
	assert.Equal(t, http.StatusCreated, rec.Code)
	inventory.AssertExpectations(t)
}

func TestValidateDiscount_PricesLinesFromEvent(t *testing.T) {
	inventory := &mockInventory{}
	discounts := &mockDiscounts{}
	h := NewDiscountHandler(discounts, inventory, testLogger)

	body := map[string]any{
		"code":     "save10",
		"event_id": "evt-1",
		"tickets":  []map[string]any{{"ticket_type": "GA", "quantity": 3}},
	}
	e, rec := newEvent(t, http.MethodPost, "/api/v1/discounts/validate", body, nil)

	inventory.On("GetEvent", mock.Anything, "evt-1").Return(&models.Event{
		ID:          "evt-1",
		TicketTypes: []models.TicketType{{Type: "GA", Price: decimal.NewFromInt(20)}},
	}, nil)
	discounts.On("ValidateCart", mock.Anything, "save10", "evt-1", mock.MatchedBy(func(lines []services.CartLine) bool {
		return len(lines) == 1 && lines[0].Amount.Equal(decimal.NewFromInt(60))
	})).Return(&services.DiscountQuote{Valid: true, Code: "SAVE10", DiscountAmount: decimal.NewFromInt(6)}, nil)

	require.NoError(t, h.Validate(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SAVE10", decodeBody(t, rec)["code"])
}

func TestValidateDiscount_Expired(t *testing.T) {
	inventory := &mockInventory{}
	discounts := &mockDiscounts{}
	h := NewDiscountHandler(discounts, inventory, testLogger)

	body := map[string]any{
		"code":     "OLD",
		"event_id": "evt-1",
		"tickets":  []map[string]any{{"ticket_type": "GA", "quantity": 1}},
	}
	e, rec := newEvent(t, http.MethodPost, "/api/v1/discounts/validate", body, nil)

	inventory.On("GetEvent", mock.Anything, "evt-1").Return(&models.Event{
		ID:          "evt-1",
		TicketTypes: []models.TicketType{{Type: "GA", Price: decimal.NewFromInt(20)}},
	}, nil)
	discounts.On("ValidateCart", mock.Anything, "OLD", "evt-1", mock.Anything).Return(nil, status.ErrDiscountExpired)

	require.NoError(t, h.Validate(e))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, status.ReasonOf(status.ErrDiscountExpired), decodeBody(t, rec)["error"])
}

func TestDeleteDiscount(t *testing.T) {
	discounts := &mockDiscounts{}
	h := NewDiscountHandler(discounts, &mockInventory{}, testLogger)
	e, rec := newEvent(t, http.MethodDelete, "/api/v1/discounts/d-1", nil, authRecord("users", "org-1"))
	e.Request.SetPathValue("id", "d-1")

	discounts.On("Delete", mock.Anything, "org-1", "d-1").Return(nil)

	require.NoError(t, h.Delete(e))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListRefunds_AdminOnly(t *testing.T) {
	refunds := &mockRefunds{}
	h := NewAdminHandler(refunds, testLogger)

	e, rec := newEvent(t, http.MethodGet, "/api/v1/admin/refunds", nil, authRecord("users", "user-1"))
	require.NoError(t, h.ListRefunds(e))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	e, rec = newEvent(t, http.MethodGet, "/api/v1/admin/refunds?status=pending", nil, authRecord("admins", "admin-1"))
	refunds.On("List", mock.Anything, models.RefundPending).Return([]*models.RefundRequest{{ID: "ref-1"}}, nil)

	require.NoError(t, h.ListRefunds(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])
}

func TestApproveRefund_PassesReviewer(t *testing.T) {
	refunds := &mockRefunds{}
	h := NewAdminHandler(refunds, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/admin/refunds/ref-1/approve", map[string]any{"note": "ok"}, authRecord("admins", "admin-1"))
	e.Request.SetPathValue("id", "ref-1")

	refunds.On("Approve", mock.Anything, "ref-1", services.Reviewer{ID: "admin-1", Admin: true}, "ok").
		Return(&models.RefundRequest{ID: "ref-1", Status: models.RefundApproved}, nil)

	require.NoError(t, h.ApproveRefund(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", decodeBody(t, rec)["status"])
}

func TestRejectRefund_NonAdminRefused(t *testing.T) {
	refunds := &mockRefunds{}
	h := NewAdminHandler(refunds, testLogger)
	e, rec := newEvent(t, http.MethodPost, "/api/v1/admin/refunds/ref-1/reject", nil, authRecord("users", "user-1"))
	e.Request.SetPathValue("id", "ref-1")

	refunds.On("Reject", mock.Anything, "ref-1", services.Reviewer{ID: "user-1"}, "").
		Return(nil, status.ErrReviewerNotAdmin)

	require.NoError(t, h.RejectRefund(e))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
