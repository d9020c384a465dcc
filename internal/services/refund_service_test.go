package services

import (
	"context"
	"testing"

	"ticket-marketplace/internal/events"
	"ticket-marketplace/internal/services/bank"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var admin = Reviewer{ID: "admin-1", Admin: true}

// paidOrder checks out qty GA tickets for user-1 and captures them.
func (f *fixture) paidOrder(t *testing.T, qty int) *models.Order {
	t.Helper()
	order := f.checkout(t, "user-1", "PP-1", qty, "")
	f.gateway.On("CapturePayment", mock.Anything, "PP-1").
		Return(completed("PP-1", "CAP-1", order.TotalAmount.StringFixed(2)), nil).Once()
	res, err := f.settlement.Capture(context.Background(), "PP-1", "user-1")
	require.NoError(t, err)
	return res.Order
}

func TestRefundRequest_OnlyPaidOrders(t *testing.T) {
	f := newFixture(t)
	f.seedConcert(t, 100)

	order := f.checkout(t, "user-1", "PP-1", 1, "")

	_, err := f.refunds.Request(context.Background(), order.ID, "user-1", "cannot attend")
	assert.ErrorIs(t, err, status.ErrOnlyPaidRefundable)
	assert.Equal(t, "only paid orders can be refunded", status.MessageOf(err))
}

func TestRefundRequest_OwnerAndOncePerOrder(t *testing.T) {
	f := newFixture(t)
	f.seedConcert(t, 100)
	ctx := context.Background()

	order := f.paidOrder(t, 2)

	_, err := f.refunds.Request(ctx, order.ID, "user-2", "not mine")
	assert.ErrorIs(t, err, status.ErrNotOrderOwner)
	_, err = f.refunds.Request(ctx, order.ID, "user-1", " ")
	assert.Equal(t, status.KindValidation, status.KindOf(err))

	r, err := f.refunds.Request(ctx, order.ID, "user-1", "cannot attend")
	require.NoError(t, err)
	assert.Equal(t, models.RefundPending, r.Status)
	assert.True(t, r.Amount.Equal(order.TotalAmount))

	_, err = f.refunds.Request(ctx, order.ID, "user-1", "again")
	assert.ErrorIs(t, err, status.ErrRefundExists)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRefundRequested, got.SettlementState())
}

func TestRefundApprove_ReversesSale(t *testing.T) {
	f := newFixture(t)
	f.seedConcert(t, 100)
	ctx := context.Background()

	order := f.paidOrder(t, 3)
	assert.Equal(t, 97, f.availability(t, "GA"))

	r, err := f.refunds.Request(ctx, order.ID, "user-1", "cannot attend")
	require.NoError(t, err)

	_, err = f.refunds.Approve(ctx, r.ID, Reviewer{ID: "user-9"}, "")
	assert.ErrorIs(t, err, status.ErrReviewerNotAdmin)

	f.gateway.On("RefundCapture", mock.Anything, mock.MatchedBy(func(req *bank.RefundRequest) bool {
		return req.RefundID == r.ID && req.TransactionID == "CAP-1" && req.Amount.Equal(order.TotalAmount)
	})).Return(&bank.RefundResult{ProviderRefundID: "RF-1", Status: "COMPLETED"}, nil).Once()

	approved, err := f.refunds.Approve(ctx, r.ID, admin, "ok")
	require.NoError(t, err)
	assert.Equal(t, models.RefundApproved, approved.Status)
	assert.Equal(t, "RF-1", approved.GatewayRefundID)
	assert.Equal(t, "admin-1", approved.ReviewerID)
	require.NotNil(t, approved.ReviewedAt)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderRefunded, got.Status)
	assert.Equal(t, models.PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, models.TicketRefunded, got.Tickets[0].PaymentStatus)

	p, err := f.store.GetPaymentByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRecordRefunded, p.Status)

	assert.Equal(t, 100, f.availability(t, "GA"), "restocked")

	_, err = f.refunds.Approve(ctx, r.ID, admin, "twice")
	assert.ErrorIs(t, err, status.ErrRefundDecided)

	assert.Contains(t, f.notifier.types(), "refund_approved")
	var refunded *events.RefundApproved_v1
	for _, e := range f.publisher.published() {
		if ev, ok := e.(events.RefundApproved_v1); ok {
			refunded = &ev
		}
	}
	require.NotNil(t, refunded)
	assert.True(t, refunded.Restocked)
	f.gateway.AssertExpectations(t)
}

func TestRefundApprove_GatewayFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedConcert(t, 100)
	ctx := context.Background()

	order := f.paidOrder(t, 1)
	r, err := f.refunds.Request(ctx, order.ID, "user-1", "cannot attend")
	require.NoError(t, err)

	f.gateway.On("RefundCapture", mock.Anything, mock.Anything).Return(nil, status.ErrGatewayTimeout).Once()

	_, err = f.refunds.Approve(ctx, r.ID, admin, "")
	assert.True(t, status.Retryable(err))

	got, err := f.refunds.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundPending, got.Status)
	assert.Equal(t, 99, f.availability(t, "GA"))
}

func TestRefundApprove_AfterTopUpCapsRestock(t *testing.T) {
	f := newFixture(t)
	f.seedConcert(t, 100)
	ctx := context.Background()

	order := f.paidOrder(t, 3)
	require.NoError(t, f.inventory.UpdateTicketTypeAvailability(ctx, "evt-concert", "GA", 3))
	assert.Equal(t, 100, f.availability(t, "GA"))

	r, err := f.refunds.Request(ctx, order.ID, "user-1", "cannot attend")
	require.NoError(t, err)

	f.gateway.On("RefundCapture", mock.Anything, mock.MatchedBy(func(req *bank.RefundRequest) bool {
		return req.RefundID == r.ID
	})).Return(&bank.RefundResult{ProviderRefundID: "RF-1", Status: "COMPLETED"}, nil).Once()

	approved, err := f.refunds.Approve(ctx, r.ID, admin, "ok")
	require.NoError(t, err)
	assert.Equal(t, models.RefundApproved, approved.Status)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderRefunded, got.Status)
	assert.Equal(t, models.PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, models.TicketRefunded, got.Tickets[0].PaymentStatus)
	assert.Equal(t, 100, f.availability(t, "GA"))

	_, err = f.refunds.Approve(ctx, r.ID, admin, "again")
	assert.ErrorIs(t, err, status.ErrRefundDecided)
	f.gateway.AssertNumberOfCalls(t, "RefundCapture", 1)
}

func TestRefundReject(t *testing.T) {
	f := newFixture(t)
	f.seedConcert(t, 100)
	ctx := context.Background()

	order := f.paidOrder(t, 1)
	r, err := f.refunds.Request(ctx, order.ID, "user-1", "changed my mind")
	require.NoError(t, err)

	rejected, err := f.refunds.Reject(ctx, r.ID, admin, "outside policy")
	require.NoError(t, err)
	assert.Equal(t, models.RefundRejected, rejected.Status)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaid, got.SettlementState())

	_, err = f.refunds.Reject(ctx, r.ID, admin, "")
	assert.ErrorIs(t, err, status.ErrRefundDecided)

	pending, err := f.refunds.List(ctx, models.RefundPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := f.refunds.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.refunds.List(ctx, "weird")
	assert.Equal(t, status.KindValidation, status.KindOf(err))
}
