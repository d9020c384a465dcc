package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticket-marketplace/internal/events"
	"ticket-marketplace/internal/services/bank"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"

	"github.com/google/uuid"
)

// Reviewer is whoever decides a refund request.
type Reviewer struct {
	ID    string
	Admin bool
}

type RefundService struct {
	store     *store.Store
	inventory *InventoryService
	gateways  *bank.Registry
	notifier  Notifier
	events    events.Publisher
	restock   bool
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewRefundService(
	st *store.Store,
	inventory *InventoryService,
	gateways *bank.Registry,
	notifier Notifier,
	publisher events.Publisher,
	restockOnRefund bool,
	gatewayTimeout time.Duration,
	logger *slog.Logger,
) *RefundService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if gatewayTimeout <= 0 {
		gatewayTimeout = 15 * time.Second
	}
	return &RefundService{
		store:     st,
		inventory: inventory,
		gateways:  gateways,
		notifier:  notifier,
		events:    publisher,
		restock:   restockOnRefund,
		timeout:   gatewayTimeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Request opens a refund request for a paid order of the user.
func (s *RefundService) Request(ctx context.Context, orderID, userID, reason string) (*models.RefundRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, status.Validation("reason is required")
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.ErrOrderNotFound
		}
		return nil, status.Internal(fmt.Errorf("Request: %w", err))
	}
	if order.UserID != userID {
		return nil, status.ErrNotOrderOwner
	}
	if order.PaymentStatus != models.PaymentPaid {
		return nil, status.ErrOnlyPaidRefundable
	}

	now := s.now()
	r := &models.RefundRequest{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		UserID:    userID,
		Amount:    order.TotalAmount,
		Reason:    reason,
		Status:    models.RefundPending,
		CreatedAt: now,
	}

	err = s.store.RunInTx(ctx, func(tx *store.Store) error {
		if err := tx.InsertRefund(ctx, r); err != nil {
			return err
		}
		return tx.SetOrderStatus(ctx, order.ID, models.OrderCompleted, models.OrderRefundRequested, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict):
		return nil, status.ErrRefundExists
	default:
		return nil, status.Internal(fmt.Errorf("Request: %w", err))
	}

	s.logger.Info("Refund requested", "refund_id", r.ID, "order_id", order.ID, "amount", r.Amount.StringFixed(2))
	return r, nil
}

// Approve returns the money at the provider, then reverses the sale. The
// provider call is keyed by the refund id, so approving again after a
// failure never refunds twice.
func (s *RefundService) Approve(ctx context.Context, refundID string, reviewer Reviewer, note string) (*models.RefundRequest, error) {
	r, order, err := s.pending(ctx, refundID, reviewer)
	if err != nil {
		return nil, err
	}

	payment, err := s.store.GetPaymentByOrderID(ctx, order.ID)
	if err != nil {
		return nil, status.Internal(fmt.Errorf("Approve: payment: %w", err))
	}

	ctx = context.WithoutCancel(ctx)

	if payment.Amount.IsPositive() {
		gw, err := s.gateways.Gateway(bank.Provider(payment.PaymentMethod))
		if err != nil {
			return nil, status.ErrGatewayUnavailable.With("payment provider not configured", err)
		}

		gctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := gw.RefundCapture(gctx, &bank.RefundRequest{
			RefundID:      r.ID,
			TransactionID: payment.TransactionID,
			Amount:        r.Amount,
			Currency:      payment.Currency,
			Note:          r.Reason,
		})
		cancel()
		if err != nil {
			s.logger.Error("Gateway refund failed", "error", err, "refund_id", r.ID, "order_id", order.ID)
			return nil, err
		}
		r.GatewayRefundID = res.ProviderRefundID
	}

	now := s.now()
	r.Status = models.RefundApproved
	r.ReviewerID = reviewer.ID
	r.ReviewNote = note
	r.ReviewedAt = &now

	err = s.store.RunInTx(ctx, func(tx *store.Store) error {
		if err := tx.DecideRefund(ctx, r, now); err != nil {
			return err
		}
		err := tx.TransitionOrder(ctx, order.ID, models.OrderRefundRequested,
			store.OrderState{Status: models.OrderRefunded, PaymentStatus: models.PaymentRefunded},
			now, models.PaymentPaid)
		if err != nil {
			return err
		}
		if err := tx.SetTicketsStatus(ctx, order.ID, models.TicketRefunded, now); err != nil {
			return err
		}
		if err := tx.SetPaymentStatus(ctx, payment.ID, models.PaymentRecordCompleted, models.PaymentRecordRefunded, now); err != nil {
			return err
		}
		if !s.restock {
			return nil
		}
		// the money is already back with the buyer; a restock never fails the approval
		inventory := s.inventory.Tx(tx)
		for _, t := range order.Tickets {
			n, err := inventory.Restock(ctx, t.EventID, t.TicketType, t.Quantity)
			if err != nil {
				if status.KindOf(err) == status.KindInternal {
					return err
				}
				s.logger.Warn("Restock skipped", "error", err, "order_id", order.ID, "ticket_type", t.TicketType)
				continue
			}
			if n < t.Quantity {
				s.logger.Warn("Restock capped at capacity",
					"order_id", order.ID,
					"ticket_type", t.TicketType,
					"requested", t.Quantity,
					"restocked", n,
				)
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, status.ErrRefundDecided
	}
	if err != nil {
		s.logger.Error("Failed to record approved refund", "error", err, "refund_id", r.ID, "gateway_refund_id", r.GatewayRefundID)
		if status.KindOf(err) != status.KindInternal {
			return nil, err
		}
		return nil, status.Internal(fmt.Errorf("Approve: %w", err))
	}

	s.logger.Info("Refund approved",
		"refund_id", r.ID,
		"order_id", order.ID,
		"reviewer_id", reviewer.ID,
		"amount", r.Amount.StringFixed(2),
		"restocked", s.restock,
	)

	s.notifier.Notify(ctx, order.UserID, models.PaymentNotification{
		Type:      "refund_approved",
		OrderID:   order.ID,
		PaymentID: payment.ID,
		Amount:    r.Amount,
		Message:   note,
		Timestamp: now,
	})
	if s.events != nil {
		err := s.events.Publish(ctx, events.RefundApproved_v1{
			Header:          events.NewEventHeader(r.ID),
			RefundID:        r.ID,
			OrderID:         order.ID,
			UserID:          order.UserID,
			Amount:          r.Amount,
			GatewayRefundID: r.GatewayRefundID,
			Restocked:       s.restock,
		})
		if err != nil {
			s.logger.Error("Failed to publish event", "error", err, "event", "RefundApproved_v1")
		}
	}
	return r, nil
}

// Reject closes the request and puts the order back to completed.
func (s *RefundService) Reject(ctx context.Context, refundID string, reviewer Reviewer, note string) (*models.RefundRequest, error) {
	r, order, err := s.pending(ctx, refundID, reviewer)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r.Status = models.RefundRejected
	r.ReviewerID = reviewer.ID
	r.ReviewNote = note
	r.ReviewedAt = &now

	err = s.store.RunInTx(ctx, func(tx *store.Store) error {
		if err := tx.DecideRefund(ctx, r, now); err != nil {
			return err
		}
		return tx.SetOrderStatus(ctx, order.ID, models.OrderRefundRequested, models.OrderCompleted, now)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, status.ErrRefundDecided
	}
	if err != nil {
		return nil, status.Internal(fmt.Errorf("Reject: %w", err))
	}

	s.logger.Info("Refund rejected", "refund_id", r.ID, "order_id", order.ID, "reviewer_id", reviewer.ID)
	s.notifier.Notify(ctx, order.UserID, models.PaymentNotification{
		Type:      "refund_rejected",
		OrderID:   order.ID,
		Amount:    r.Amount,
		Message:   note,
		Timestamp: now,
	})
	return r, nil
}

func (s *RefundService) pending(ctx context.Context, refundID string, reviewer Reviewer) (*models.RefundRequest, *models.Order, error) {
	if !reviewer.Admin {
		return nil, nil, status.ErrReviewerNotAdmin
	}
	r, err := s.Get(ctx, refundID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != models.RefundPending {
		return nil, nil, status.ErrRefundDecided
	}
	order, err := s.store.GetOrder(ctx, r.OrderID)
	if err != nil {
		return nil, nil, status.Internal(fmt.Errorf("pending: order: %w", err))
	}
	return r, order, nil
}

func (s *RefundService) Get(ctx context.Context, refundID string) (*models.RefundRequest, error) {
	r, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.NotFound("refund request not found")
		}
		return nil, status.Internal(fmt.Errorf("Get: %w", err))
	}
	return r, nil
}

// List returns refund requests in the given status, or all of them.
func (s *RefundService) List(ctx context.Context, st models.RefundStatus) ([]*models.RefundRequest, error) {
	switch st {
	case "", models.RefundPending, models.RefundApproved, models.RefundRejected:
	default:
		return nil, status.Validation(fmt.Sprintf("unknown refund status %q", st))
	}
	refunds, err := s.store.ListRefunds(ctx, st)
	if err != nil {
		return nil, status.Internal(fmt.Errorf("List: %w", err))
	}
	return refunds, nil
}
