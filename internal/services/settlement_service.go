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
	"ticket-marketplace/monitoring"
	"ticket-marketplace/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const sweepBatchSize = 50

// Locker serializes captures of one external payment across instances.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

type SettlementConfig struct {
	Currency       string
	GatewayTimeout time.Duration
	// StaleOrderAfter is how long an unpaid order may stay pending.
	StaleOrderAfter time.Duration
	// ReconcileAfter is how long a capture may stay unresolved before the
	// reconciler asks the provider about it.
	ReconcileAfter time.Duration
}

type OrderLine struct {
	TicketType string `json:"ticket_type"`
	Quantity   int    `json:"quantity"`
}

type CreateOrderRequest struct {
	UserID         string      `json:"-"`
	EventID        string      `json:"event_id"`
	Tickets        []OrderLine `json:"tickets"`
	DiscountCode   string      `json:"discount_code,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

type CheckoutResult struct {
	Order   *models.Order        `json:"order"`
	Session *bank.PaymentSession `json:"payment"`
}

// CaptureResult is what a capture or reconciliation settled on. Duplicate
// is set when the payment had already been recorded.
type CaptureResult struct {
	Order     *models.Order          `json:"order"`
	Payment   *models.Payment        `json:"payment,omitempty"`
	State     models.SettlementState `json:"state"`
	Duplicate bool                   `json:"duplicate"`
}

// OrderSnapshot is the read-only view handed to receipt and ticket renderers.
type OrderSnapshot struct {
	Order   *models.Order          `json:"order"`
	State   models.SettlementState `json:"state"`
	Payment *models.Payment        `json:"payment,omitempty"`
	Refund  *models.RefundRequest  `json:"refund,omitempty"`
}

// SettlementService drives an order from cart to paid, failed or cancelled.
// Every transition is a conditional update, and multi-record transitions run
// in one transaction with explicit compensation for the steps outside it.
type SettlementService struct {
	store     *store.Store
	inventory *InventoryService
	discounts *DiscountService
	gateways  *bank.Registry
	locker    Locker
	notifier  Notifier
	events    events.Publisher
	cfg       SettlementConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewSettlementService(
	st *store.Store,
	inventory *InventoryService,
	discounts *DiscountService,
	gateways *bank.Registry,
	locker Locker,
	notifier Notifier,
	publisher events.Publisher,
	cfg SettlementConfig,
	logger *slog.Logger,
) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 2 * cfg.GatewayTimeout
	}
	return &SettlementService{
		store:     st,
		inventory: inventory,
		discounts: discounts,
		gateways:  gateways,
		locker:    locker,
		notifier:  notifier,
		events:    publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateOrder reserves the cart and stores a pending order. Reservations
// already taken are released when a later step fails. A repeated request
// with the same idempotency key returns the order created the first time.
func (s *SettlementService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	lines, err := validateCart(req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, status.Internal(fmt.Errorf("CreateOrder: idempotency lookup: %w", err))
		}
	}

	event, err := s.inventory.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		EventID:        event.ID,
		Currency:       s.cfg.Currency,
		PaymentStatus:  models.PaymentPending,
		Status:         models.OrderPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	cart := make([]CartLine, 0, len(lines))
	for _, l := range lines {
		tt, ok := event.TicketType(l.TicketType)
		if !ok {
			return nil, status.NotFound(fmt.Sprintf("ticket type %q not found for event", l.TicketType))
		}
		if l.Quantity > tt.Availability {
			return nil, status.ErrOutOfStock.With(fmt.Sprintf("only %d %s tickets left", tt.Availability, tt.Type), nil)
		}
		order.Tickets = append(order.Tickets, models.Ticket{
			ID:            uuid.NewString(),
			OrderID:       order.ID,
			EventID:       event.ID,
			TicketType:    tt.Type,
			Quantity:      l.Quantity,
			UnitPrice:     tt.Price,
			PaymentStatus: models.TicketPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		cart = append(cart, CartLine{TicketType: tt.Type, Quantity: l.Quantity, Amount: order.Tickets[len(order.Tickets)-1].LineTotal()})
	}
	order.Subtotal = order.ComputeSubtotal()
	order.DiscountAmount = decimal.Zero

	if req.DiscountCode != "" {
		quote, err := s.discounts.ValidateCart(ctx, req.DiscountCode, event.ID, cart)
		if err != nil {
			return nil, err
		}
		order.DiscountID = quote.DiscountID
		order.DiscountCode = quote.Code
		order.DiscountAmount = quote.DiscountAmount
	}
	order.TotalAmount = order.Subtotal.Sub(order.DiscountAmount)

	var reserved []string
	compensate := func() {
		for _, id := range reserved {
			if err := s.inventory.Release(context.WithoutCancel(ctx), id); err != nil {
				s.logger.Error("Failed to release reservation", "error", err, "reservation_id", id, "order_id", order.ID)
			}
		}
	}

	for i := range order.Tickets {
		t := &order.Tickets[i]
		r, err := s.inventory.Reserve(ctx, event.ID, t.TicketType, t.Quantity)
		if err != nil {
			compensate()
			return nil, err
		}
		t.ReservationID = r.ID
		reserved = append(reserved, r.ID)
	}

	if err := s.store.InsertOrder(ctx, order); err != nil {
		compensate()
		if errors.Is(err, store.ErrDuplicate) && req.IdempotencyKey != "" {
			if existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
				return existing, nil
			}
		}
		return nil, status.Internal(fmt.Errorf("CreateOrder: insert: %w", err))
	}

	monitoring.TrackOrder(models.StatePending)
	s.logger.Info("Order created",
		"order_id", order.ID,
		"user_id", order.UserID,
		"event_id", order.EventID,
		"total", order.TotalAmount.StringFixed(2),
		"discount", order.DiscountAmount.StringFixed(2),
	)
	return order, nil
}

// validateCart merges repeated ticket types and rejects malformed carts.
func validateCart(req CreateOrderRequest) ([]OrderLine, error) {
	if req.UserID == "" {
		return nil, status.Validation("user is required")
	}
	if req.EventID == "" {
		return nil, status.Validation("event_id is required")
	}
	if len(req.Tickets) == 0 {
		return nil, status.Validation("cart is empty")
	}

	index := make(map[string]int, len(req.Tickets))
	lines := make([]OrderLine, 0, len(req.Tickets))
	for _, l := range req.Tickets {
		if l.TicketType == "" {
			return nil, status.Validation("ticket_type is required")
		}
		if l.Quantity <= 0 {
			return nil, status.Validation("quantity must be positive")
		}
		if i, ok := index[l.TicketType]; ok {
			lines[i].Quantity += l.Quantity
			continue
		}
		index[l.TicketType] = len(lines)
		lines = append(lines, l)
	}
	return lines, nil
}

// InitiatePayment opens the provider payment for an order. Calling it again
// returns the session stored the first time.
func (s *SettlementService) InitiatePayment(ctx context.Context, orderID, userID string) (*bank.PaymentSession, error) {
	order, err := s.ownedOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if isFreePayment(order.ExternalPaymentID) && order.Status == models.OrderPending && order.PaymentStatus == models.PaymentPending {
		return s.settleFreeOrder(ctx, order)
	}
	if order.ExternalPaymentID != "" {
		return storedSession(order), nil
	}
	if order.Status != models.OrderPending || order.PaymentStatus != models.PaymentPending {
		return nil, status.ErrOrderNotPayable
	}

	if !order.TotalAmount.IsPositive() {
		return s.settleFreeOrder(ctx, order)
	}

	gw, err := s.gateway()
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	session, err := gw.CreatePayment(gctx, &bank.PaymentRequest{
		OrderID:     order.ID,
		Amount:      order.TotalAmount,
		Currency:    order.Currency,
		Description: fmt.Sprintf("%d tickets, order %s", order.TicketCount(), order.ID),
	})
	if err != nil {
		s.logger.Error("Failed to create payment", "error", err, "order_id", order.ID)
		return nil, err
	}

	err = s.store.AttachPaymentSession(ctx, order.ID, session.ExternalID, session.ApprovalURL(), s.now())
	if errors.Is(err, store.ErrConflict) {
		current, err := s.store.GetOrder(ctx, order.ID)
		if err == nil && current.ExternalPaymentID != "" {
			return storedSession(current), nil
		}
		return nil, status.ErrOrderNotPayable
	}
	if err != nil {
		return nil, status.Internal(fmt.Errorf("InitiatePayment: attach: %w", err))
	}

	s.logger.Info("Payment initiated", "order_id", order.ID, "external_id", session.ExternalID)
	return session, nil
}

func storedSession(o *models.Order) *bank.PaymentSession {
	session := &bank.PaymentSession{ExternalID: o.ExternalPaymentID, Status: string(o.SettlementState())}
	if o.ApprovalURL != "" {
		session.ApprovalLinks = []bank.Link{{Href: o.ApprovalURL, Rel: "approve", Method: "GET"}}
	}
	return session
}

const freePaymentPrefix = "free-"

// free orders carry a local payment reference the provider never saw
func isFreePayment(externalID string) bool {
	return strings.HasPrefix(externalID, freePaymentPrefix)
}

// settleFreeOrder finalizes an order fully covered by its discount without
// going through the provider. Calling it again retries the finalize step.
func (s *SettlementService) settleFreeOrder(ctx context.Context, order *models.Order) (*bank.PaymentSession, error) {
	ref := freePaymentPrefix + order.ID
	if order.ExternalPaymentID != ref {
		if err := s.store.AttachPaymentSession(ctx, order.ID, ref, "", s.now()); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, status.Internal(fmt.Errorf("settleFreeOrder: attach: %w", err))
		}
		order.ExternalPaymentID = ref
	}

	res, err := s.finalizeFree(ctx, order)
	if err != nil {
		return nil, err
	}
	return &bank.PaymentSession{ExternalID: ref, Status: string(res.State)}, nil
}

func (s *SettlementService) finalizeFree(ctx context.Context, order *models.Order) (*CaptureResult, error) {
	return s.finalize(ctx, order, nil, &bank.CaptureResult{
		ExternalID:    order.ExternalPaymentID,
		Status:        bank.CaptureCompleted,
		TransactionID: order.ExternalPaymentID,
		Amount:        decimal.Zero,
		Currency:      order.Currency,
	})
}

// reconcileFreeOrder retries the local finalize; a free order that still
// cannot settle once stale is cancelled.
func (s *SettlementService) reconcileFreeOrder(ctx context.Context, order *models.Order) (*CaptureResult, error) {
	res, err := s.finalizeFree(ctx, order)
	if err == nil {
		return res, nil
	}
	current, gerr := s.store.GetOrder(ctx, order.ID)
	if gerr != nil || current.Status != models.OrderPending || current.PaymentStatus != models.PaymentPending || !s.isStale(current) {
		return nil, err
	}
	if cerr := s.cancelOrder(ctx, current, "payment not completed in time"); cerr != nil {
		return nil, err
	}
	current.Status = models.OrderCancelled
	return &CaptureResult{Order: current, State: current.SettlementState()}, nil
}

// Checkout creates the order and opens its payment in one call. When the
// provider fails the order is still returned so the payment can be retried.
func (s *SettlementService) Checkout(ctx context.Context, req CreateOrderRequest) (*CheckoutResult, error) {
	order, err := s.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	session, err := s.InitiatePayment(ctx, order.ID, req.UserID)
	if err != nil {
		return &CheckoutResult{Order: order}, err
	}
	if current, err := s.store.GetOrder(ctx, order.ID); err == nil {
		order = current
	}
	return &CheckoutResult{Order: order, Session: session}, nil
}

// Capture settles the payment the buyer approved. It is safe to call more
// than once for the same external id: only one Payment is ever recorded and
// reservations are committed once. userID is empty for provider-initiated
// captures.
func (s *SettlementService) Capture(ctx context.Context, externalID, userID string) (*CaptureResult, error) {
	if externalID == "" {
		return nil, status.Validation("external payment id is required")
	}

	release, err := s.lock(ctx, externalID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.store.GetOrderByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.ErrPaymentNotFound
		}
		return nil, status.Internal(fmt.Errorf("Capture: load order: %w", err))
	}
	if userID != "" && order.UserID != userID {
		return nil, status.ErrNotOrderOwner
	}

	if res, done, err := s.alreadySettled(ctx, order); done {
		return res, err
	}

	// an earlier attempt may have captured already; read it back instead
	// of capturing twice
	if order.PaymentStatus == models.PaymentCapturing || isFreePayment(externalID) {
		return s.reconcileOrder(ctx, order)
	}

	if err := s.checkHolds(ctx, order); err != nil {
		return nil, err
	}
	if err := s.markCapturing(ctx, order); err != nil {
		return nil, err
	}
	return s.captureAtGateway(ctx, order)
}

// alreadySettled handles orders whose capture needs no provider call.
func (s *SettlementService) alreadySettled(ctx context.Context, order *models.Order) (*CaptureResult, bool, error) {
	if payment, err := s.store.GetPaymentByExternalOrderID(ctx, order.ExternalPaymentID); err == nil {
		return &CaptureResult{Order: order, Payment: payment, State: order.SettlementState(), Duplicate: true}, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, true, status.Internal(fmt.Errorf("alreadySettled: %w", err))
	}

	switch {
	case order.Status == models.OrderCancelled:
		return nil, true, status.ErrOrderNotPayable.With("order was cancelled", nil)
	case order.PaymentStatus == models.PaymentFailed:
		return nil, true, status.ErrOrderNotPayable.With("payment already failed: "+order.FailureReason, nil)
	case order.Status != models.OrderPending:
		return nil, true, status.ErrOrderNotPayable
	}
	return nil, false, nil
}

// checkHolds fails the order up front when one of its holds is gone, so the
// buyer is not charged for tickets that cannot be delivered.
func (s *SettlementService) checkHolds(ctx context.Context, order *models.Order) error {
	for _, t := range order.Tickets {
		r, err := s.store.GetReservation(ctx, t.ReservationID)
		if err != nil {
			return status.Internal(fmt.Errorf("checkHolds: %w", err))
		}
		if r.Status != models.ReservationReleased {
			continue
		}
		if err := s.failOrder(ctx, order, "reservation expired before payment", models.PaymentPending); err != nil {
			return err
		}
		return status.ErrReservationClosed.With("reservation expired before payment", nil)
	}
	return nil
}

func (s *SettlementService) markCapturing(ctx context.Context, order *models.Order) error {
	err := s.store.TransitionOrder(ctx, order.ID, models.OrderPending,
		store.OrderState{Status: models.OrderPending, PaymentStatus: models.PaymentCapturing},
		s.now(), models.PaymentPending)
	if errors.Is(err, store.ErrConflict) {
		return status.ErrCaptureInFlight
	}
	if err != nil {
		return status.Internal(fmt.Errorf("markCapturing: %w", err))
	}
	order.PaymentStatus = models.PaymentCapturing
	monitoring.TrackOrder(models.StateCapturing)
	return nil
}

// captureAtGateway calls the provider for an order already marked
// capturing. The call is detached from the caller so an aborted request
// cannot leave the outcome unrecorded.
func (s *SettlementService) captureAtGateway(ctx context.Context, order *models.Order) (*CaptureResult, error) {
	ctx = context.WithoutCancel(ctx)

	gw, err := s.gateway()
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	res, err := gw.CapturePayment(gctx, order.ExternalPaymentID)
	outcome := "error"
	if res != nil {
		outcome = string(res.Status)
	}
	monitoring.TrackCapture(outcome, time.Since(start))

	if err != nil {
		return nil, s.captureFailed(ctx, order, err)
	}
	return s.settle(ctx, order, gw, res)
}

// captureFailed decides what a gateway error means for a capturing order.
func (s *SettlementService) captureFailed(ctx context.Context, order *models.Order, err error) error {
	log := s.logger.With("order_id", order.ID, "external_id", order.ExternalPaymentID, "error", err)

	switch status.KindOf(err) {
	case status.KindGatewayAuth:
		// nothing reached the provider
		log.Error("Capture rejected our credentials, order back to pending")
		s.revertToPending(ctx, order)
	case status.KindGatewayValidation:
		log.Warn("Capture rejected by provider, failing order")
		if ferr := s.failOrder(ctx, order, "payment rejected by provider", models.PaymentCapturing); ferr != nil {
			return ferr
		}
	default:
		log.Warn("Capture outcome unknown, order left for reconciliation")
	}
	return err
}

// settle applies a provider result to a capturing order.
func (s *SettlementService) settle(ctx context.Context, order *models.Order, gw bank.Gateway, res *bank.CaptureResult) (*CaptureResult, error) {
	switch res.Status {
	case bank.CaptureCompleted:
		return s.finalize(ctx, order, gw, res)

	case bank.CapturePending:
		s.logger.Info("Capture pending at provider", "order_id", order.ID, "external_id", order.ExternalPaymentID)
		return &CaptureResult{Order: order, State: order.SettlementState()}, nil

	case bank.CaptureNotApproved:
		s.revertToPending(ctx, order)
		return nil, status.ErrPaymentNotApproved

	default:
		if err := s.failOrder(ctx, order, "payment declined", models.PaymentCapturing, models.PaymentPending); err != nil {
			return nil, err
		}
		return nil, status.ErrPaymentDeclined
	}
}

// finalize records a completed capture. Payment, reservation commits, order
// and ticket status and discount usage change in one transaction. If any of
// them conflicts the capture is refunded and the order failed.
func (s *SettlementService) finalize(ctx context.Context, order *models.Order, gw bank.Gateway, res *bank.CaptureResult) (*CaptureResult, error) {
	ctx = context.WithoutCancel(ctx)

	amount := res.Amount
	if amount.IsZero() && gw != nil {
		amount = order.TotalAmount
	}
	currency := res.Currency
	if currency == "" {
		currency = order.Currency
	}
	method := "none"
	if gw != nil {
		method = string(gw.Provider())
	}

	now := s.now()
	payment := &models.Payment{
		ID:              uuid.NewString(),
		OrderID:         order.ID,
		Amount:          amount,
		Currency:        currency,
		PaymentMethod:   method,
		Status:          models.PaymentRecordCompleted,
		TransactionID:   res.TransactionID,
		ExternalOrderID: order.ExternalPaymentID,
		PayerID:         res.PayerID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var err error
	if !amount.Equal(order.TotalAmount) {
		err = status.ErrAmountMismatch.With(
			fmt.Sprintf("captured %s, order total %s", amount.StringFixed(2), order.TotalAmount.StringFixed(2)), nil)
	} else {
		err = s.store.RunInTx(ctx, func(tx *store.Store) error {
			if err := tx.InsertPayment(ctx, payment); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return errAlreadyRecorded
				}
				return status.Internal(fmt.Errorf("finalize: insert payment: %w", err))
			}

			inventory := s.inventory.Tx(tx)
			for _, t := range order.Tickets {
				if err := inventory.Commit(ctx, t.ReservationID); err != nil {
					return err
				}
			}

			err := tx.TransitionOrder(ctx, order.ID, models.OrderPending,
				store.OrderState{Status: models.OrderCompleted, PaymentStatus: models.PaymentPaid},
				now, models.PaymentCapturing, models.PaymentPending)
			if errors.Is(err, store.ErrConflict) {
				return status.Conflict("order changed while the payment was captured")
			}
			if err != nil {
				return status.Internal(fmt.Errorf("finalize: order: %w", err))
			}

			if err := tx.SetTicketsStatus(ctx, order.ID, models.TicketPaid, now); err != nil {
				return status.Internal(fmt.Errorf("finalize: tickets: %w", err))
			}

			if order.DiscountID != "" {
				if err := s.discounts.Tx(tx).Apply(ctx, order.DiscountID); err != nil {
					return err
				}
			}
			return nil
		})
	}

	switch {
	case err == nil:
	case errors.Is(err, errAlreadyRecorded):
		current, perr := s.store.GetPaymentByExternalOrderID(ctx, order.ExternalPaymentID)
		if perr != nil {
			return nil, status.Internal(fmt.Errorf("finalize: reload payment: %w", perr))
		}
		o, _ := s.store.GetOrder(ctx, order.ID)
		if o == nil {
			o = order
		}
		return &CaptureResult{Order: o, Payment: current, State: o.SettlementState(), Duplicate: true}, nil
	case status.KindOf(err) != status.KindInternal:
		// the sale cannot be recorded as priced; give the money back
		return nil, s.compensate(ctx, order, gw, payment, err)
	default:
		s.logger.Error("Failed to record capture, order left for reconciliation", "error", err, "order_id", order.ID)
		return nil, err
	}

	settled, err := s.store.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, status.Internal(fmt.Errorf("finalize: reload order: %w", err))
	}

	monitoring.TrackOrder(models.StatePaid)
	s.logger.Info("Order paid",
		"order_id", settled.ID,
		"payment_id", payment.ID,
		"transaction_id", payment.TransactionID,
		"amount", payment.Amount.StringFixed(2),
	)

	s.notifier.Notify(ctx, settled.UserID, models.PaymentNotification{
		Type:      "payment_success",
		OrderID:   settled.ID,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		Timestamp: now,
	})
	s.publish(ctx, events.OrderSettled_v1{
		Header:         events.NewEventHeader(settled.ID),
		OrderID:        settled.ID,
		UserID:         settled.UserID,
		EventID:        settled.EventID,
		PaymentID:      payment.ID,
		TransactionID:  payment.TransactionID,
		DiscountAmount: settled.DiscountAmount,
		TotalAmount:    settled.TotalAmount,
		Currency:       settled.Currency,
		Tickets:        ticketLines(settled.Tickets),
		SettledAt:      now,
	})

	return &CaptureResult{Order: settled, Payment: payment, State: settled.SettlementState()}, nil
}

var errAlreadyRecorded = errors.New("payment already recorded")

// compensate undoes a capture that could not be fulfilled: the money goes
// back first, then holds are released and the order failed. If the refund
// itself fails the order stays capturing and reconciliation retries.
func (s *SettlementService) compensate(ctx context.Context, order *models.Order, gw bank.Gateway, payment *models.Payment, cause error) error {
	log := s.logger.With("order_id", order.ID, "external_id", order.ExternalPaymentID, "cause", cause)

	if gw != nil && payment.TransactionID != "" && payment.Amount.IsPositive() {
		gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()

		refund, err := gw.RefundCapture(gctx, &bank.RefundRequest{
			RefundID:      "compensate-" + order.ID,
			TransactionID: payment.TransactionID,
			Amount:        payment.Amount,
			Currency:      payment.Currency,
			Note:          "Order could not be fulfilled",
		})
		if err != nil {
			log.Error("Compensating refund failed, order left for reconciliation", "error", err)
			return err
		}
		log.Warn("Capture refunded", "refund_id", refund.ProviderRefundID)
	}

	if err := s.failOrder(ctx, order, "not fulfilled: "+status.MessageOf(cause), models.PaymentCapturing, models.PaymentPending); err != nil {
		return err
	}
	return cause
}

// failOrder marks the payment failed, releases the holds and the tickets.
func (s *SettlementService) failOrder(ctx context.Context, order *models.Order, reason string, from ...models.PaymentStatus) error {
	ctx = context.WithoutCancel(ctx)
	now := s.now()

	err := s.store.RunInTx(ctx, func(tx *store.Store) error {
		err := tx.TransitionOrder(ctx, order.ID, models.OrderPending,
			store.OrderState{Status: models.OrderPending, PaymentStatus: models.PaymentFailed, FailureReason: reason},
			now, from...)
		if err != nil {
			return err
		}
		if err := s.releaseHolds(ctx, tx, order); err != nil {
			return err
		}
		return tx.SetTicketsStatus(ctx, order.ID, models.TicketReleased, now)
	})
	if errors.Is(err, store.ErrConflict) {
		return status.Conflict("order changed while failing it")
	}
	if err != nil {
		return status.Internal(fmt.Errorf("failOrder: %w", err))
	}

	order.PaymentStatus = models.PaymentFailed
	order.FailureReason = reason
	monitoring.TrackOrder(models.StateFailed)
	s.logger.Warn("Order failed", "order_id", order.ID, "reason", reason)

	s.notifier.Notify(ctx, order.UserID, models.PaymentNotification{
		Type:      "payment_failed",
		OrderID:   order.ID,
		Amount:    order.TotalAmount,
		Message:   reason,
		Timestamp: now,
	})
	return nil
}

func (s *SettlementService) releaseHolds(ctx context.Context, tx *store.Store, order *models.Order) error {
	inventory := s.inventory.Tx(tx)
	for _, t := range order.Tickets {
		if err := inventory.Release(ctx, t.ReservationID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SettlementService) revertToPending(ctx context.Context, order *models.Order) {
	err := s.store.TransitionOrder(context.WithoutCancel(ctx), order.ID, models.OrderPending,
		store.OrderState{Status: models.OrderPending, PaymentStatus: models.PaymentPending},
		s.now(), models.PaymentCapturing)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		s.logger.Error("Failed to revert order to pending", "error", err, "order_id", order.ID)
		return
	}
	order.PaymentStatus = models.PaymentPending
}

// Cancel cancels an unpaid order of its owner. Holds are released; since a
// hold never took availability there is nothing to restock.
func (s *SettlementService) Cancel(ctx context.Context, orderID, userID string) error {
	order, err := s.ownedOrder(ctx, orderID, userID)
	if err != nil {
		return err
	}
	if !order.Cancellable() {
		if order.PaymentStatus == models.PaymentPaid {
			return status.ErrNotCancellable.With("paid orders can only be refunded", nil)
		}
		return status.ErrNotCancellable
	}

	if order.ExternalPaymentID != "" {
		release, err := s.lock(ctx, order.ExternalPaymentID)
		if err != nil {
			return err
		}
		defer release()
	}

	return s.cancelOrder(ctx, order, "cancelled by customer")
}

func (s *SettlementService) cancelOrder(ctx context.Context, order *models.Order, reason string) error {
	ctx = context.WithoutCancel(ctx)
	now := s.now()

	err := s.store.RunInTx(ctx, func(tx *store.Store) error {
		err := tx.TransitionOrder(ctx, order.ID, models.OrderPending,
			store.OrderState{Status: models.OrderCancelled, PaymentStatus: order.PaymentStatus, FailureReason: reason},
			now, order.PaymentStatus)
		if err != nil {
			return err
		}
		if err := s.releaseHolds(ctx, tx, order); err != nil {
			return err
		}
		return tx.SetTicketsStatus(ctx, order.ID, models.TicketReleased, now)
	})
	if errors.Is(err, store.ErrConflict) {
		return status.ErrNotCancellable
	}
	if err != nil {
		if status.KindOf(err) != status.KindInternal {
			return err
		}
		return status.Internal(fmt.Errorf("cancelOrder: %w", err))
	}

	monitoring.TrackOrder(models.StateCancelled)
	s.logger.Info("Order cancelled", "order_id", order.ID, "reason", reason)
	s.publish(ctx, events.OrderCancelled_v1{
		Header:  events.NewEventHeader(order.ID),
		OrderID: order.ID,
		UserID:  order.UserID,
		Reason:  reason,
	})
	return nil
}

// Reconcile asks the provider about an order whose capture outcome is not
// recorded yet and settles it accordingly.
func (s *SettlementService) Reconcile(ctx context.Context, orderID string) (*CaptureResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.ErrOrderNotFound
		}
		return nil, status.Internal(fmt.Errorf("Reconcile: %w", err))
	}
	if order.ExternalPaymentID == "" {
		return &CaptureResult{Order: order, State: order.SettlementState()}, nil
	}
	return s.reconcile(ctx, order.ExternalPaymentID)
}

// ReconcileByExternalID is used by provider webhooks.
func (s *SettlementService) ReconcileByExternalID(ctx context.Context, externalID string) (*CaptureResult, error) {
	return s.reconcile(ctx, externalID)
}

func (s *SettlementService) reconcile(ctx context.Context, externalID string) (*CaptureResult, error) {
	release, err := s.lock(ctx, externalID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.store.GetOrderByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.ErrPaymentNotFound
		}
		return nil, status.Internal(fmt.Errorf("reconcile: %w", err))
	}
	if res, done, err := s.alreadySettled(ctx, order); done {
		if err != nil && order.Status != models.OrderPending {
			// nothing left to reconcile
			return &CaptureResult{Order: order, State: order.SettlementState()}, nil
		}
		return res, err
	}
	return s.reconcileOrder(ctx, order)
}

// reconcileOrder settles an order from what the provider reports for it.
// The caller holds the capture lock.
func (s *SettlementService) reconcileOrder(ctx context.Context, order *models.Order) (*CaptureResult, error) {
	externalID := order.ExternalPaymentID
	if isFreePayment(externalID) {
		return s.reconcileFreeOrder(ctx, order)
	}
	gw, err := s.gateway()
	if err != nil {
		return nil, err
	}
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GatewayTimeout)
	res, err := gw.GetPayment(gctx, externalID)
	cancel()
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case bank.CaptureApproved:
		if order.PaymentStatus == models.PaymentPending {
			if err := s.checkHolds(ctx, order); err != nil {
				return nil, err
			}
			if err := s.markCapturing(ctx, order); err != nil {
				return nil, err
			}
		}
		return s.captureAtGateway(ctx, order)

	case bank.CaptureNotApproved:
		if order.PaymentStatus == models.PaymentCapturing {
			s.revertToPending(ctx, order)
		}
		if s.isStale(order) {
			if err := s.cancelOrder(ctx, order, "payment not completed in time"); err != nil {
				return nil, err
			}
			order.Status = models.OrderCancelled
		}
		return &CaptureResult{Order: order, State: order.SettlementState()}, nil

	case bank.CapturePending:
		if order.PaymentStatus == models.PaymentPending {
			if err := s.markCapturing(ctx, order); err != nil {
				return nil, err
			}
		}
		return &CaptureResult{Order: order, State: order.SettlementState()}, nil
	}

	return s.settle(ctx, order, gw, res)
}

func (s *SettlementService) isStale(order *models.Order) bool {
	return s.cfg.StaleOrderAfter > 0 && s.now().Sub(order.UpdatedAt) > s.cfg.StaleOrderAfter
}

// ReconcilePending resolves captures that stayed unresolved longer than
// ReconcileAfter. It returns how many orders reached a final state.
func (s *SettlementService) ReconcilePending(ctx context.Context) (int, error) {
	orders, err := s.store.ListOrdersByPaymentStatus(ctx, models.PaymentCapturing, s.now().Add(-s.cfg.ReconcileAfter), sweepBatchSize)
	if err != nil {
		return 0, status.Internal(fmt.Errorf("ReconcilePending: %w", err))
	}

	resolved := 0
	for _, o := range orders {
		res, err := s.reconcile(ctx, o.ExternalPaymentID)
		if err != nil {
			if !errors.Is(err, status.ErrPaymentDeclined) {
				s.logger.Warn("Reconciliation failed", "error", err, "order_id", o.ID, "retryable", status.Retryable(err))
				continue
			}
			resolved++
			continue
		}
		if res.State != models.StateCapturing {
			resolved++
		}
	}
	return resolved, nil
}

// ExpireStale closes orders left unpaid for longer than StaleOrderAfter.
// Orders with a provider payment are checked first in case the buyer paid.
func (s *SettlementService) ExpireStale(ctx context.Context) (int, error) {
	if s.cfg.StaleOrderAfter <= 0 {
		return 0, nil
	}
	orders, err := s.store.ListOrdersByPaymentStatus(ctx, models.PaymentPending, s.now().Add(-s.cfg.StaleOrderAfter), sweepBatchSize)
	if err != nil {
		return 0, status.Internal(fmt.Errorf("ExpireStale: %w", err))
	}

	expired := 0
	for _, o := range orders {
		if o.ExternalPaymentID != "" {
			res, err := s.reconcile(ctx, o.ExternalPaymentID)
			if err != nil {
				s.logger.Warn("Failed to check stale order", "error", err, "order_id", o.ID)
				continue
			}
			if res.State == models.StateCancelled {
				expired++
			}
			continue
		}
		if err := s.cancelOrder(ctx, o, "payment not started in time"); err != nil {
			s.logger.Warn("Failed to expire order", "error", err, "order_id", o.ID)
			continue
		}
		expired++
	}
	return expired, nil
}

// Snapshot returns the order with its payment and refund request, if any.
func (s *SettlementService) Snapshot(ctx context.Context, orderID, userID string) (*OrderSnapshot, error) {
	order, err := s.ownedOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	snap := &OrderSnapshot{Order: order, State: order.SettlementState()}
	if p, err := s.store.GetPaymentByOrderID(ctx, order.ID); err == nil {
		snap.Payment = p
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, status.Internal(fmt.Errorf("Snapshot: payment: %w", err))
	}
	if r, err := s.store.GetRefundByOrder(ctx, order.ID); err == nil {
		snap.Refund = r
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, status.Internal(fmt.Errorf("Snapshot: refund: %w", err))
	}
	return snap, nil
}

// HandleWebhook verifies and applies a provider notification.
func (s *SettlementService) HandleWebhook(ctx context.Context, headers map[string]string, body []byte) (*bank.WebhookEvent, error) {
	gw, err := s.gateway()
	if err != nil {
		return nil, err
	}
	wh, ok := gw.(bank.WebhookHandler)
	if !ok {
		return nil, status.Validation("payment provider does not send webhooks")
	}
	if err := wh.VerifyWebhook(ctx, headers, body); err != nil {
		return nil, err
	}
	ev, err := wh.ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	log := s.logger.With("webhook_id", ev.ID, "event_type", ev.Type, "external_id", ev.ExternalID)
	switch ev.Action {
	case bank.WebhookApproved:
		_, err = s.Capture(ctx, ev.ExternalID, "")
	case bank.WebhookCaptureChanged:
		_, err = s.reconcile(ctx, ev.ExternalID)
	default:
		log.Debug("Webhook ignored")
		return ev, nil
	}

	// the provider retries deliveries we fail; these outcomes are final
	switch {
	case err == nil,
		errors.Is(err, status.ErrCaptureInFlight),
		errors.Is(err, status.ErrPaymentDeclined),
		errors.Is(err, status.ErrOrderNotPayable),
		errors.Is(err, status.ErrPaymentNotFound):
		if err != nil {
			log.Info("Webhook already settled", "reason", status.ReasonOf(err))
		}
		return ev, nil
	}
	log.Warn("Webhook not applied", "error", err)
	return ev, err
}

func (s *SettlementService) ownedOrder(ctx context.Context, orderID, userID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.ErrOrderNotFound
		}
		return nil, status.Internal(fmt.Errorf("ownedOrder: %w", err))
	}
	if order.UserID != userID {
		return nil, status.ErrNotOrderOwner
	}
	return order, nil
}

func (s *SettlementService) gateway() (bank.Gateway, error) {
	gw, err := s.gateways.Primary()
	if err != nil {
		return nil, status.ErrGatewayUnavailable.With("no payment provider configured", err)
	}
	return gw, nil
}

// lock takes the capture lock for an external payment. When redis is down
// the capture proceeds; the conditional order transitions still keep it
// single.
func (s *SettlementService) lock(ctx context.Context, externalID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, externalID)
	if errors.Is(err, utils.ErrLockHeld) {
		return nil, status.ErrCaptureInFlight
	}
	if err != nil {
		s.logger.Warn("Capture lock unavailable", "error", err, "external_id", externalID)
		return func() {}, nil
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release capture lock", "error", err, "external_id", externalID)
		}
	}, nil
}

func (s *SettlementService) publish(ctx context.Context, event any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Error("Failed to publish event", "error", err, "event", fmt.Sprintf("%T", event))
	}
}

func ticketLines(tickets []models.Ticket) []events.TicketLine {
	lines := make([]events.TicketLine, 0, len(tickets))
	for _, t := range tickets {
		lines = append(lines, events.TicketLine{
			TicketID:   t.ID,
			TicketType: t.TicketType,
			Quantity:   t.Quantity,
			UnitPrice:  t.UnitPrice,
		})
	}
	return lines
}
