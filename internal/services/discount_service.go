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
	"ticket-marketplace/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CartLine is one ticket type of a cart with its undiscounted line total.
type CartLine struct {
	TicketType string          `json:"ticket_type"`
	Quantity   int             `json:"quantity"`
	Amount     decimal.Decimal `json:"amount"`
}

// DiscountQuote is the outcome of a successful validation. Nothing is
// consumed until the order is paid.
type DiscountQuote struct {
	Valid            bool                `json:"valid"`
	DiscountID       string              `json:"discount_id"`
	Code             string              `json:"code"`
	Type             models.DiscountType `json:"discount_type"`
	DiscountAmount   decimal.Decimal     `json:"discount_amount"`
	EligibleSubtotal decimal.Decimal     `json:"eligible_subtotal"`
	EligibleQuantity int                 `json:"eligible_quantity"`
}

// DiscountInput carries the editable fields of a discount.
type DiscountInput struct {
	Code                  string               `json:"code"`
	Type                  models.DiscountType  `json:"discount_type"`
	Value                 decimal.Decimal      `json:"discount_value"`
	Scope                 models.DiscountScope `json:"scope"`
	UsageLimit            int                  `json:"usage_limit"`
	StartDate             time.Time            `json:"start_date"`
	EndDate               time.Time            `json:"end_date"`
	MinimumPurchaseAmount decimal.Decimal      `json:"minimum_purchase_amount"`
	ApplicableEvents      []string             `json:"applicable_events"`
	ApplicableTicketTypes []string             `json:"applicable_ticket_types"`
}

type DiscountService struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewDiscountService(st *store.Store, logger *slog.Logger) *DiscountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscountService{store: st, logger: logger, now: time.Now}
}

func (s *DiscountService) Tx(tx *store.Store) *DiscountService {
	c := *s
	c.store = tx
	return &c
}

// Validate quotes a code for a single ticket type line.
func (s *DiscountService) Validate(ctx context.Context, code, eventID, ticketType string, qty int, subtotal decimal.Decimal) (*DiscountQuote, error) {
	return s.ValidateCart(ctx, code, eventID, []CartLine{{TicketType: ticketType, Quantity: qty, Amount: subtotal}})
}

// ValidateCart quotes a code for a whole cart. Only lines whose ticket type
// the discount covers count towards the minimum purchase and the discount.
func (s *DiscountService) ValidateCart(ctx context.Context, code, eventID string, lines []CartLine) (*DiscountQuote, error) {
	code = models.NormalizeCode(code)
	if code == "" {
		return nil, status.Validation("discount code is required")
	}
	if len(lines) == 0 {
		return nil, status.Validation("cart is empty")
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, status.Validation("quantity must be positive")
		}
		if l.Amount.IsNegative() {
			return nil, status.Validation("subtotal must not be negative")
		}
	}

	d, err := s.store.GetDiscountByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.ErrInvalidCode
		}
		return nil, status.Internal(fmt.Errorf("ValidateCart: %w", err))
	}

	now := s.now()
	switch {
	case !d.StartDate.IsZero() && now.Before(d.StartDate):
		return nil, status.ErrDiscountNotStarted
	case !d.EndDate.IsZero() && now.After(d.EndDate):
		return nil, status.ErrDiscountExpired
	case d.Exhausted():
		return nil, status.ErrMaxUsesReached
	case !d.AppliesToEvent(eventID):
		return nil, status.ErrNotApplicableEvent
	}

	subtotal := decimal.Zero
	qty := 0
	for _, l := range lines {
		if !d.AppliesToTicketType(l.TicketType) {
			continue
		}
		subtotal = subtotal.Add(l.Amount)
		qty += l.Quantity
	}
	if qty == 0 {
		return nil, status.ErrWrongTicketType
	}

	if d.MinimumPurchaseAmount.IsPositive() {
		below := subtotal.LessThan(d.MinimumPurchaseAmount)
		if d.Scope == models.ScopePerTicket {
			below = decimal.NewFromInt(int64(qty)).LessThan(d.MinimumPurchaseAmount)
		}
		if below {
			return nil, status.ErrBelowMinimumPurchase
		}
	}

	return &DiscountQuote{
		Valid:            true,
		DiscountID:       d.ID,
		Code:             d.Code,
		Type:             d.Type,
		DiscountAmount:   d.Compute(subtotal, qty),
		EligibleSubtotal: subtotal,
		EligibleQuantity: qty,
	}, nil
}

// Apply counts one use of the discount. It is only called while finalizing
// a paid order; the increment is conditional on the usage limit. A discount
// deleted after the order was priced is a conflict like an exhausted one.
func (s *DiscountService) Apply(ctx context.Context, discountID string) error {
	if err := s.store.IncrementDiscountUsage(ctx, discountID, s.now()); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return status.Internal(fmt.Errorf("Apply: %w", err))
		}
		if _, err := s.store.GetDiscount(ctx, discountID); errors.Is(err, store.ErrNotFound) {
			return status.ErrDiscountRemoved
		}
		return status.ErrMaxUsesReached
	}
	monitoring.TrackDiscountRedemption(discountID)
	return nil
}

func (s *DiscountService) Get(ctx context.Context, id, organizerID string) (*models.Discount, error) {
	d, err := s.store.GetDiscount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.NotFound("discount not found")
		}
		return nil, status.Internal(fmt.Errorf("Get: %w", err))
	}
	if d.OrganizerID != organizerID {
		return nil, status.Forbidden("discount belongs to another organizer")
	}
	return d, nil
}

func (s *DiscountService) ListForOrganizer(ctx context.Context, organizerID string) ([]*models.Discount, error) {
	list, err := s.store.ListDiscountsByOrganizer(ctx, organizerID)
	if err != nil {
		return nil, status.Internal(fmt.Errorf("ListForOrganizer: %w", err))
	}
	return list, nil
}

// Create stores a discount for events the organizer owns. A code is
// generated when none is given.
func (s *DiscountService) Create(ctx context.Context, organizerID string, in DiscountInput) (*models.Discount, error) {
	if err := s.checkInput(ctx, organizerID, &in); err != nil {
		return nil, err
	}

	code := models.NormalizeCode(in.Code)
	if code == "" {
		generated, err := utils.GenerateCode(4)
		if err != nil {
			return nil, status.Internal(fmt.Errorf("Create: generate code: %w", err))
		}
		code = generated
	}

	now := s.now()
	d := &models.Discount{
		ID:          uuid.NewString(),
		Code:        code,
		OrganizerID: organizerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	fillDiscount(d, in)

	if err := s.store.InsertDiscount(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, status.ErrDuplicateCode
		}
		return nil, status.Internal(fmt.Errorf("Create: %w", err))
	}

	s.logger.Info("Discount created", "discount_id", d.ID, "code", d.Code, "organizer_id", organizerID)
	return d, nil
}

// Update rewrites the editable fields. Usage already counted is kept and
// the limit cannot drop below it.
func (s *DiscountService) Update(ctx context.Context, organizerID, id string, in DiscountInput) (*models.Discount, error) {
	d, err := s.Get(ctx, id, organizerID)
	if err != nil {
		return nil, err
	}
	if err := s.checkInput(ctx, organizerID, &in); err != nil {
		return nil, err
	}
	if in.UsageLimit > 0 && in.UsageLimit < d.UsageCount {
		return nil, status.Validation(fmt.Sprintf("usage limit cannot be lower than the %d uses already counted", d.UsageCount))
	}

	if code := models.NormalizeCode(in.Code); code != "" {
		d.Code = code
	}
	fillDiscount(d, in)
	d.UpdatedAt = s.now()

	if err := s.store.UpdateDiscount(ctx, d); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			return nil, status.ErrDuplicateCode
		case errors.Is(err, store.ErrConflict):
			return nil, status.Conflict("discount changed while updating")
		}
		return nil, status.Internal(fmt.Errorf("Update: %w", err))
	}
	return d, nil
}

func (s *DiscountService) Delete(ctx context.Context, organizerID, id string) error {
	if _, err := s.Get(ctx, id, organizerID); err != nil {
		return err
	}
	if err := s.store.DeleteDiscount(ctx, id, organizerID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return status.NotFound("discount not found")
		}
		return status.Internal(fmt.Errorf("Delete: %w", err))
	}
	s.logger.Info("Discount deleted", "discount_id", id, "organizer_id", organizerID)
	return nil
}

func (s *DiscountService) checkInput(ctx context.Context, organizerID string, in *DiscountInput) error {
	if in.Scope == "" {
		in.Scope = models.ScopeCart
	}

	switch in.Type {
	case models.DiscountPercentage:
		if in.Value.GreaterThan(decimal.NewFromInt(100)) {
			return status.Validation("percentage discount cannot exceed 100")
		}
	case models.DiscountFixed:
	default:
		return status.Validation("discount_type must be percentage or fixed")
	}
	switch {
	case in.Scope != models.ScopeCart && in.Scope != models.ScopePerTicket:
		return status.Validation("scope must be cart or per_ticket")
	case !in.Value.IsPositive():
		return status.Validation("discount_value must be positive")
	case in.UsageLimit < 0:
		return status.Validation("usage_limit must not be negative")
	case in.MinimumPurchaseAmount.IsNegative():
		return status.Validation("minimum_purchase_amount must not be negative")
	case !in.StartDate.IsZero() && !in.EndDate.IsZero() && !in.EndDate.After(in.StartDate):
		return status.Validation("end_date must be after start_date")
	case len(in.ApplicableEvents) == 0:
		return status.Validation("applicable_events is required")
	}

	for _, eventID := range in.ApplicableEvents {
		e, err := s.store.GetEvent(ctx, eventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return status.NotFound(fmt.Sprintf("event %s not found", eventID))
			}
			return status.Internal(fmt.Errorf("checkInput: %w", err))
		}
		if e.OrganizerID != organizerID {
			return status.Forbidden(fmt.Sprintf("event %s belongs to another organizer", eventID))
		}
	}
	return nil
}

func fillDiscount(d *models.Discount, in DiscountInput) {
	d.Type = in.Type
	d.Value = in.Value
	d.Scope = in.Scope
	d.UsageLimit = in.UsageLimit
	d.StartDate = in.StartDate
	d.EndDate = in.EndDate
	d.MinimumPurchaseAmount = in.MinimumPurchaseAmount
	d.ApplicableEvents = in.ApplicableEvents
	d.ApplicableTicketTypes = in.ApplicableTicketTypes
}
