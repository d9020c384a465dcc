package status

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindAuthorization      Kind = "authorization"
	KindConflict           Kind = "conflict"
	KindGatewayAuth        Kind = "gateway_auth"
	KindGatewayValidation  Kind = "gateway_validation"
	KindGatewayUnavailable Kind = "gateway_unavailable"
	KindGatewayTimeout     Kind = "gateway_timeout"
	KindInternal           Kind = "internal"
)

// Error is the typed error returned by every settlement operation. Two
// errors match under errors.Is when their kind and reason are equal.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Reason
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

// With returns a copy carrying a more specific message and cause.
func (e *Error) With(message string, cause error) *Error {
	return &Error{Kind: e.Kind, Reason: e.Reason, Message: message, Err: cause}
}

func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: reason, Err: err}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Reason: "invalid_request", Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Reason: "not_found", Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindAuthorization, Reason: "forbidden", Message: message}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Reason: "conflict", Message: message}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Reason: "internal", Message: "internal error", Err: err}
}

var (
	ErrOutOfStock        = New(KindConflict, "out_of_stock", "not enough tickets available")
	ErrInventoryConflict = New(KindConflict, "inventory_conflict", "inventory changed before the reservation could be committed")
	ErrReservationClosed = New(KindConflict, "reservation_closed", "reservation is no longer held")

	ErrInvalidCode          = New(KindNotFound, "invalid_code", "discount code does not exist")
	ErrDiscountNotStarted   = New(KindValidation, "discount_not_started", "discount is not active yet")
	ErrDiscountExpired      = New(KindValidation, "discount_expired", "discount has expired")
	ErrBelowMinimumPurchase = New(KindValidation, "below_minimum_purchase", "order does not meet the minimum purchase")
	ErrWrongTicketType      = New(KindValidation, "wrong_ticket_type", "discount does not apply to this ticket type")
	ErrNotApplicableEvent   = New(KindValidation, "not_applicable_event", "discount does not apply to this event")
	ErrMaxUsesReached       = New(KindConflict, "max_uses_reached", "discount usage limit reached")
	ErrDuplicateCode        = New(KindConflict, "duplicate_code", "discount code already exists")
	ErrDiscountRemoved      = New(KindConflict, "discount_removed", "discount was removed before the order was paid")

	ErrOrderNotFound      = New(KindNotFound, "order_not_found", "order not found")
	ErrNotOrderOwner      = New(KindAuthorization, "not_order_owner", "order belongs to another user")
	ErrNotCancellable     = New(KindConflict, "not_cancellable", "order can no longer be cancelled")
	ErrPaymentDeclined    = New(KindConflict, "payment_declined", "payment was declined")
	ErrCaptureInFlight    = New(KindConflict, "capture_in_flight", "capture already in progress")
	ErrPaymentNotFound    = New(KindNotFound, "payment_not_found", "no order for this payment")
	ErrOrderNotPayable    = New(KindConflict, "order_not_payable", "order is not awaiting payment")
	ErrAmountMismatch     = New(KindConflict, "amount_mismatch", "captured amount does not match the order total")
	ErrPaymentNotApproved = New(KindConflict, "payment_not_approved", "buyer has not approved the payment yet")

	ErrOnlyPaidRefundable = New(KindValidation, "not_refundable", "only paid orders can be refunded")
	ErrRefundExists       = New(KindConflict, "refund_exists", "a refund was already requested for this order")
	ErrRefundDecided      = New(KindConflict, "refund_decided", "refund request was already decided")
	ErrReviewerNotAdmin   = New(KindAuthorization, "reviewer_not_admin", "only administrators can review refunds")

	ErrGatewayAuth        = New(KindGatewayAuth, "gateway_auth", "payment provider rejected our credentials")
	ErrGatewayValidation  = New(KindGatewayValidation, "gateway_validation", "payment provider rejected the request")
	ErrGatewayUnavailable = New(KindGatewayUnavailable, "gateway_unavailable", "payment provider unavailable")
	ErrGatewayTimeout     = New(KindGatewayTimeout, "gateway_timeout", "payment provider timed out")
)

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal"
}

// MessageOf returns a message safe to show to clients.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if e.Message != "" {
			return e.Message
		}
		return e.Reason
	}
	return "internal error"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindGatewayAuth:
		return http.StatusBadGateway
	case KindGatewayValidation:
		return http.StatusUnprocessableEntity
	case KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable is true only when repeating the same request may succeed.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindGatewayUnavailable || k == KindGatewayTimeout
}

func IsGateway(err error) bool {
	switch KindOf(err) {
	case KindGatewayAuth, KindGatewayValidation, KindGatewayUnavailable, KindGatewayTimeout:
		return true
	}
	return false
}
