package bank

import (
	"context"

	"github.com/shopspring/decimal"
)

// Provider names a payment processor
type Provider string

const (
	ProviderPayPal Provider = "paypal"
)

// PaymentRequest asks the provider to open a payment for one order
type PaymentRequest struct {
	OrderID     string          `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	ReturnURL   string          `json:"return_url,omitempty"`
	CancelURL   string          `json:"cancel_url,omitempty"`
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// PaymentSession is the provider side of an order awaiting buyer approval
type PaymentSession struct {
	ExternalID    string `json:"external_id"`
	Status        string `json:"status"`
	ApprovalLinks []Link `json:"approval_links"`
}

// ApprovalURL returns the link the buyer follows to approve the payment.
func (s *PaymentSession) ApprovalURL() string {
	for _, l := range s.ApprovalLinks {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

type CaptureStatus string

const (
	CaptureCompleted CaptureStatus = "completed"
	CapturePending   CaptureStatus = "pending"
	CaptureFailed    CaptureStatus = "failed"

	// reported by GetPayment before any capture exists
	CaptureApproved    CaptureStatus = "approved"
	CaptureNotApproved CaptureStatus = "not_approved"
)

// CaptureResult reports what the provider did with the buyer's money
type CaptureResult struct {
	ExternalID    string          `json:"external_id"`
	Status        CaptureStatus   `json:"status"`
	TransactionID string          `json:"transaction_id"`
	PayerID       string          `json:"payer_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// RefundRequest returns money of a completed capture. RefundID makes the
// call idempotent on the provider side.
type RefundRequest struct {
	RefundID      string          `json:"refund_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Note          string          `json:"note,omitempty"`
}

type RefundResult struct {
	ProviderRefundID string `json:"provider_refund_id"`
	Status           string `json:"status"`
}

// Gateway is the common interface for all payment providers. Every error is
// a *status.Error of one of the gateway kinds.
type Gateway interface {
	// Provider returns the provider type
	Provider() Provider

	// CreatePayment opens a payment and returns the approval links
	CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentSession, error)

	// CapturePayment captures an approved payment
	CapturePayment(ctx context.Context, externalID string) (*CaptureResult, error)

	// GetPayment reads the current state of a payment
	GetPayment(ctx context.Context, externalID string) (*CaptureResult, error)

	// RefundCapture refunds a completed capture
	RefundCapture(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}

type WebhookAction string

const (
	WebhookIgnored WebhookAction = "ignored"
	// the buyer approved the payment, it can be captured now
	WebhookApproved WebhookAction = "approved"
	// a capture changed state at the provider, read it back
	WebhookCaptureChanged WebhookAction = "capture_changed"
)

// WebhookEvent is a provider notification reduced to what settlement needs
type WebhookEvent struct {
	ID         string        `json:"id"`
	Type       string        `json:"event_type"`
	ExternalID string        `json:"external_id"`
	Action     WebhookAction `json:"action"`
}

// WebhookHandler is implemented by providers that push signed webhooks
type WebhookHandler interface {
	VerifyWebhook(ctx context.Context, headers map[string]string, body []byte) error
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

// Factory creates gateways based on provider type
type Factory interface {
	CreateGateway(ctx context.Context, provider Provider, config any) (Gateway, error)
	SupportedProviders() []Provider
}
