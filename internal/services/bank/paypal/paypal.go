package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ticket-marketplace/internal/status"
	"ticket-marketplace/utils"
)

var _ PayPal = (*paypal)(nil)

type (
	Config struct {
		BaseURL      string `json:"base_url"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`

		// ReturnURL and CancelURL are where the buyer lands after approval.
		ReturnURL string `json:"return_url"`
		CancelURL string `json:"cancel_url"`

		// WebhookID identifies our webhook subscription for signature checks.
		WebhookID string `json:"webhook_id"`

		Timeout time.Duration `json:"timeout"`

		// TokenStore shares the access token between instances; optional.
		TokenStore TokenStore `json:"-"`
		// Breaker guards every provider call; a default one is built when nil.
		Breaker *utils.CircuitBreaker `json:"-"`
		Logger  *slog.Logger          `json:"-"`
	}

	paypal struct {
		baseURL string

		// clientID is the REST app client id.
		clientID     string
		clientSecret string

		returnURL string
		cancelURL string
		webhookID string

		// accessToken is used to authenticate with PayPal and expires at expiry.
		accessToken string
		expiry      time.Time

		// mu is used to lock access token.
		mu sync.Mutex
		// refreshMu makes concurrent callers share one token exchange.
		refreshMu sync.Mutex

		tokens  TokenStore
		breaker *utils.CircuitBreaker
		logger  *slog.Logger
		now     func() time.Time

		// hc is the http client.
		hc *http.Client
	}
)

// PayPal is the subset of the Orders v2 and Payments v2 REST API we use.
type PayPal interface {
	CreateOrder(ctx context.Context, f *OrderForm) (*Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	RefundCapture(ctx context.Context, f *RefundForm) (*Refund, error)
	VerifyWebhookSignature(ctx context.Context, f *WebhookForm) error
}

// New creates a PayPal client. The access token is fetched lazily on the
// first call.
func New(ctx context.Context, cfg *Config) (PayPal, error) {
	if cfg.BaseURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("paypal.New: base url, client id and client secret are required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = utils.NewCircuitBreakerWithSettings(utils.BreakerSettings{
			Name:         "paypal",
			Timeout:      30 * time.Second,
			IsSuccessful: countsAsHealthy,
			OnStateChange: func(name string, from, to utils.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}

	return &paypal{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		returnURL:    cfg.ReturnURL,
		cancelURL:    cfg.CancelURL,
		webhookID:    cfg.WebhookID,
		tokens:       cfg.TokenStore,
		breaker:      breaker,
		logger:       logger,
		now:          time.Now,

		// set http client with timeout.
		hc: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type (
	Money struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	}

	Link struct {
		Href   string `json:"href"`
		Rel    string `json:"rel"`
		Method string `json:"method,omitempty"`
	}

	Capture struct {
		ID     string `json:"id"`
		Status string `json:"status"` // COMPLETED, PENDING, DECLINED, FAILED, REFUNDED
		Amount Money  `json:"amount"`
	}

	PurchaseUnit struct {
		ReferenceID string `json:"reference_id,omitempty"`
		CustomID    string `json:"custom_id,omitempty"`
		Description string `json:"description,omitempty"`
		Amount      *Money `json:"amount,omitempty"`
		Payments    *struct {
			Captures []Capture `json:"captures"`
		} `json:"payments,omitempty"`
	}

	Order struct {
		ID            string         `json:"id"`
		Status        string         `json:"status"` // CREATED, APPROVED, COMPLETED, VOIDED, PAYER_ACTION_REQUIRED
		Links         []Link         `json:"links"`
		PurchaseUnits []PurchaseUnit `json:"purchase_units"`
		Payer         *struct {
			PayerID string `json:"payer_id"`
		} `json:"payer,omitempty"`
	}

	Refund struct {
		ID     string `json:"id"`
		Status string `json:"status"` // COMPLETED, PENDING, FAILED, CANCELLED
	}
)

// LatestCapture returns the last capture of the first purchase unit.
func (o *Order) LatestCapture() *Capture {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			c := pu.Payments.Captures[len(pu.Payments.Captures)-1]
			return &c
		}
	}
	return nil
}

func (o *Order) PayerID() string {
	if o.Payer == nil {
		return ""
	}
	return o.Payer.PayerID
}

type OrderForm struct {
	// ReferenceID is our order id; it also keys the PayPal-Request-Id.
	ReferenceID string
	Amount      Money
	Description string
	ReturnURL   string
	CancelURL   string
}

// CreateOrder opens a CAPTURE-intent order.
func (p *paypal) CreateOrder(ctx context.Context, f *OrderForm) (*Order, error) {
	if f.ReturnURL == "" {
		f.ReturnURL = p.returnURL
	}
	if f.CancelURL == "" {
		f.CancelURL = p.cancelURL
	}
	return p.createOrder(ctx, f)
}

// CaptureOrder captures an approved order. Capturing an order twice
// returns its current state instead of an error.
func (p *paypal) CaptureOrder(ctx context.Context, orderID string) (*Order, error) {
	return p.captureOrder(ctx, orderID)
}

func (p *paypal) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return p.getOrder(ctx, orderID)
}

type RefundForm struct {
	// RequestID keys the PayPal-Request-Id so retries refund once.
	RequestID string
	CaptureID string
	Amount    Money
	Note      string
}

func (p *paypal) RefundCapture(ctx context.Context, f *RefundForm) (*Refund, error) {
	return p.refundCapture(ctx, f)
}

type WebhookForm struct {
	AuthAlgo         string
	CertURL          string
	TransmissionID   string
	TransmissionSig  string
	TransmissionTime string
	Event            json.RawMessage
}

// VerifyWebhookSignature asks PayPal to verify a webhook delivery. It is a
// no-op when no webhook id is configured.
func (p *paypal) VerifyWebhookSignature(ctx context.Context, f *WebhookForm) error {
	if p.webhookID == "" {
		return nil
	}
	ok, err := p.verifyWebhookSignature(ctx, f)
	if err != nil {
		return err
	}
	if !ok {
		return status.ErrGatewayValidation.With("webhook signature verification failed", nil)
	}
	return nil
}
