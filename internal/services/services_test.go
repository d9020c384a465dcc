package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ticket-marketplace/internal/services/bank"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Provider() bank.Provider {
	return bank.ProviderPayPal
}

func (m *mockGateway) CreatePayment(ctx context.Context, req *bank.PaymentRequest) (*bank.PaymentSession, error) {
	args := m.Called(ctx, req)
	s, _ := args.Get(0).(*bank.PaymentSession)
	return s, args.Error(1)
}

func (m *mockGateway) CapturePayment(ctx context.Context, externalID string) (*bank.CaptureResult, error) {
	args := m.Called(ctx, externalID)
	r, _ := args.Get(0).(*bank.CaptureResult)
	return r, args.Error(1)
}

func (m *mockGateway) GetPayment(ctx context.Context, externalID string) (*bank.CaptureResult, error) {
	args := m.Called(ctx, externalID)
	r, _ := args.Get(0).(*bank.CaptureResult)
	return r, args.Error(1)
}

func (m *mockGateway) RefundCapture(ctx context.Context, req *bank.RefundRequest) (*bank.RefundResult, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*bank.RefundResult)
	return r, args.Error(1)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.PaymentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, msg models.PaymentNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Type)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(_ context.Context, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.events...)
}

type fixture struct {
	store      *store.Store
	inventory  *InventoryService
	discounts  *DiscountService
	gateway    *mockGateway
	notifier   *recordingNotifier
	publisher  *recordingPublisher
	settlement *SettlementService
	refunds    *RefundService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "settlement.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:     st,
		gateway:   &mockGateway{},
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
	}
	f.inventory = NewInventoryService(st, 15*time.Minute, nil)
	f.discounts = NewDiscountService(st, nil)

	registry := bank.NewRegistry(bank.NewFactory())
	registry.Add(f.gateway)

	f.settlement = NewSettlementService(st, f.inventory, f.discounts, registry, nil, f.notifier, f.publisher,
		SettlementConfig{
			Currency:        "USD",
			GatewayTimeout:  time.Second,
			StaleOrderAfter: time.Hour,
			ReconcileAfter:  time.Minute,
		}, nil)
	f.refunds = NewRefundService(st, f.inventory, registry, f.notifier, f.publisher, true, time.Second, nil)
	return f
}

// seedConcert registers "Concert" with GA at 20.00 and VIP at 99.99.
func (f *fixture) seedConcert(t *testing.T, gaCapacity int) *models.Event {
	t.Helper()
	e := &models.Event{
		ID:          "evt-concert",
		Name:        "Concert",
		OrganizerID: "org-1",
		StartTime:   time.Now().Add(7 * 24 * time.Hour),
		TicketTypes: []models.TicketType{
			{Type: "GA", Price: decimal.NewFromInt(20), Capacity: gaCapacity},
			{Type: "VIP", Price: decimal.RequireFromString("99.99"), Capacity: 10},
		},
	}
	require.NoError(t, f.inventory.RegisterEvent(context.Background(), e))
	return e
}

func (f *fixture) seedDiscount(t *testing.T, code string, percent int64, limit int) *models.Discount {
	t.Helper()
	d, err := f.discounts.Create(context.Background(), "org-1", DiscountInput{
		Code:             code,
		Type:             models.DiscountPercentage,
		Value:            decimal.NewFromInt(percent),
		UsageLimit:       limit,
		EndDate:          time.Now().Add(24 * time.Hour),
		ApplicableEvents: []string{"evt-concert"},
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) availability(t *testing.T, ticketType string) int {
	t.Helper()
	tt, err := f.store.GetTicketType(context.Background(), "evt-concert", ticketType)
	require.NoError(t, err)
	return tt.Availability
}

// checkout creates an order and opens its payment with external id ext.
func (f *fixture) checkout(t *testing.T, user, ext string, qty int, code string) *models.Order {
	t.Helper()
	f.gateway.On("CreatePayment", mock.Anything, mock.MatchedBy(func(r *bank.PaymentRequest) bool {
		return r.Amount.IsPositive()
	})).Return(&bank.PaymentSession{
		ExternalID:    ext,
		Status:        "CREATED",
		ApprovalLinks: []bank.Link{{Href: "https://paypal.test/approve/" + ext, Rel: "approve"}},
	}, nil).Once()

	res, err := f.settlement.Checkout(context.Background(), CreateOrderRequest{
		UserID:       user,
		EventID:      "evt-concert",
		Tickets:      []OrderLine{{TicketType: "GA", Quantity: qty}},
		DiscountCode: code,
	})
	require.NoError(t, err)
	require.Equal(t, ext, res.Session.ExternalID)
	return res.Order
}

func completed(ext, capture string, amount string) *bank.CaptureResult {
	return &bank.CaptureResult{
		ExternalID:    ext,
		Status:        bank.CaptureCompleted,
		TransactionID: capture,
		PayerID:       "PAYER-1",
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
	}
}
