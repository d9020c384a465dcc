package monitoring

import (
	"context"
	"log/slog"
	"time"

	"ticket-marketplace/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticketAvailability = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_availability",
			Help: "Remaining availability per ticket type",
		},
		[]string{"event_id", "ticket_type"},
	)

	ticketsHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickets_held",
			Help: "Tickets currently held by open reservations",
		},
		[]string{"event_id", "ticket_type"},
	)

	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Total order state transitions",
		},
		[]string{"state"},
	)

	reservationOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_operations_total",
			Help: "Total reservation operations",
		},
		[]string{"operation", "status"},
	)

	discountRedemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discount_redemptions_total",
			Help: "Discount usages counted on paid orders",
		},
		[]string{"discount_id"},
	)

	captureDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_capture_duration_seconds",
			Help:    "Duration of payment captures by outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"outcome"},
	)
)

// TrackOrder counts an order reaching state.
func TrackOrder(state models.SettlementState) {
	orderTransitions.WithLabelValues(string(state)).Inc()
}

func TrackReservation(operation, status string) {
	reservationOperations.WithLabelValues(operation, status).Inc()
}

func TrackDiscountRedemption(discountID string) {
	discountRedemptions.WithLabelValues(discountID).Inc()
}

func TrackCapture(outcome string, duration time.Duration) {
	captureDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// InventorySource is read by the collector on every tick.
type InventorySource interface {
	ListTicketTypes(ctx context.Context) ([]models.TicketType, error)
	CountHeld(ctx context.Context, eventID, ticketType string) (int, error)
}

type Monitor struct {
	source   InventorySource
	interval time.Duration
	logger   *slog.Logger
}

func NewMonitor(source InventorySource, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{source: source, interval: interval, logger: logger}
}

// Run collects inventory gauges until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collectInventoryMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.collectInventoryMetrics(ctx)
		}
	}
}

func (m *Monitor) collectInventoryMetrics(ctx context.Context) {
	types, err := m.source.ListTicketTypes(ctx)
	if err != nil {
		m.logger.Error("Failed to collect inventory metrics", "error", err)
		return
	}

	for _, tt := range types {
		ticketAvailability.WithLabelValues(tt.EventID, tt.Type).Set(float64(tt.Availability))

		held, err := m.source.CountHeld(ctx, tt.EventID, tt.Type)
		if err != nil {
			m.logger.Warn("Failed to count held tickets", "error", err, "event_id", tt.EventID, "ticket_type", tt.Type)
			continue
		}
		ticketsHeld.WithLabelValues(tt.EventID, tt.Type).Set(float64(held))
	}
}
