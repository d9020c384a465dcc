package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticket-marketplace/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) ListTicketTypes(ctx context.Context) ([]models.TicketType, error) {
	args := m.Called(ctx)
	types, _ := args.Get(0).([]models.TicketType)
	return types, args.Error(1)
}

func (m *mockSource) CountHeld(ctx context.Context, eventID, ticketType string) (int, error) {
	args := m.Called(ctx, eventID, ticketType)
	return args.Int(0), args.Error(1)
}

func TestCollectInventoryMetrics(t *testing.T) {
	src := new(mockSource)
	src.On("ListTicketTypes", mock.Anything).Return([]models.TicketType{
		{EventID: "evt-m1", Type: "GA", Capacity: 100, Availability: 40},
		{EventID: "evt-m1", Type: "VIP", Capacity: 10, Availability: 10},
	}, nil)
	src.On("CountHeld", mock.Anything, "evt-m1", "GA").Return(3, nil)
	src.On("CountHeld", mock.Anything, "evt-m1", "VIP").Return(0, errors.New("db closed"))

	NewMonitor(src, time.Minute, nil).collectInventoryMetrics(context.Background())

	assert.Equal(t, 40.0, testutil.ToFloat64(ticketAvailability.WithLabelValues("evt-m1", "GA")))
	assert.Equal(t, 10.0, testutil.ToFloat64(ticketAvailability.WithLabelValues("evt-m1", "VIP")))
	assert.Equal(t, 3.0, testutil.ToFloat64(ticketsHeld.WithLabelValues("evt-m1", "GA")))
	src.AssertExpectations(t)
}

func TestCollectInventoryMetrics_SourceError(t *testing.T) {
	src := new(mockSource)
	src.On("ListTicketTypes", mock.Anything).Return(nil, errors.New("db closed"))

	NewMonitor(src, time.Minute, nil).collectInventoryMetrics(context.Background())

	src.AssertNotCalled(t, "CountHeld", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_StopsWithContext(t *testing.T) {
	src := new(mockSource)
	src.On("ListTicketTypes", mock.Anything).Return([]models.TicketType{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, NewMonitor(src, time.Hour, nil).Run(ctx))
}

func TestTrackers(t *testing.T) {
	before := testutil.ToFloat64(orderTransitions.WithLabelValues(string(models.StatePaid)))
	TrackOrder(models.StatePaid)
	assert.Equal(t, before+1, testutil.ToFloat64(orderTransitions.WithLabelValues(string(models.StatePaid))))

	TrackReservation("reserve", "ok")
	assert.GreaterOrEqual(t, testutil.ToFloat64(reservationOperations.WithLabelValues("reserve", "ok")), 1.0)

	TrackDiscountRedemption("disc-m1")
	assert.Equal(t, 1.0, testutil.ToFloat64(discountRedemptions.WithLabelValues("disc-m1")))

	TrackCapture("completed", 120*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(captureDuration))
}
