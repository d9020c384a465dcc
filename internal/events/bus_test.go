package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "settlement.OrderSettled_v1", Topic("settlement", "OrderSettled_v1"))
	assert.Equal(t, "OrderSettled_v1", Topic("", "OrderSettled_v1"))
}

func TestEventBus_PublishesToPerEventTopic(t *testing.T) {
	logger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, "settlement.OrderSettled_v1")
	require.NoError(t, err)

	bus, err := NewEventBus(pubSub, "settlement", logger)
	require.NoError(t, err)

	var _ Publisher = bus

	err = bus.Publish(ctx, OrderSettled_v1{
		Header:      NewEventHeader("ord-1"),
		OrderID:     "ord-1",
		UserID:      "user-1",
		TotalAmount: decimal.RequireFromString("54.00"),
		Currency:    "USD",
	})
	require.NoError(t, err)

	select {
	case msg := <-messages:
		msg.Ack()
		var got OrderSettled_v1
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "ord-1", got.OrderID)
		assert.Equal(t, "ord-1", got.Header.IdempotencyKey)
		assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(54)))
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}
}
