package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ticket-marketplace/models"

	pubnub "github.com/pubnub/go/v7"
)

// Notifier tells a ticket holder about a settlement outcome. Notify never
// blocks the caller and never fails the transition that triggered it.
type Notifier interface {
	Notify(ctx context.Context, userID string, n models.PaymentNotification)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, models.PaymentNotification) {}

// PubNubNotifier publishes notifications on the user's "user-<id>" channel.
type PubNubNotifier struct {
	publish func(channel string, message any) error
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewPubNubNotifier(pn *pubnub.PubNub, logger *slog.Logger) *PubNubNotifier {
	return newPubNubNotifier(func(channel string, message any) error {
		_, st, err := pn.Publish().
			Channel(channel).
			Message(message).
			Execute()
		if err != nil {
			return err
		}
		if st.Error != nil {
			return st.Error
		}
		return nil
	}, logger)
}

func newPubNubNotifier(publish func(channel string, message any) error, logger *slog.Logger) *PubNubNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubNubNotifier{publish: publish, logger: logger}
}

func (n *PubNubNotifier) Notify(_ context.Context, userID string, msg models.PaymentNotification) {
	channel := fmt.Sprintf("user-%s", userID)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("Notification publish panicked", "panic", r, "channel", channel)
			}
		}()

		if err := n.publish(channel, msg); err != nil {
			n.logger.Error("Failed to publish notification", "error", err, "channel", channel, "type", msg.Type, "order_id", msg.OrderID)
		}
	}()
}

// Wait blocks until every notification in flight has been attempted.
func (n *PubNubNotifier) Wait() {
	n.wg.Wait()
}
