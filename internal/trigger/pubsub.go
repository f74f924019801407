// Package trigger holds recalculation triggers that bypass the outbox.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"example.com/workoutdedup/internal/events"
)

type publisher interface {
	Publish(ctx context.Context, topicID string, msg *pubsub.Message) (string, error)
}

// ClientPublisher adapts a Pub/Sub client to the publisher used by PubSubTrigger.
type ClientPublisher struct {
	Client *pubsub.Client
}

// Publish sends msg and waits for the server to assign it an id.
func (p ClientPublisher) Publish(ctx context.Context, topicID string, msg *pubsub.Message) (string, error) {
	return p.Client.Topic(topicID).Publish(ctx, msg).Get(ctx)
}

// PubSubTrigger publishes LoadRecalculationRequested CloudEvents to a Pub/Sub topic.
type PubSubTrigger struct {
	pub     publisher
	topicID string
	logger  *slog.Logger
}

// NewPubSubTrigger constructs a PubSubTrigger.
func NewPubSubTrigger(pub publisher, topicID string, logger *slog.Logger) *PubSubTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubTrigger{pub: pub, topicID: topicID, logger: logger.With("component", "pubsub-trigger")}
}

// Enqueue implements domain.LoadRecalculator.
func (t *PubSubTrigger) Enqueue(ctx context.Context, userID string, from time.Time) error {
	evt, err := events.NewRecalculationEvent(userID, from)
	if err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	msgID, err := t.pub.Publish(ctx, t.topicID, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"ce-type":    evt.Type(),
			"ce-id":      evt.ID(),
			"ce-subject": userID,
		},
	})
	if err != nil {
		return fmt.Errorf("publishing recalculation request to %s: %w", t.topicID, err)
	}
	t.logger.Info("recalculation requested",
		"topic", t.topicID,
		"user_id", userID,
		"from", from.Format(time.DateOnly),
		"event_id", evt.ID(),
		"message_id", msgID)
	return nil
}
