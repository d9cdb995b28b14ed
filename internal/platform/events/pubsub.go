package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/karigai/settlement/internal/domain"
)

// PubSubPublisher publishes events to a Pub/Sub topic.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher constructs a Pub/Sub backed publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic}, nil
}

// Publish implements Publisher and waits for the server ack.
func (p *PubSubPublisher) Publish(ctx context.Context, event domain.WebhookEvent) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	attrs := map[string]string{
		"eventId":   event.ID,
		"eventType": event.Type,
	}
	if orderID, ok := event.Data["order_id"].(string); ok && orderID != "" {
		attrs["orderId"] = orderID
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *PubSubPublisher) Close() {
	p.topic.Stop()
}
