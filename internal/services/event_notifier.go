package services

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types emitted by the saga.
const (
	EventOrderCreated     = "order.created"
	EventPaymentStarted   = "payment.started"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"

	eventSource        = "checkout"
	defaultEmitTimeout = 5 * time.Second
)

// EventNotifierDeps wires the lifecycle event emitter.
type EventNotifierDeps struct {
	Publisher EventPublisher
	Clock     func() time.Time
	IDGen     func() string
	Timeout   time.Duration
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type eventNotifier struct {
	publisher EventPublisher
	now       func() time.Time
	newID     func() string
	timeout   time.Duration
	logger    func(context.Context, string, map[string]any)
}

// NewEventNotifier validates dependencies and returns the notifier.
func NewEventNotifier(deps EventNotifierDeps) (EventNotifier, error) {
	if deps.Publisher == nil {
		return nil, errors.New("event notifier: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = uuid.NewString
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultEmitTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &eventNotifier{
		publisher: deps.Publisher,
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Emit publishes the envelope and only logs failures. The publish is detached from caller
// cancellation so a client hanging up does not drop the event.
func (n *eventNotifier) Emit(ctx context.Context, eventType string, data map[string]any, metadata map[string]any) {
	event := WebhookEvent{
		ID:        n.newID(),
		Type:      eventType,
		Timestamp: n.now(),
		Source:    eventSource,
		Data:      maps.Clone(data),
		Metadata:  maps.Clone(metadata),
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.publisher.Publish(pubCtx, event); err != nil {
		n.logger(ctx, "events.emit.failed", map[string]any{
			"eventId":   event.ID,
			"eventType": eventType,
			"error":     err.Error(),
		})
		return
	}
	n.logger(ctx, "events.emitted", map[string]any{"eventId": event.ID, "eventType": eventType})
}
