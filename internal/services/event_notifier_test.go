package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.WebhookEvent
	err    error
	ctxErr error
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.WebhookEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxErr = ctx.Err()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) last(eventType string) (domain.WebhookEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == eventType {
			return p.events[i], true
		}
	}
	return domain.WebhookEvent{}, false
}

func TestEventNotifierEmitBuildsEnvelope(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	pub := &recordingPublisher{}
	notifier, err := NewEventNotifier(EventNotifierDeps{
		Publisher: pub,
		Clock:     func() time.Time { return now },
		IDGen:     func() string { return "evt-1" },
	})
	if err != nil {
		t.Fatalf("NewEventNotifier: %v", err)
	}

	data := map[string]any{"order_id": "ord_1", "total": int64(49500)}
	notifier.Emit(context.Background(), EventOrderCreated, data, map[string]any{"guest": true})
	data["order_id"] = "mutated"

	event, ok := pub.last(EventOrderCreated)
	if !ok {
		t.Fatalf("expected event to be published")
	}
	if event.ID != "evt-1" || event.Source != "checkout" || !event.Timestamp.Equal(now) || event.Timestamp.Location() != time.UTC {
		t.Fatalf("unexpected envelope %+v", event)
	}
	if event.Data["order_id"] != "ord_1" {
		t.Fatalf("expected data to be copied, got %v", event.Data["order_id"])
	}
	if event.Metadata["guest"] != true {
		t.Fatalf("expected metadata, got %+v", event.Metadata)
	}
}

func TestEventNotifierSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("topic not found")}
	var logged []string
	notifier, err := NewEventNotifier(EventNotifierDeps{
		Publisher: pub,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewEventNotifier: %v", err)
	}

	notifier.Emit(context.Background(), EventPaymentFailed, nil, nil)
	if len(logged) != 1 || logged[0] != "events.emit.failed" {
		t.Fatalf("expected failure to be logged, got %v", logged)
	}
	event, _ := pub.last(EventPaymentFailed)
	if event.Data == nil {
		t.Fatalf("expected empty data map rather than nil")
	}
}

func TestEventNotifierDetachesFromCallerCancellation(t *testing.T) {
	pub := &recordingPublisher{}
	notifier, err := NewEventNotifier(EventNotifierDeps{Publisher: pub})
	if err != nil {
		t.Fatalf("NewEventNotifier: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	notifier.Emit(ctx, EventPaymentSucceeded, map[string]any{"order_id": "ord_1"}, nil)
	if pub.ctxErr != nil {
		t.Fatalf("expected publish context to survive caller cancellation, got %v", pub.ctxErr)
	}
}
