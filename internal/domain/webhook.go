package domain

import (
	"slices"
	"time"
)

// WebhookEvent is the envelope delivered to webhook subscribers.
type WebhookEvent struct {
	ID        string
	Type      string
	Timestamp time.Time
	Source    string
	Data      map[string]any
	Metadata  map[string]any
}

// WebhookSubscription describes an external endpoint interested in lifecycle events.
type WebhookSubscription struct {
	ID          string
	URL         string
	Events      []string
	Secret      string
	Active      bool
	TimeoutMS   int
	Retries     int
	Description string
}

// Wants reports whether the subscription is active and listens for the event type.
func (s WebhookSubscription) Wants(eventType string) bool {
	return s.Active && slices.Contains(s.Events, eventType)
}

// WebhookFailure records one failed delivery attempt.
type WebhookFailure struct {
	SubscriptionID string
	URL            string
	EventType      string
	EventID        string
	Payload        []byte
	Status         int
	ResponseBody   string
	Attempt        int
	ErrorMessage   string
	CreatedAt      time.Time
}
