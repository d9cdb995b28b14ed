// Package events carries checkout lifecycle events between the saga and the webhook dispatcher.
package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/karigai/settlement/internal/domain"
)

// Publisher hands an event to the configured transport.
type Publisher interface {
	Publish(ctx context.Context, event domain.WebhookEvent) error
}

// Handler consumes one decoded event.
type Handler func(ctx context.Context, event domain.WebhookEvent) error

// ErrMalformedEvent marks payloads that can never be decoded; transports drop them instead of retrying.
var ErrMalformedEvent = errors.New("events: malformed event")

type envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Encode renders the wire form of event. The same bytes are signed and POSTed to subscribers.
func Encode(event domain.WebhookEvent) ([]byte, error) {
	data, err := json.Marshal(envelope{
		ID:        event.ID,
		Type:      event.Type,
		Timestamp: event.Timestamp.UTC(),
		Source:    event.Source,
		Data:      event.Data,
		Metadata:  event.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", event.Type, err)
	}
	return data, nil
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (domain.WebhookEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return domain.WebhookEvent{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	return domain.WebhookEvent{
		ID:        env.ID,
		Type:      env.Type,
		Timestamp: env.Timestamp,
		Source:    env.Source,
		Data:      env.Data,
		Metadata:  env.Metadata,
	}, nil
}

// PushRequest is the body Pub/Sub POSTs to a push subscription endpoint.
type PushRequest struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush unwraps a Pub/Sub push body into the event it carries.
func DecodePush(body []byte) (domain.WebhookEvent, error) {
	var push PushRequest
	if err := json.Unmarshal(body, &push); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: push body: %v", ErrMalformedEvent, err)
	}
	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: push data: %v", ErrMalformedEvent, err)
	}
	return Decode(raw)
}

// NopPublisher drops events. Used when no transport is configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, domain.WebhookEvent) error { return nil }
