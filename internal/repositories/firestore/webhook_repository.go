package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/karigai/settlement/internal/domain"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
)

const (
	webhooksCollection        = "webhooks"
	webhookFailuresCollection = "webhook_failures"
)

// WebhookRepository lists webhook subscriptions.
type WebhookRepository struct {
	webhooks *pfirestore.Collection[webhookDocument]
}

// NewWebhookRepository constructs a Firestore-backed webhook subscription repository.
func NewWebhookRepository(provider *pfirestore.Provider) (*WebhookRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook repository requires firestore provider")
	}
	return &WebhookRepository{webhooks: pfirestore.NewCollection[webhookDocument](provider, webhooksCollection)}, nil
}

// ListActive returns every active subscription. An empty collection is not an error.
func (r *WebhookRepository) ListActive(ctx context.Context) ([]domain.WebhookSubscription, error) {
	snaps, err := r.webhooks.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("active", "==", true)
	})
	if err != nil {
		return nil, err
	}
	subs := make([]domain.WebhookSubscription, 0, len(snaps))
	for _, snap := range snaps {
		d := snap.Data
		subs = append(subs, domain.WebhookSubscription{
			ID:          snap.ID,
			URL:         d.URL,
			Events:      append([]string(nil), d.Events...),
			Secret:      d.Secret,
			Active:      d.Active,
			TimeoutMS:   d.TimeoutMS,
			Retries:     d.Retries,
			Description: d.Description,
		})
	}
	return subs, nil
}

type webhookDocument struct {
	URL         string   `firestore:"url"`
	Events      []string `firestore:"events"`
	Secret      string   `firestore:"secret"`
	Active      bool     `firestore:"active"`
	TimeoutMS   int      `firestore:"timeoutMs,omitempty"`
	Retries     int      `firestore:"retries,omitempty"`
	Description string   `firestore:"description,omitempty"`
}

// WebhookFailureRepository appends failed delivery attempts.
type WebhookFailureRepository struct {
	failures *pfirestore.Collection[webhookFailureDocument]
}

// NewWebhookFailureRepository constructs a Firestore-backed failure log.
func NewWebhookFailureRepository(provider *pfirestore.Provider) (*WebhookFailureRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook failure repository requires firestore provider")
	}
	return &WebhookFailureRepository{failures: pfirestore.NewCollection[webhookFailureDocument](provider, webhookFailuresCollection)}, nil
}

// Insert stores one failure under a generated id.
func (r *WebhookFailureRepository) Insert(ctx context.Context, failure domain.WebhookFailure) error {
	ref, err := r.failures.NewDoc(ctx)
	if err != nil {
		return err
	}
	createdAt := failure.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return r.failures.Create(ctx, ref.ID, webhookFailureDocument{
		WebhookID:    failure.SubscriptionID,
		URL:          failure.URL,
		EventType:    failure.EventType,
		EventID:      failure.EventID,
		Payload:      string(failure.Payload),
		Status:       failure.Status,
		ResponseBody: failure.ResponseBody,
		Attempt:      failure.Attempt,
		Error:        failure.ErrorMessage,
		CreatedAt:    createdAt,
	})
}

type webhookFailureDocument struct {
	WebhookID    string    `firestore:"webhookId"`
	URL          string    `firestore:"url"`
	EventType    string    `firestore:"eventType"`
	EventID      string    `firestore:"eventId"`
	Payload      string    `firestore:"payload"`
	Status       int       `firestore:"status,omitempty"`
	ResponseBody string    `firestore:"responseBody,omitempty"`
	Attempt      int       `firestore:"attempt"`
	Error        string    `firestore:"error,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
}
