package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/platform/events"
	"github.com/karigai/settlement/internal/repositories"
)

const (
	defaultWebhookTimeout   = 8 * time.Second
	defaultWebhookRetries   = 3
	defaultWebhookUserAgent = "KarigaiWebhooks/1.0"
	webhookBackoffInitial   = 500 * time.Millisecond
	webhookBackoffMax       = 15 * time.Second
	webhookResponseMaxBytes = 2048

	headerWebhookSignature = "X-Webhook-Signature"
	headerIdempotencyKey   = "X-Idempotency-Key"
)

// ErrWebhookDelivery reports that at least one subscription never accepted the event.
var ErrWebhookDelivery = errors.New("webhook: delivery failed")

// WebhookDispatcherDeps wires the outgoing webhook dispatcher.
type WebhookDispatcherDeps struct {
	Subscriptions repositories.WebhookSubscriptionRepository
	Failures      repositories.WebhookFailureRepository
	HTTPClient    *http.Client
	Timeout       time.Duration
	Retries       int
	UserAgent     string
	Clock         func() time.Time
	// Sleep waits between attempts; it returns early with ctx's error.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type webhookDispatcher struct {
	subscriptions repositories.WebhookSubscriptionRepository
	failures      repositories.WebhookFailureRepository
	client        *http.Client
	timeout       time.Duration
	retries       int
	userAgent     string
	now           func() time.Time
	sleep         func(context.Context, time.Duration) error
	logger        func(context.Context, string, map[string]any)
}

// NewWebhookDispatcher validates dependencies and returns the dispatcher.
func NewWebhookDispatcher(deps WebhookDispatcherDeps) (WebhookDispatcher, error) {
	if deps.Subscriptions == nil {
		return nil, errors.New("webhook dispatcher: subscription repository is required")
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	retries := deps.Retries
	if retries <= 0 {
		retries = defaultWebhookRetries
	}
	userAgent := strings.TrimSpace(deps.UserAgent)
	if userAgent == "" {
		userAgent = defaultWebhookUserAgent
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = gax.Sleep
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookDispatcher{
		subscriptions: deps.Subscriptions,
		failures:      deps.Failures,
		client:        client,
		timeout:       timeout,
		retries:       retries,
		userAgent:     userAgent,
		now:           func() time.Time { return clock().UTC() },
		sleep:         sleep,
		logger:        logger,
	}, nil
}

// Dispatch delivers event to every active subscription listening for its type, concurrently.
// One failing subscription never stops the others. The error is non-nil only when listing
// subscriptions fails, so transports retry the event rather than individual endpoints.
func (d *webhookDispatcher) Dispatch(ctx context.Context, event WebhookEvent) error {
	subs, err := d.subscriptions.ListActive(ctx)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return fmt.Errorf("webhook: list subscriptions: %w", err)
	}

	body, err := events.Encode(event)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	matched := 0
	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		matched++
		wg.Add(1)
		go func(sub domain.WebhookSubscription) {
			defer wg.Done()
			if err := d.deliver(ctx, sub, event, body); err != nil {
				d.logger(ctx, "webhook.delivery.failed", map[string]any{
					"subscriptionId": sub.ID,
					"eventId":        event.ID,
					"eventType":      event.Type,
					"error":          err.Error(),
				})
			}
		}(sub)
	}
	wg.Wait()

	if matched == 0 {
		d.logger(ctx, "webhook.no_subscribers", map[string]any{"eventType": event.Type})
	}
	return nil
}

func (d *webhookDispatcher) deliver(ctx context.Context, sub domain.WebhookSubscription, event WebhookEvent, body []byte) error {
	timeout := d.timeout
	if sub.TimeoutMS > 0 {
		timeout = time.Duration(sub.TimeoutMS) * time.Millisecond
	}
	retries := d.retries
	if sub.Retries > 0 {
		retries = sub.Retries
	}
	signature := SignWebhookPayload(sub.Secret, body)
	backoff := gax.Backoff{Initial: webhookBackoffInitial, Max: webhookBackoffMax, Multiplier: 2}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		status, respBody, err := d.post(ctx, sub.URL, timeout, signature, event.ID, body)
		if err == nil {
			return nil
		}
		lastErr = err
		d.recordFailure(ctx, domain.WebhookFailure{
			SubscriptionID: sub.ID,
			URL:            sub.URL,
			EventType:      event.Type,
			EventID:        event.ID,
			Payload:        body,
			Status:         status,
			ResponseBody:   respBody,
			Attempt:        attempt + 1,
			ErrorMessage:   err.Error(),
			CreatedAt:      d.now(),
		})
		if attempt < retries {
			if err := d.sleep(ctx, backoff.Pause()); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrWebhookDelivery, lastErr)
}

func (d *webhookDispatcher) post(ctx context.Context, url string, timeout time.Duration, signature, eventID string, body []byte) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerWebhookSignature, signature)
	req.Header.Set(headerIdempotencyKey, eventID)
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, webhookResponseMaxBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(snippet), fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, "", nil
}

func (d *webhookDispatcher) recordFailure(ctx context.Context, failure domain.WebhookFailure) {
	if d.failures == nil {
		return
	}
	if err := d.failures.Insert(context.WithoutCancel(ctx), failure); err != nil {
		d.logger(ctx, "webhook.failure_record.failed", map[string]any{
			"subscriptionId": failure.SubscriptionID,
			"error":          err.Error(),
		})
	}
}

// SignWebhookPayload returns the X-Webhook-Signature value for body: "sha256=" plus the hex
// HMAC-SHA256 keyed with the subscription secret.
func SignWebhookPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
