// Package storage archives settlement incidents to Cloud Storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Incident describes a settlement that took money but could not be recorded.
type Incident struct {
	OrderID        string         `json:"order_id"`
	Kind           string         `json:"kind"`
	GatewayOrderID string         `json:"razorpay_order_id,omitempty"`
	PaymentID      string         `json:"razorpay_payment_id,omitempty"`
	AmountPaise    int64          `json:"amount_paise"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// IncidentArchive persists incidents for manual reconciliation.
type IncidentArchive interface {
	Archive(ctx context.Context, incident Incident) (string, error)
}

type objectOpener func(ctx context.Context, bucket, object string) io.WriteCloser

// GCSIncidentArchive writes each incident as a JSON object that is never overwritten.
type GCSIncidentArchive struct {
	bucket string
	prefix string
	open   objectOpener
	now    func() time.Time
}

// NewGCSIncidentArchive constructs an archive writing to bucket under prefix.
func NewGCSIncidentArchive(client *storage.Client, bucket, prefix string) (*GCSIncidentArchive, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	return &GCSIncidentArchive{
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		open: func(ctx context.Context, bucket, object string) io.WriteCloser {
			w := client.Bucket(bucket).Object(object).
				If(storage.Conditions{DoesNotExist: true}).
				NewWriter(ctx)
			w.ContentType = "application/json"
			w.Metadata = map[string]string{"source": "settlement"}
			return w
		},
	}, nil
}

// Archive implements IncidentArchive and returns the gs:// URI of the written object.
func (a *GCSIncidentArchive) Archive(ctx context.Context, incident Incident) (string, error) {
	if incident.OccurredAt.IsZero() {
		incident.OccurredAt = a.now().UTC()
	}
	object, err := IncidentPath(a.prefix, incident.OrderID, incident.OccurredAt)
	if err != nil {
		return "", err
	}
	payload, err := json.MarshalIndent(incident, "", "  ")
	if err != nil {
		return "", fmt.Errorf("storage: encode incident: %w", err)
	}

	w := a.open(ctx, a.bucket, object)
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: close %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
