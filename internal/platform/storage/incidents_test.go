package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

type bufferObject struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (b *bufferObject) Close() error {
	b.closed = true
	return b.closeErr
}

func newTestArchive(obj *bufferObject, gotObject *string) *GCSIncidentArchive {
	return &GCSIncidentArchive{
		bucket: "karigai-ops",
		prefix: "incidents",
		now:    func() time.Time { return time.Date(2025, time.June, 1, 8, 30, 0, 5, time.UTC) },
		open: func(_ context.Context, _ string, object string) io.WriteCloser {
			*gotObject = object
			return obj
		},
	}
}

func TestIncidentPath(t *testing.T) {
	at := time.Date(2025, time.June, 1, 8, 30, 0, 5, time.UTC)
	path, err := IncidentPath("ops/incidents/", "ord_01J", at)
	if err != nil {
		t.Fatalf("IncidentPath: %v", err)
	}
	if want := "ops/incidents/ord_01J/20250601T083000.000000005Z.json"; path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}

	if _, err := IncidentPath("", "../ord", at); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := IncidentPath("a/../b", "ord", at); err == nil {
		t.Fatalf("expected traversal in prefix to be rejected")
	}
}

func TestArchiveWritesIncident(t *testing.T) {
	obj := &bufferObject{}
	var object string
	archive := newTestArchive(obj, &object)

	uri, err := archive.Archive(context.Background(), Incident{
		OrderID:     "ord_01J",
		Kind:        "payment_issue",
		PaymentID:   "pay_123",
		AmountPaise: 49500,
		Attempts:    3,
		LastError:   "firestore unavailable",
	})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if want := "gs://karigai-ops/incidents/ord_01J/20250601T083000.000000005Z.json"; uri != want {
		t.Fatalf("expected %s, got %s", want, uri)
	}
	if !obj.closed {
		t.Fatalf("expected writer to be closed")
	}

	var decoded Incident
	if err := json.Unmarshal(obj.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.PaymentID != "pay_123" || decoded.Attempts != 3 || decoded.OccurredAt.IsZero() {
		t.Fatalf("unexpected incident %+v", decoded)
	}
}

func TestArchiveSurfacesCloseError(t *testing.T) {
	obj := &bufferObject{closeErr: errors.New("precondition failed")}
	var object string
	archive := newTestArchive(obj, &object)

	if _, err := archive.Archive(context.Background(), Incident{OrderID: "ord_01J"}); err == nil {
		t.Fatalf("expected close error to surface")
	}
}

func TestNewGCSIncidentArchiveValidates(t *testing.T) {
	if _, err := NewGCSIncidentArchive(nil, "bucket", ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
