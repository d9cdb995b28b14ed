package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreReserveCompleteReplay(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	res, err := store.Reserve(ctx, "key-1", "fp", time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v err=%v", res.State, err)
	}
	res, err = store.Reserve(ctx, "key-1", "fp", time.Hour)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v err=%v", res.State, err)
	}

	headers := http.Header{"Content-Type": {"application/json"}, "Content-Length": {"12"}}
	if err := store.Complete(ctx, "key-1", "fp", Response{Status: 201, Headers: headers, Body: []byte(`{"ok":true}`)}, time.Hour); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, err = store.Reserve(ctx, "key-1", "fp", time.Hour)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %v err=%v", res.State, err)
	}
	if res.Record.Response.Status != 201 || string(res.Record.Response.Body) != `{"ok":true}` {
		t.Fatalf("unexpected stored response %+v", res.Record.Response)
	}
	if res.Record.Response.Headers.Get("Content-Length") != "" {
		t.Fatalf("expected hop headers to be dropped")
	}
}

func TestRedisStoreFingerprintMismatch(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "key-2", "fp-a", time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := store.Reserve(ctx, "key-2", "fp-b", time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestRedisStoreReleaseAndExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "key-3", "fp", time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Release(ctx, "key-3"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res, _ := store.Reserve(ctx, "key-3", "fp", time.Minute); res.State != ReservationStateNew {
		t.Fatalf("expected released key to be new, got %v", res.State)
	}

	mr.FastForward(2 * time.Minute)
	if res, _ := store.Reserve(ctx, "key-3", "other", time.Minute); res.State != ReservationStateNew {
		t.Fatalf("expected expired key to be new, got %v", res.State)
	}
}
