package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "settlement:idem:"

// RedisStore keeps keys in Redis so that every API instance sees the same reservations.
// Expiry is delegated to Redis TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: defaultRedisPrefix, now: time.Now}
}

type redisRecord struct {
	Fingerprint string      `json:"fingerprint"`
	Status      Status      `json:"status"`
	Code        int         `json:"code,omitempty"`
	Headers     http.Header `json:"headers,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

func (r redisRecord) toRecord() Record {
	return Record{
		Fingerprint: r.Fingerprint,
		Status:      r.Status,
		Response:    Response{Status: r.Code, Headers: r.Headers, Body: r.Body},
		ExpiresAt:   r.ExpiresAt,
	}
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	ttl = ttlOrDefault(ttl)
	redisKey := s.prefix + documentID(key)

	// A key that expires between SETNX and GET is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		pending := redisRecord{Fingerprint: fingerprint, Status: StatusPending, ExpiresAt: s.now().Add(ttl)}
		payload, err := json.Marshal(pending)
		if err != nil {
			return Reservation{}, err
		}
		ok, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if ok {
			return Reservation{State: ReservationStateNew, Record: pending.toRecord()}, nil
		}

		existing, err := s.load(ctx, redisKey)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		return classify(existing.toRecord(), fingerprint)
	}
	return Reservation{State: ReservationStatePending}, nil
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, resp Response, ttl time.Duration) error {
	ttl = ttlOrDefault(ttl)
	redisKey := s.prefix + documentID(key)

	existing, err := s.load(ctx, redisKey)
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err == nil && existing.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}

	payload, err := json.Marshal(redisRecord{
		Fingerprint: fingerprint,
		Status:      StatusCompleted,
		Code:        resp.Status,
		Headers:     storableHeaders(resp.Headers),
		Body:        resp.Body,
		ExpiresAt:   s.now().Add(ttl),
	})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+documentID(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, redisKey string) (redisRecord, error) {
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redisRecord{}, err
		}
		return redisRecord{}, fmt.Errorf("idempotency: load: %w", err)
	}
	var record redisRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return redisRecord{}, fmt.Errorf("idempotency: decode: %w", err)
	}
	return record, nil
}
