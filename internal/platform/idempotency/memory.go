package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory. Used in tests and single-instance development.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]Record
}

// NewMemoryStore constructs an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, records: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := documentID(key)
	if record, ok := s.records[id]; ok && now.Before(record.ExpiresAt) {
		return classify(record, fingerprint)
	}
	record := pendingRecord(fingerprint, now.Add(ttlOrDefault(ttl)))
	s.records[id] = record
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	if record, ok := s.records[id]; ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = Record{
		Fingerprint: fingerprint,
		Status:      StatusCompleted,
		Response: Response{
			Status:  resp.Status,
			Headers: storableHeaders(resp.Headers),
			Body:    append([]byte(nil), resp.Body...),
		},
		ExpiresAt: s.now().Add(ttlOrDefault(ttl)),
	}
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID(key))
	return nil
}
