package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
)

const defaultCollection = "idempotency_keys"

// FirestoreStore keeps keys in Firestore. Reservations are transactional so two instances
// cannot both own a key.
type FirestoreStore struct {
	provider *pfirestore.Provider
	keys     *pfirestore.Collection[firestoreRecord]
	now      func() time.Time
}

// NewFirestoreStore constructs a Firestore-backed store on the idempotency_keys collection.
func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{
		provider: provider,
		keys:     pfirestore.NewCollection[firestoreRecord](provider, defaultCollection),
		now:      time.Now,
	}
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	id := documentID(key)
	ttl = ttlOrDefault(ttl)

	var result Reservation
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		now := s.now().UTC()
		snap, err := s.keys.Get(ctx, id)
		switch {
		case err == nil && now.Before(snap.Data.ExpiresAt):
			result, err = classify(snap.Data.toRecord(), fingerprint)
			return err
		case err != nil && !isNotFound(err):
			return err
		}

		record := firestoreRecord{
			Fingerprint: fingerprint,
			Status:      string(StatusPending),
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := s.keys.Set(ctx, id, record); err != nil {
			return err
		}
		result = Reservation{State: ReservationStateNew, Record: record.toRecord()}
		return nil
	})
	return result, err
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, ttl time.Duration) error {
	id := documentID(key)
	ttl = ttlOrDefault(ttl)

	return s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		now := s.now().UTC()
		created := now
		snap, err := s.keys.Get(ctx, id)
		switch {
		case err == nil:
			if snap.Data.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			created = snap.Data.CreatedAt
		case !isNotFound(err):
			return err
		}
		return s.keys.Set(ctx, id, firestoreRecord{
			Fingerprint:     fingerprint,
			Status:          string(StatusCompleted),
			ResponseStatus:  resp.Status,
			ResponseHeaders: storableHeaders(resp.Headers),
			ResponseBody:    resp.Body,
			CreatedAt:       created,
			ExpiresAt:       now.Add(ttl),
		})
	})
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	doc, err := s.keys.Doc(ctx, documentID(key))
	if err != nil {
		return err
	}
	_, err = doc.Delete(ctx)
	if isNotFound(pfirestore.WrapError("idempotency.release", err)) {
		return nil
	}
	return pfirestore.WrapError("idempotency.release", err)
}

func isNotFound(err error) bool {
	var nf interface{ IsNotFound() bool }
	return errors.As(err, &nf) && nf.IsNotFound()
}

type firestoreRecord struct {
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Fingerprint: r.Fingerprint,
		Status:      Status(r.Status),
		Response:    Response{Status: r.ResponseStatus, Headers: r.ResponseHeaders, Body: r.ResponseBody},
		ExpiresAt:   r.ExpiresAt,
	}
}
