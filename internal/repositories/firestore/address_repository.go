package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/karigai/settlement/internal/domain"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
)

const addressCollectionPattern = "users/%s/addresses"

// AddressRepository persists the default shipping address of registered users.
type AddressRepository struct {
	provider *pfirestore.Provider
}

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// FindByUser returns the user's default address.
func (r *AddressRepository) FindByUser(ctx context.Context, userID string) (domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return domain.Address{}, err
	}
	iter := coll.Where("isDefault", "==", true).OrderBy("updatedAt", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()
	snaps, err := iter.GetAll()
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.findByUser", err)
	}
	if len(snaps) == 0 {
		return domain.Address{}, pfirestore.NotFound("addresses.findByUser", "address")
	}
	return decodeAddressDocument(snaps[0], userID)
}

// UpsertForUser writes the user's default address in one transaction. When the stored address
// already carries the same content hash nothing is written and written is false.
func (r *AddressRepository) UpsertForUser(ctx context.Context, addr domain.Address) (domain.Address, bool, error) {
	userID := strings.TrimSpace(addr.UserID)
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return domain.Address{}, false, err
	}
	hash := strings.TrimSpace(addr.Hash)
	if hash == "" {
		return domain.Address{}, false, errors.New("address repository: address hash is required")
	}

	var (
		saved   domain.Address
		written bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		written = false
		snaps, err := tx.Documents(coll.Where("isDefault", "==", true).OrderBy("updatedAt", firestore.Desc).Limit(10)).GetAll()
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var (
			docRef *firestore.DocumentRef
			doc    addressDocument
		)
		if len(snaps) > 0 {
			docRef = snaps[0].Ref
			if err := snaps[0].DataTo(&doc); err != nil {
				return fmt.Errorf("decode address %s: %w", docRef.ID, err)
			}
			if doc.Hash == hash {
				saved = doc.toDomain(docRef.ID, userID)
				return nil
			}
		} else {
			docRef = coll.NewDoc()
		}

		now := addr.UpdatedAt.UTC()
		if now.IsZero() {
			now = time.Now().UTC()
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
			if !addr.CreatedAt.IsZero() {
				doc.CreatedAt = addr.CreatedAt.UTC()
			}
		}
		doc.Street = addr.Street
		doc.City = addr.City
		doc.State = addr.State
		doc.PostalCode = addr.PostalCode
		doc.Country = addr.Country
		doc.IsDefault = true
		doc.Hash = hash
		doc.UpdatedAt = now

		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		for _, stale := range snaps {
			if stale.Ref.ID == docRef.ID {
				continue
			}
			if err := tx.Update(stale.Ref, []firestore.Update{{Path: "isDefault", Value: false}}); err != nil {
				return err
			}
		}

		saved = doc.toDomain(docRef.ID, userID)
		written = true
		return nil
	})
	if err != nil {
		return domain.Address{}, false, pfirestore.WrapError("addresses.upsert", err)
	}
	return saved, written, nil
}

func (r *AddressRepository) collection(ctx context.Context, userID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("address repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("address repository: user id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(fmt.Sprintf(addressCollectionPattern, uid)), nil
}

func decodeAddressDocument(snapshot *firestore.DocumentSnapshot, userID string) (domain.Address, error) {
	var doc addressDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Address{}, fmt.Errorf("decode address %s: %w", snapshot.Ref.ID, err)
	}
	return doc.toDomain(snapshot.Ref.ID, userID), nil
}

type addressDocument struct {
	Street     string    `firestore:"street"`
	City       string    `firestore:"city"`
	State      string    `firestore:"state"`
	PostalCode string    `firestore:"postalCode"`
	Country    string    `firestore:"country"`
	IsDefault  bool      `firestore:"isDefault"`
	Hash       string    `firestore:"hash"`
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (d addressDocument) toDomain(id, userID string) domain.Address {
	return domain.Address{
		ID:         id,
		UserID:     strings.TrimSpace(userID),
		Street:     d.Street,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		IsDefault:  d.IsDefault,
		Hash:       d.Hash,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
}
