package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/karigai/settlement/internal/domain"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
)

const offersCollection = "offers"

// OfferRepository reads storewide offers from Firestore.
type OfferRepository struct {
	offers *pfirestore.Collection[offerDocument]
}

// NewOfferRepository constructs a Firestore-backed offer repository.
func NewOfferRepository(provider *pfirestore.Provider) (*OfferRepository, error) {
	if provider == nil {
		return nil, errors.New("offer repository requires firestore provider")
	}
	return &OfferRepository{offers: pfirestore.NewCollection[offerDocument](provider, offersCollection)}, nil
}

// FindActive returns the most recently updated active offer.
func (r *OfferRepository) FindActive(ctx context.Context) (domain.Offer, error) {
	snap, err := r.offers.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("active", "==", true).OrderBy("updatedAt", firestore.Desc)
	})
	if err != nil {
		return domain.Offer{}, err
	}
	return domain.Offer{
		ID:                 snap.ID,
		Title:              snap.Data.Title,
		Active:             snap.Data.Active,
		DiscountPercentage: snap.Data.DiscountPercentage,
		MinOrderValue:      snap.Data.MinOrderValue,
	}, nil
}

type offerDocument struct {
	Title              string    `firestore:"title"`
	Active             bool      `firestore:"active"`
	DiscountPercentage float64   `firestore:"discountPercentage"`
	MinOrderValue      *int64    `firestore:"minOrderValue,omitempty"`
	UpdatedAt          time.Time `firestore:"updatedAt"`
}
