package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/karigai/settlement/internal/domain"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
)

const shippingConfigCollection = "shipping_config"

// ShippingConfigRepository reads the flat-rate shipping table.
type ShippingConfigRepository struct {
	configs *pfirestore.Collection[shippingConfigDocument]
}

// NewShippingConfigRepository constructs a Firestore-backed shipping config repository.
func NewShippingConfigRepository(provider *pfirestore.Provider) (*ShippingConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("shipping config repository requires firestore provider")
	}
	return &ShippingConfigRepository{configs: pfirestore.NewCollection[shippingConfigDocument](provider, shippingConfigCollection)}, nil
}

// FindActive returns the newest active shipping config.
func (r *ShippingConfigRepository) FindActive(ctx context.Context) (domain.ShippingConfig, error) {
	snap, err := r.configs.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("active", "==", true).OrderBy("updatedAt", firestore.Desc)
	})
	if err != nil {
		return domain.ShippingConfig{}, err
	}
	doc := snap.Data
	return domain.ShippingConfig{
		HomeCost:           doc.HomeCost,
		OtherCost:          doc.OtherCost,
		HomeDeliveryLabel:  doc.HomeDeliveryLabel,
		OtherDeliveryLabel: doc.OtherDeliveryLabel,
		Active:             doc.Active,
		UpdatedAt:          doc.UpdatedAt.UTC(),
	}, nil
}

type shippingConfigDocument struct {
	HomeCost           int64     `firestore:"homeCost"`
	OtherCost          int64     `firestore:"otherCost"`
	HomeDeliveryLabel  string    `firestore:"homeDeliveryLabel"`
	OtherDeliveryLabel string    `firestore:"otherDeliveryLabel"`
	Active             bool      `firestore:"active"`
	UpdatedAt          time.Time `firestore:"updatedAt"`
}
