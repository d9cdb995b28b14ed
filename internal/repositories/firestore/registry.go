package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
	"github.com/karigai/settlement/internal/repositories"
)

const firestoreProbeName = "firestore"

// Registry bundles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider        *pfirestore.Provider
	orders          *OrderRepository
	addresses       *AddressRepository
	coupons         *CouponRepository
	offers          *OfferRepository
	shipping        *ShippingConfigRepository
	webhooks        *WebhookRepository
	webhookFailures *WebhookFailureRepository
	health          repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on provider. The Firestore ping is always registered as a
// critical readiness probe; extra probes (Redis, event transport) are appended after it.
func NewRegistry(provider *pfirestore.Provider, now func() time.Time, extraProbes ...repositories.Probe) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider}

	var err error
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.addresses, err = NewAddressRepository(provider); err != nil {
		return nil, err
	}
	if reg.coupons, err = NewCouponRepository(provider); err != nil {
		return nil, err
	}
	if reg.offers, err = NewOfferRepository(provider); err != nil {
		return nil, err
	}
	if reg.shipping, err = NewShippingConfigRepository(provider); err != nil {
		return nil, err
	}
	if reg.webhooks, err = NewWebhookRepository(provider); err != nil {
		return nil, err
	}
	if reg.webhookFailures, err = NewWebhookFailureRepository(provider); err != nil {
		return nil, err
	}

	probes := append([]repositories.Probe{{
		Name:     firestoreProbeName,
		Critical: true,
		Check:    provider.Ping,
	}}, extraProbes...)
	if reg.health, err = repositories.NewProbeHealthRepository(probes, now); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Addresses() repositories.AddressRepository { return r.addresses }
func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }
func (r *Registry) Offers() repositories.OfferRepository { return r.offers }
func (r *Registry) ShippingConfig() repositories.ShippingConfigRepository { return r.shipping }
func (r *Registry) Webhooks() repositories.WebhookSubscriptionRepository { return r.webhooks }
func (r *Registry) WebhookFailures() repositories.WebhookFailureRepository {
	return r.webhookFailures
}

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx satisfies repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
