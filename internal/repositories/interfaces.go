package repositories

import (
	"context"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Addresses() AddressRepository
	Coupons() CouponRepository
	Offers() OfferRepository
	ShippingConfig() ShippingConfigRepository
	Webhooks() WebhookSubscriptionRepository
	WebhookFailures() WebhookFailureRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderMutation receives the stored order read inside the write transaction and returns the
// patch to apply plus the total to store. A non-nil error aborts the write and stays matchable
// with errors.Is.
type OrderMutation func(current domain.Order) (domain.OrderPatch, int64, error)

// OrderRepository persists settlement orders. Update applies only the non-nil patch fields
// together with the recomputed total, never the line-item or address snapshot. The mutation may
// run more than once when the transaction is retried.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, orderID string, mutate OrderMutation, updatedAt time.Time) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
}

// AddressRepository stores at most one default shipping address per registered user.
type AddressRepository interface {
	// FindByUser returns the user's address. Should return a RepositoryError with IsNotFound when none exists.
	FindByUser(ctx context.Context, userID string) (domain.Address, error)
	// UpsertForUser creates or updates the user's address in a single transaction and reports
	// whether a write happened.
	UpsertForUser(ctx context.Context, addr domain.Address) (domain.Address, bool, error)
}

// CouponRepository reads discount codes and maintains their usage counters.
type CouponRepository interface {
	// FindActiveByCode performs an exact, case-sensitive lookup restricted to active coupons.
	FindActiveByCode(ctx context.Context, code string) (domain.Coupon, error)
	IncrementUsage(ctx context.Context, couponID string, delta int) error
}

// OfferRepository exposes the currently running storewide offer, if any.
type OfferRepository interface {
	// FindActive returns the active offer or a RepositoryError with IsNotFound.
	FindActive(ctx context.Context) (domain.Offer, error)
}

// ShippingConfigRepository loads the flat-rate shipping table.
type ShippingConfigRepository interface {
	// FindActive returns the newest active config or a RepositoryError with IsNotFound.
	FindActive(ctx context.Context) (domain.ShippingConfig, error)
}

// WebhookSubscriptionRepository lists webhook subscribers.
type WebhookSubscriptionRepository interface {
	ListActive(ctx context.Context) ([]domain.WebhookSubscription, error)
}

// WebhookFailureRepository records failed webhook deliveries for later inspection.
type WebhookFailureRepository interface {
	Insert(ctx context.Context, failure domain.WebhookFailure) error
}
