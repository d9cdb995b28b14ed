package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/karigai/settlement/internal/domain"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
)

const couponsCollection = "coupons"

// CouponRepository reads discount codes from Firestore.
type CouponRepository struct {
	coupons *pfirestore.Collection[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{coupons: pfirestore.NewCollection[couponDocument](provider, couponsCollection)}, nil
}

// FindActiveByCode matches the code exactly; "save10" does not find "SAVE10".
func (r *CouponRepository) FindActiveByCode(ctx context.Context, code string) (domain.Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Coupon{}, pfirestore.NotFound("coupons.findActiveByCode", "coupon")
	}
	snap, err := r.coupons.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", code).Where("active", "==", true)
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	return snap.Data.toDomain(snap.ID), nil
}

// IncrementUsage bumps currentUses server-side so concurrent settlements never lose a count.
func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID string, delta int) error {
	id := strings.TrimSpace(couponID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	if delta == 0 {
		return nil
	}
	return r.coupons.Update(ctx, id, []firestore.Update{
		{Path: "currentUses", Value: firestore.Increment(delta)},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
}

type couponDocument struct {
	Code           string     `firestore:"code"`
	Active         bool       `firestore:"active"`
	DiscountType   string     `firestore:"discountType"`
	DiscountValue  float64    `firestore:"discountValue"`
	MinPurchase    *int64     `firestore:"minPurchase,omitempty"`
	MaxUses        *int       `firestore:"maxUses,omitempty"`
	CurrentUses    *int       `firestore:"currentUses,omitempty"`
	ExpirationDate *time.Time `firestore:"expirationDate,omitempty"`
	UpdatedAt      time.Time  `firestore:"updatedAt,omitempty"`
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	coupon := domain.Coupon{
		ID:            id,
		Code:          d.Code,
		Active:        d.Active,
		DiscountType:  domain.DiscountType(strings.ToLower(strings.TrimSpace(d.DiscountType))),
		DiscountValue: d.DiscountValue,
		MinPurchase:   d.MinPurchase,
		MaxUses:       d.MaxUses,
		CurrentUses:   d.CurrentUses,
	}
	if d.ExpirationDate != nil {
		expires := d.ExpirationDate.UTC()
		coupon.ExpirationDate = &expires
	}
	return coupon
}
