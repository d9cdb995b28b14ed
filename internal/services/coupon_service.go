package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/karigai/settlement/internal/repositories"
)

// CouponServiceDeps wires the coupon validator.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	coupons repositories.CouponRepository
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewCouponService validates dependencies and returns the coupon validator.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		coupons: deps.Coupons,
		now:     func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// Validate checks the coupon against expiry, usage limit and minimum purchase and computes the
// discount it grants. It never touches usage counters.
func (s *couponService) Validate(ctx context.Context, code string, subtotal int64) (CouponQuote, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return CouponQuote{}, ErrCouponNotFound
	}

	coupon, err := s.find(ctx, code)
	if err != nil {
		return CouponQuote{}, err
	}
	if !coupon.Active {
		return CouponQuote{}, ErrCouponNotFound
	}
	if coupon.ExpirationDate != nil && coupon.ExpirationDate.Before(s.now()) {
		return CouponQuote{}, ErrCouponExpired
	}
	if coupon.MaxUses != nil {
		used := 0
		if coupon.CurrentUses != nil {
			used = *coupon.CurrentUses
		}
		if used >= *coupon.MaxUses {
			return CouponQuote{}, ErrCouponExhausted
		}
	}
	if coupon.MinPurchase != nil && subtotal < *coupon.MinPurchase {
		return CouponQuote{}, fmt.Errorf("%w: requires %d paise", ErrMinimumPurchaseNotMet, *coupon.MinPurchase)
	}

	return CouponQuote{Coupon: coupon, Discount: couponDiscountFor(coupon, subtotal)}, nil
}

// RecordUsage bumps the coupon's usage counter by one.
func (s *couponService) RecordUsage(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}
	coupon, err := s.find(ctx, code)
	if err != nil {
		return err
	}
	if err := s.coupons.IncrementUsage(ctx, coupon.ID, 1); err != nil {
		s.logger(ctx, "coupon.usage_increment_failed", map[string]any{
			"couponId": coupon.ID,
			"error":    err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}
	return nil
}

func (s *couponService) find(ctx context.Context, code string) (Coupon, error) {
	coupon, err := s.coupons.FindActiveByCode(ctx, code)
	if err == nil {
		return coupon, nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return Coupon{}, ErrCouponNotFound
	}
	s.logger(ctx, "coupon.lookup_failed", map[string]any{"error": err.Error()})
	return Coupon{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
}
