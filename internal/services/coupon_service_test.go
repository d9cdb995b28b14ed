package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
)

type stubCouponRepo struct {
	mu         sync.Mutex
	coupons    map[string]domain.Coupon
	findErr    error
	incErr     error
	increments map[string]int
}

func (s *stubCouponRepo) FindActiveByCode(_ context.Context, code string) (domain.Coupon, error) {
	if s.findErr != nil {
		return domain.Coupon{}, s.findErr
	}
	coupon, ok := s.coupons[code]
	if !ok {
		return domain.Coupon{}, fakeRepositoryError{notFound: true}
	}
	return coupon, nil
}

func (s *stubCouponRepo) IncrementUsage(_ context.Context, couponID string, delta int) error {
	if s.incErr != nil {
		return s.incErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.increments == nil {
		s.increments = make(map[string]int)
	}
	s.increments[couponID] += delta
	return nil
}

func (s *stubCouponRepo) usage(couponID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increments[couponID]
}

func TestCouponServiceValidate(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{
		"SAVE10":  {ID: "c1", Code: "SAVE10", Active: true, DiscountType: domain.DiscountTypePercentage, DiscountValue: 10, ExpirationDate: &tomorrow},
		"OLD":     {ID: "c2", Code: "OLD", Active: true, DiscountType: domain.DiscountTypePercentage, DiscountValue: 10, ExpirationDate: &yesterday},
		"USEDUP":  {ID: "c3", Code: "USEDUP", Active: true, DiscountType: domain.DiscountTypeFixed, DiscountValue: 50, MaxUses: intPtr(5), CurrentUses: intPtr(5)},
		"BIGCART": {ID: "c4", Code: "BIGCART", Active: true, DiscountType: domain.DiscountTypeFixed, DiscountValue: 100, MinPurchase: int64Ptr(100000)},
		"PAUSED":  {ID: "c5", Code: "PAUSED", Active: false, DiscountType: domain.DiscountTypeFixed, DiscountValue: 10},
		"FRESH":   {ID: "c6", Code: "FRESH", Active: true, DiscountType: domain.DiscountTypeFixed, DiscountValue: 75.5, MaxUses: intPtr(1)},
	}}
	svc, err := NewCouponService(CouponServiceDeps{Coupons: repo, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}

	tests := []struct {
		code     string
		subtotal int64
		wantErr  error
		discount int64
	}{
		{code: "SAVE10", subtotal: 50000, discount: 5000},
		{code: "FRESH", subtotal: 50000, discount: 7550},
		{code: "OLD", subtotal: 50000, wantErr: ErrCouponExpired},
		{code: "USEDUP", subtotal: 50000, wantErr: ErrCouponExhausted},
		{code: "BIGCART", subtotal: 99999, wantErr: ErrMinimumPurchaseNotMet},
		{code: "BIGCART", subtotal: 100000, discount: 10000},
		{code: "PAUSED", subtotal: 50000, wantErr: ErrCouponNotFound},
		{code: "save10", subtotal: 50000, wantErr: ErrCouponNotFound},
		{code: "  ", subtotal: 50000, wantErr: ErrCouponNotFound},
	}
	for _, tc := range tests {
		quote, err := svc.Validate(context.Background(), tc.code, tc.subtotal)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%q: expected %v, got %v", tc.code, tc.wantErr, err)
			}
			if !IsCouponRejection(err) {
				t.Fatalf("%q: expected a user-facing rejection", tc.code)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.code, err)
		}
		if quote.Discount != tc.discount {
			t.Fatalf("%q: expected discount %d, got %d", tc.code, tc.discount, quote.Discount)
		}
	}
	if repo.usage("c1") != 0 {
		t.Fatalf("expected validation to leave usage untouched")
	}
}

func TestCouponServiceValidateUnavailable(t *testing.T) {
	svc, err := NewCouponService(CouponServiceDeps{Coupons: &stubCouponRepo{findErr: errors.New("firestore down")}})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	_, err = svc.Validate(context.Background(), "SAVE10", 1000)
	if !errors.Is(err, ErrCouponUnavailable) {
		t.Fatalf("expected ErrCouponUnavailable, got %v", err)
	}
	if IsCouponRejection(err) {
		t.Fatalf("expected outage not to be reported as a rejection")
	}
}

func TestCouponServiceRecordUsage(t *testing.T) {
	repo := &stubCouponRepo{coupons: map[string]domain.Coupon{
		"SAVE10": {ID: "c1", Code: "SAVE10", Active: true},
	}}
	svc, err := NewCouponService(CouponServiceDeps{Coupons: repo})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := svc.RecordUsage(context.Background(), "SAVE10"); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
	if got := repo.usage("c1"); got != 2 {
		t.Fatalf("expected usage 2, got %d", got)
	}
	if err := svc.RecordUsage(context.Background(), ""); err != nil {
		t.Fatalf("expected empty code to be ignored, got %v", err)
	}
	if err := svc.RecordUsage(context.Background(), "MISSING"); !errors.Is(err, ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}

	repo.incErr = errors.New("aborted")
	if err := svc.RecordUsage(context.Background(), "SAVE10"); !errors.Is(err, ErrCouponUnavailable) {
		t.Fatalf("expected ErrCouponUnavailable, got %v", err)
	}
}
