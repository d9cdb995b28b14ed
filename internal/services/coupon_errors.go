package services

import "errors"

var (
	// ErrCouponNotFound indicates no active coupon exists for the code.
	ErrCouponNotFound = errors.New("coupon service: coupon not found")
	// ErrCouponExpired indicates the coupon's expiration date has passed.
	ErrCouponExpired = errors.New("coupon service: coupon expired")
	// ErrCouponExhausted indicates the coupon reached its usage limit.
	ErrCouponExhausted = errors.New("coupon service: coupon usage limit reached")
	// ErrMinimumPurchaseNotMet indicates the subtotal is below the coupon's minimum purchase.
	ErrMinimumPurchaseNotMet = errors.New("coupon service: minimum purchase not met")
	// ErrCouponUnavailable indicates the coupon store could not be reached.
	ErrCouponUnavailable = errors.New("coupon service: unavailable")
)

// IsCouponRejection reports whether err is one of the user-facing coupon validation failures.
func IsCouponRejection(err error) bool {
	return errors.Is(err, ErrCouponNotFound) ||
		errors.Is(err, ErrCouponExpired) ||
		errors.Is(err, ErrCouponExhausted) ||
		errors.Is(err, ErrMinimumPurchaseNotMet)
}
