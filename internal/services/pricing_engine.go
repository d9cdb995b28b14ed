package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/repositories"
)

var (
	// ErrPricingInvalidInput signals bad request data such as an empty cart or negative prices.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingUnavailable indicates pricing dependencies could not be reached.
	ErrPricingUnavailable = errors.New("pricing: unavailable")
)

// PriceInput is everything ComputePrice needs. It carries no clock and performs no I/O.
type PriceInput struct {
	Lines       []CartLine
	Destination Destination
	Coupon      *Coupon
	Offer       *Offer
	Shipping    ShippingConfig
	// Regions defaults to the postal-code classifier when nil.
	Regions RegionClassifier
}

// ComputePrice derives the price breakdown for a cart. Identical inputs always produce an
// identical breakdown, so it is safe to call for display and again before charging.
func ComputePrice(in PriceInput) PriceBreakdown {
	regions := in.Regions
	if regions == nil {
		regions = NewPostalRegionClassifier()
	}

	subtotal := cartSubtotal(in.Lines)

	var couponDiscount int64
	couponCode := ""
	if in.Coupon != nil {
		couponDiscount = couponDiscountFor(*in.Coupon, subtotal)
		couponCode = in.Coupon.Code
	}

	var offerDiscount int64
	if in.Offer != nil && offerApplies(*in.Offer, subtotal) {
		offerDiscount = domain.PercentOf(subtotal, in.Offer.DiscountPercentage)
	}

	home := isHomeDestination(regions, in.Destination)
	shipping, label := shippingFor(in.Lines, home, in.Shipping)

	breakdown := PriceBreakdown{
		Subtotal:         subtotal,
		CouponDiscount:   couponDiscount,
		OfferDiscount:    offerDiscount,
		TotalDiscount:    couponDiscount + offerDiscount,
		ShippingIncluded: in.Destination.HasState(),
		HomeRegion:       home,
		CouponCode:       couponCode,
	}
	if breakdown.ShippingIncluded {
		breakdown.ShippingCost = shipping
		breakdown.EstimatedDeliveryLabel = label
	}
	breakdown.FinalTotal = domain.OrderTotal(breakdown.Subtotal, breakdown.ShippingCost, breakdown.TotalDiscount)
	return breakdown
}

func cartSubtotal(lines []CartLine) int64 {
	var subtotal int64
	for _, line := range lines {
		subtotal += line.UnitPrice * int64(line.Quantity)
	}
	return subtotal
}

func couponDiscountFor(coupon Coupon, subtotal int64) int64 {
	switch coupon.DiscountType {
	case domain.DiscountTypePercentage:
		return domain.PercentOf(subtotal, coupon.DiscountValue)
	case domain.DiscountTypeFixed:
		return domain.RupeesToPaise(coupon.DiscountValue)
	default:
		return 0
	}
}

func offerApplies(offer Offer, subtotal int64) bool {
	if !offer.Active {
		return false
	}
	return offer.MinOrderValue == nil || subtotal >= *offer.MinOrderValue
}

func allLinesShipFree(lines []CartLine) bool {
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		if !line.FreeShipping {
			return false
		}
	}
	return true
}

// isHomeDestination prefers a PIN code, even one typed into the state field, over the state name.
func isHomeDestination(regions RegionClassifier, dest Destination) bool {
	state := strings.TrimSpace(dest.State)
	if IsPostalCode(state) {
		return regions.IsHomeRegion(state)
	}
	if IsPostalCode(dest.PostalCode) {
		return regions.IsHomeRegion(dest.PostalCode)
	}
	return regions.IsHomeRegion(state)
}

func shippingFor(lines []CartLine, home bool, cfg ShippingConfig) (int64, string) {
	label := cfg.OtherDeliveryLabel
	cost := cfg.OtherCost
	if home {
		label = cfg.HomeDeliveryLabel
		cost = cfg.HomeCost
	}
	if allLinesShipFree(lines) {
		cost = 0
	}
	return cost, label
}

// ValidateCartLines enforces the structural rules every priced cart must meet.
func ValidateCartLines(lines []CartLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrPricingInvalidInput)
	}
	for i, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return fmt.Errorf("%w: line %d has no product", ErrPricingInvalidInput, i)
		}
		if line.Quantity < 1 {
			return fmt.Errorf("%w: line %d quantity must be at least 1", ErrPricingInvalidInput, i)
		}
		if line.UnitPrice < 0 {
			return fmt.Errorf("%w: line %d has a negative price", ErrPricingInvalidInput, i)
		}
	}
	return nil
}

// PricingEngineDeps wires the collaborators behind Quote.
type PricingEngineDeps struct {
	Shipping ShippingConfigService
	Coupons  CouponService
	Offers   repositories.OfferRepository
	Regions  RegionClassifier
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type pricingEngine struct {
	shipping ShippingConfigService
	coupons  CouponService
	offers   repositories.OfferRepository
	regions  RegionClassifier
	logger   func(context.Context, string, map[string]any)
}

// NewPricingEngine validates dependencies and returns the engine used by quotes and checkout.
func NewPricingEngine(deps PricingEngineDeps) (PricingEngine, error) {
	if deps.Shipping == nil {
		return nil, errors.New("pricing engine: shipping config service is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("pricing engine: coupon service is required")
	}
	regions := deps.Regions
	if regions == nil {
		regions = NewPostalRegionClassifier()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &pricingEngine{
		shipping: deps.Shipping,
		coupons:  deps.Coupons,
		offers:   deps.Offers,
		regions:  regions,
		logger:   logger,
	}, nil
}

// Quote loads shipping rates, coupon and offer, then prices the cart. Coupon validation errors
// are returned unchanged so callers can show the reason.
func (e *pricingEngine) Quote(ctx context.Context, cmd QuoteCommand) (PriceBreakdown, error) {
	if err := ValidateCartLines(cmd.Lines); err != nil {
		return PriceBreakdown{}, err
	}

	cfg, err := e.shipping.Config(ctx)
	if err != nil {
		return PriceBreakdown{}, fmt.Errorf("%w: shipping config: %v", ErrPricingUnavailable, err)
	}

	input := PriceInput{
		Lines:       cmd.Lines,
		Destination: cmd.Destination,
		Shipping:    cfg,
		Regions:     e.regions,
	}

	if code := strings.TrimSpace(cmd.CouponCode); code != "" {
		quote, err := e.coupons.Validate(ctx, code, cartSubtotal(cmd.Lines))
		if err != nil {
			return PriceBreakdown{}, err
		}
		coupon := quote.Coupon
		input.Coupon = &coupon
	}

	input.Offer = e.activeOffer(ctx)
	return ComputePrice(input), nil
}

// activeOffer treats a missing or unreadable offer as no offer.
func (e *pricingEngine) activeOffer(ctx context.Context) *Offer {
	if e.offers == nil {
		return nil
	}
	offer, err := e.offers.FindActive(ctx)
	if err != nil {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			e.logger(ctx, "pricing.offer_lookup_failed", map[string]any{"error": err.Error()})
		}
		return nil
	}
	return &offer
}
