package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/platform/auth"
	"github.com/karigai/settlement/internal/platform/httpx"
	"github.com/karigai/settlement/internal/services"
)

const maxCheckoutRequestBody = 64 * 1024

// CheckoutHandlers exposes quoting and the settlement saga to the storefront. Guests and signed-in
// shoppers share the same endpoints; a bearer token, when present, must be valid.
type CheckoutHandlers struct {
	authn      *auth.Authenticator
	pricing    services.PricingEngine
	coupons    services.CouponService
	settlement services.SettlementService
	sessionMW  []func(http.Handler) http.Handler
	couponRate *windowLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutSessionMiddlewares wraps only the session creation endpoint, e.g. with idempotency.
func WithCheckoutSessionMiddlewares(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.sessionMW = append(h.sessionMW, mw...)
	}
}

// WithCouponRateLimit caps coupon validation attempts per shopper and window.
func WithCouponRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.couponRate = newWindowLimiter(limit, window, clock)
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(authn *auth.Authenticator, pricing services.PricingEngine, coupons services.CouponService, settlement services.SettlementService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:      authn,
		pricing:    pricing,
		coupons:    coupons,
		settlement: settlement,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.OptionalFirebaseAuth())
	}
	group.Post("/quote", h.quote)
	group.With(h.couponRate.middleware).Post("/coupons/validate", h.validateCoupon)
	group.With(h.sessionMW...).Post("/sessions", h.beginSession)
	group.Post("/sessions/{orderID}/complete", h.completeSession)
}

type cartLineRequest struct {
	ProductID           string `json:"productId"`
	ProductName         string `json:"productName"`
	Quantity            int    `json:"quantity"`
	UnitPrice           int64  `json:"unitPrice"`
	Color               string `json:"color"`
	Size                string `json:"size"`
	SizeLabel           string `json:"sizeLabel"`
	Combo               string `json:"combo"`
	ComboLabel          string `json:"comboLabel"`
	FreeShipping        bool   `json:"freeShipping"`
	HomeShippingEnabled *bool  `json:"homeShippingEnabled"`
}

type destinationRequest struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
}

type customerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type quoteRequest struct {
	Items       []cartLineRequest  `json:"items"`
	Destination destinationRequest `json:"destination"`
	CouponCode  string             `json:"couponCode"`
}

type beginSessionRequest struct {
	AttemptID   string             `json:"attemptId"`
	Customer    customerRequest    `json:"customer"`
	Items       []cartLineRequest  `json:"items"`
	Destination destinationRequest `json:"destination"`
	CouponCode  string             `json:"couponCode"`
	Notes       string             `json:"notes"`
}

type couponValidateRequest struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
}

type completeSessionRequest struct {
	Status            string `json:"status"`
	SessionToken      string `json:"sessionToken"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpaySignature string `json:"razorpay_signature"`
	Reason            string `json:"reason"`
}

type priceBreakdownResponse struct {
	Subtotal               int64  `json:"subtotal"`
	CouponDiscount         int64  `json:"couponDiscount"`
	OfferDiscount          int64  `json:"offerDiscount"`
	TotalDiscount          int64  `json:"totalDiscount"`
	ShippingCost           int64  `json:"shippingCost"`
	ShippingIncluded       bool   `json:"shippingIncluded"`
	FinalTotal             int64  `json:"finalTotal"`
	FinalTotalDisplay      string `json:"finalTotalDisplay"`
	EstimatedDeliveryLabel string `json:"estimatedDelivery,omitempty"`
	HomeRegion             bool   `json:"homeRegion"`
	CouponCode             string `json:"couponCode,omitempty"`
	Currency               string `json:"currency"`
}

type checkoutSessionResponse struct {
	OrderID        string                 `json:"orderId"`
	GatewayOrderID string                 `json:"razorpayOrderId"`
	Amount         int64                  `json:"amount"`
	Currency       string                 `json:"currency"`
	KeyID          string                 `json:"key"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	Prefill        map[string]string      `json:"prefill"`
	Notes          map[string]string      `json:"notes"`
	AttemptKey     string                 `json:"attemptKey"`
	SessionToken   string                 `json:"sessionToken"`
	Breakdown      priceBreakdownResponse `json:"breakdown"`
}

type settlementOutcomeResponse struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	Redirect      string `json:"redirect"`
	Verified      bool   `json:"verified"`
	Captured      bool   `json:"captured"`
	Warning       string `json:"warning,omitempty"`
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req quoteRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutRequestBody, &req) {
		return
	}

	breakdown, err := h.pricing.Quote(ctx, services.QuoteCommand{
		Lines:       toCartLines(req.Items),
		Destination: toDestination(req.Destination),
		CouponCode:  strings.TrimSpace(req.CouponCode),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newPriceBreakdownResponse(breakdown))
}

func (h *CheckoutHandlers) validateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req couponValidateRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutRequestBody, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" || req.Subtotal < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code and a non-negative subtotal are required", http.StatusBadRequest))
		return
	}

	quote, err := h.coupons.Validate(ctx, strings.TrimSpace(req.Code), req.Subtotal)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"code":          quote.Coupon.Code,
		"discountType":  quote.Coupon.DiscountType,
		"discountValue": quote.Coupon.DiscountValue,
		"discount":      quote.Discount,
	})
}

func (h *CheckoutHandlers) beginSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req beginSessionRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutRequestBody, &req) {
		return
	}

	customer := domain.Customer{
		Name:  strings.TrimSpace(req.Customer.Name),
		Email: strings.TrimSpace(req.Customer.Email),
		Phone: strings.TrimSpace(req.Customer.Phone),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		customer.UserID = identity.UID
		if customer.Email == "" {
			customer.Email = identity.Email
		}
		if customer.Name == "" {
			customer.Name = identity.Name
		}
		if customer.Phone == "" {
			customer.Phone = identity.Phone
		}
	}

	session, err := h.settlement.Begin(ctx, services.BeginCheckoutCommand{
		AttemptID:   strings.TrimSpace(req.AttemptID),
		Customer:    customer,
		Destination: toDestination(req.Destination),
		Lines:       toCartLines(req.Items),
		CouponCode:  strings.TrimSpace(req.CouponCode),
		Notes:       req.Notes,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutSessionResponse{
		OrderID:        session.OrderID,
		GatewayOrderID: session.GatewayOrderID,
		Amount:         session.Amount,
		Currency:       session.Currency,
		KeyID:          session.KeyID,
		Name:           session.Name,
		Description:    session.Description,
		Prefill: map[string]string{
			"name":    session.Prefill.Name,
			"email":   session.Prefill.Email,
			"contact": session.Prefill.Contact,
		},
		Notes:        session.Notes,
		AttemptKey:   session.AttemptKey,
		SessionToken: session.SessionToken,
		Breakdown:    newPriceBreakdownResponse(session.Breakdown),
	})
}

func (h *CheckoutHandlers) completeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}
	var req completeSessionRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutRequestBody, &req) {
		return
	}

	status := domain.WidgetStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case domain.WidgetStatusSuccess, domain.WidgetStatusFailed, domain.WidgetStatusDismissed:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be success, failed or dismissed", http.StatusBadRequest))
		return
	}

	outcome, err := h.settlement.Complete(ctx, services.CompleteCheckoutCommand{
		OrderID:      orderID,
		SessionToken: strings.TrimSpace(req.SessionToken),
		Result: domain.WidgetResult{
			Status:         status,
			PaymentID:      strings.TrimSpace(req.RazorpayPaymentID),
			GatewayOrderID: strings.TrimSpace(req.RazorpayOrderID),
			Signature:      strings.TrimSpace(req.RazorpaySignature),
			Reason:         strings.TrimSpace(req.Reason),
		},
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, settlementOutcomeResponse{
		OrderID:       outcome.OrderID,
		Status:        string(outcome.Status),
		PaymentStatus: string(outcome.PaymentStatus),
		Redirect:      outcome.RedirectPath,
		Verified:      outcome.Verified,
		Captured:      outcome.Captured,
		Warning:       outcome.Warning,
	})
}

func toCartLines(items []cartLineRequest) []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.CartLine{
			ProductID:   strings.TrimSpace(item.ProductID),
			ProductName: strings.TrimSpace(item.ProductName),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Color:       strings.TrimSpace(item.Color),
			Variant: domain.VariantSelection{
				Size:       strings.TrimSpace(item.Size),
				SizeLabel:  strings.TrimSpace(item.SizeLabel),
				Combo:      strings.TrimSpace(item.Combo),
				ComboLabel: strings.TrimSpace(item.ComboLabel),
			},
			FreeShipping:        item.FreeShipping,
			HomeShippingEnabled: item.HomeShippingEnabled,
		})
	}
	return lines
}

func toDestination(req destinationRequest) domain.Destination {
	return domain.Destination{
		Street:     req.Street,
		City:       req.City,
		State:      req.State,
		PostalCode: req.PostalCode,
	}
}

func newPriceBreakdownResponse(b domain.PriceBreakdown) priceBreakdownResponse {
	return priceBreakdownResponse{
		Subtotal:               b.Subtotal,
		CouponDiscount:         b.CouponDiscount,
		OfferDiscount:          b.OfferDiscount,
		TotalDiscount:          b.TotalDiscount,
		ShippingCost:           b.ShippingCost,
		ShippingIncluded:       b.ShippingIncluded,
		FinalTotal:             b.FinalTotal,
		FinalTotalDisplay:      "₹" + domain.PaiseToRupees(b.FinalTotal).StringFixed(2),
		EstimatedDeliveryLabel: b.EstimatedDeliveryLabel,
		HomeRegion:             b.HomeRegion,
		CouponCode:             b.CouponCode,
		Currency:               domain.CurrencyINR,
	}
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var abort *services.CheckoutAbortError
	if errors.As(err, &abort) {
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be started", http.StatusBadGateway).WithDetails(map[string]any{
			"orderId":  abort.OrderID,
			"redirect": abort.RedirectPath,
		}))
		return
	}

	switch {
	case errors.Is(err, services.ErrCheckoutInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_flight", "a checkout for this cart is already in progress", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutRestrictedProduct):
		httpx.WriteError(ctx, w, httpx.NewError("restricted_product", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutBelowMinimum):
		httpx.WriteError(ctx, w, httpx.NewError("below_minimum", "order total is below the minimum chargeable amount", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon code is not valid", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponExpired):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_expired", "coupon has expired", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_exhausted", "coupon usage limit reached", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrMinimumPurchaseNotMet):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_minimum_not_met", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutSessionMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_session_mismatch", "checkout session does not match this order", http.StatusForbidden))
	case errors.Is(err, services.ErrCheckoutInvalidInput), errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be started", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable),
		errors.Is(err, services.ErrPricingUnavailable),
		errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
