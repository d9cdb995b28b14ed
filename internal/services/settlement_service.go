package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/platform/inflight"
	"github.com/karigai/settlement/internal/platform/storage"
)

const (
	instrumentationName = "github.com/karigai/settlement/internal/services"

	defaultUpdateAttempts   = 3
	defaultUpdateDelay      = time.Second
	defaultInFlightTTL      = 15 * time.Minute
	defaultConfirmationPath = "/order-confirmation"
	defaultMerchantName     = "Karigai"

	minimumChargePaise = 100
	paymentMethod      = "razorpay"
	guestUserID        = "guest"

	incidentKindPaymentIssue = "payment_issue"

	paymentIssueWarning = "Your payment was received, but we could not update your order yet. Our team has been notified and will confirm it shortly."
	unconfirmedWarning  = "Your payment is being confirmed with the bank. We will update your order as soon as it clears."
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied an unusable cart, customer or destination.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutRestrictedProduct indicates a product that cannot ship to the chosen destination.
	ErrCheckoutRestrictedProduct = fmt.Errorf("%w: product cannot ship to the home region", ErrCheckoutInvalidInput)
	// ErrCheckoutBelowMinimum indicates the total is below the gateway's minimum charge.
	ErrCheckoutBelowMinimum = fmt.Errorf("%w: total below minimum charge", ErrCheckoutInvalidInput)
	// ErrCheckoutInFlight indicates the same checkout attempt is already running.
	ErrCheckoutInFlight = errors.New("checkout: attempt already in flight")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutOrderNotFound indicates Complete was called for an unknown order.
	ErrCheckoutOrderNotFound = errors.New("checkout: order not found")
	// ErrCheckoutSessionMismatch indicates Complete was called without the session token Begin issued.
	ErrCheckoutSessionMismatch = errors.New("checkout: session token does not match order")
	// ErrCheckoutPaymentFailed indicates the gateway order could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// CheckoutAbortError is returned by Begin when it fails after the order was written. The order
// has been moved to payment_error and the shopper should be sent to RedirectPath.
type CheckoutAbortError struct {
	OrderID      string
	RedirectPath string
	Err          error
}

func (e *CheckoutAbortError) Error() string {
	return fmt.Sprintf("checkout aborted for order %s: %v", e.OrderID, e.Err)
}

func (e *CheckoutAbortError) Unwrap() error { return e.Err }

// SettlementServiceDeps wires the checkout settlement saga.
type SettlementServiceDeps struct {
	Pricing    PricingEngine
	Addresses  AddressResolver
	Orders     OrderService
	Reconciler ReconciliationGuard
	Gateway    PaymentGateway
	Events     EventNotifier
	Coupons    CouponService
	Guard      inflight.Guard
	Incidents  storage.IncidentArchive
	Regions    RegionClassifier
	Clock      func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     func(ctx context.Context, event string, fields map[string]any)
	Tracer     trace.Tracer
	Meter      metric.Meter

	UpdateAttempts   int
	UpdateDelay      time.Duration
	InFlightTTL      time.Duration
	ConfirmationPath string
	MerchantName     string
}

type settlementService struct {
	pricing    PricingEngine
	addresses  AddressResolver
	orders     OrderService
	reconciler ReconciliationGuard
	gateway    PaymentGateway
	events     EventNotifier
	coupons    CouponService
	guard      inflight.Guard
	incidents  storage.IncidentArchive
	regions    RegionClassifier
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	logger     func(context.Context, string, map[string]any)
	tracer     trace.Tracer
	outcomes   metric.Int64Counter

	updateAttempts   int
	updateDelay      time.Duration
	inFlightTTL      time.Duration
	confirmationPath string
	merchantName     string
}

var _ SettlementService = (*settlementService)(nil)

// NewSettlementService validates dependencies and assembles the saga.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	switch {
	case deps.Pricing == nil:
		return nil, errors.New("settlement service: pricing engine is required")
	case deps.Addresses == nil:
		return nil, errors.New("settlement service: address resolver is required")
	case deps.Orders == nil:
		return nil, errors.New("settlement service: order service is required")
	case deps.Reconciler == nil:
		return nil, errors.New("settlement service: reconciliation guard is required")
	case deps.Gateway == nil:
		return nil, errors.New("settlement service: payment gateway is required")
	case deps.Events == nil:
		return nil, errors.New("settlement service: event notifier is required")
	case deps.Guard == nil:
		return nil, errors.New("settlement service: in-flight guard is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = gax.Sleep
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	regions := deps.Regions
	if regions == nil {
		regions = NewPostalRegionClassifier()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	outcomes, err := meter.Int64Counter("settlement.outcomes",
		metric.WithDescription("Checkout settlements by terminal order status"))
	if err != nil {
		outcomes, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("settlement.outcomes")
	}

	attempts := deps.UpdateAttempts
	if attempts <= 0 {
		attempts = defaultUpdateAttempts
	}
	delay := deps.UpdateDelay
	if delay <= 0 {
		delay = defaultUpdateDelay
	}
	ttl := deps.InFlightTTL
	if ttl <= 0 {
		ttl = defaultInFlightTTL
	}
	confirmation := strings.TrimRight(strings.TrimSpace(deps.ConfirmationPath), "/")
	if confirmation == "" {
		confirmation = defaultConfirmationPath
	}
	merchant := strings.TrimSpace(deps.MerchantName)
	if merchant == "" {
		merchant = defaultMerchantName
	}

	return &settlementService{
		pricing:    deps.Pricing,
		addresses:  deps.Addresses,
		orders:     deps.Orders,
		reconciler: deps.Reconciler,
		gateway:    deps.Gateway,
		events:     deps.Events,
		coupons:    deps.Coupons,
		guard:      deps.Guard,
		incidents:  deps.Incidents,
		regions:    regions,
		now: func() time.Time {
			return clock().UTC()
		},
		sleep:            sleep,
		logger:           logger,
		tracer:           tracer,
		outcomes:         outcomes,
		updateAttempts:   attempts,
		updateDelay:      delay,
		inFlightTTL:      ttl,
		confirmationPath: confirmation,
		merchantName:     merchant,
	}, nil
}

// Begin validates and prices the cart, writes the order, reconciles shipping and creates a
// verified gateway order. The attempt stays marked in flight until Complete or the TTL.
func (s *settlementService) Begin(ctx context.Context, cmd BeginCheckoutCommand) (session CheckoutSession, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement.begin")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	attemptKey := checkoutAttemptKey(cmd)
	if attemptKey == "" {
		return CheckoutSession{}, fmt.Errorf("%w: attempt id or customer identity is required", ErrCheckoutInvalidInput)
	}
	lease, err := s.guard.Acquire(ctx, attemptKey, s.inFlightTTL)
	if err != nil {
		if errors.Is(err, inflight.ErrHeld) {
			s.logger(ctx, "settlement.begin.in_flight", map[string]any{"attemptKey": attemptKey})
			return CheckoutSession{}, ErrCheckoutInFlight
		}
		s.logger(ctx, "settlement.guard.failed", map[string]any{"attemptKey": attemptKey, "error": err.Error()})
		return CheckoutSession{}, fmt.Errorf("%w: in-flight guard: %v", ErrCheckoutUnavailable, err)
	}
	defer func() {
		if err != nil {
			if releaseErr := s.guard.Release(context.WithoutCancel(ctx), lease); releaseErr != nil {
				s.logger(ctx, "settlement.guard.release_failed", map[string]any{"attemptKey": attemptKey, "error": releaseErr.Error()})
			}
		}
	}()

	dest, breakdown, err := s.validateAndPrice(ctx, cmd)
	if err != nil {
		return CheckoutSession{}, err
	}

	resolution, err := s.addresses.Resolve(ctx, ResolveAddressCommand{UserID: cmd.Customer.UserID, Destination: dest})
	if err != nil {
		if errors.Is(err, ErrAddressInvalidInput) {
			return CheckoutSession{}, fmt.Errorf("%w: %w", ErrCheckoutInvalidInput, err)
		}
		return CheckoutSession{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	order, err := s.orders.Create(ctx, CreateOrderCommand{
		Customer:     cmd.Customer,
		Breakdown:    breakdown,
		Address:      resolution,
		Lines:        cmd.Lines,
		Notes:        cmd.Notes,
		AttemptKey:   lease.Key,
		SessionToken: lease.Token,
	})
	if err != nil {
		if errors.Is(err, ErrOrderInvalidInput) {
			return CheckoutSession{}, fmt.Errorf("%w: %w", ErrCheckoutInvalidInput, err)
		}
		return CheckoutSession{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}
	span.SetAttributes(attribute.String("order.id", order.ID))
	s.events.Emit(ctx, EventOrderCreated, map[string]any{
		"order_id": order.ID,
		"total":    order.Total,
	}, map[string]any{"guest": order.IsGuestOrder})

	session, err = s.openGatewayOrder(ctx, order, dest, cmd)
	if err != nil {
		return CheckoutSession{}, s.abortBegin(ctx, order.ID, err)
	}
	session.AttemptKey = attemptKey
	session.SessionToken = lease.Token
	session.Breakdown = breakdown
	return session, nil
}

func (s *settlementService) validateAndPrice(ctx context.Context, cmd BeginCheckoutCommand) (Destination, PriceBreakdown, error) {
	if err := ValidateCartLines(cmd.Lines); err != nil {
		return Destination{}, PriceBreakdown{}, fmt.Errorf("%w: %w", ErrCheckoutInvalidInput, err)
	}
	if strings.TrimSpace(cmd.Customer.Email) == "" {
		return Destination{}, PriceBreakdown{}, fmt.Errorf("%w: customer email is required", ErrCheckoutInvalidInput)
	}
	dest, err := CleanDestination(cmd.Destination)
	if err != nil {
		return Destination{}, PriceBreakdown{}, fmt.Errorf("%w: %w", ErrCheckoutInvalidInput, err)
	}
	if isHomeDestination(s.regions, dest) {
		for _, line := range cmd.Lines {
			if line.HomeShippingEnabled != nil && !*line.HomeShippingEnabled {
				return Destination{}, PriceBreakdown{}, fmt.Errorf("%w: %s", ErrCheckoutRestrictedProduct, line.ProductName)
			}
		}
	}

	breakdown, err := s.pricing.Quote(ctx, QuoteCommand{Lines: cmd.Lines, Destination: dest, CouponCode: cmd.CouponCode})
	if err != nil {
		if IsCouponRejection(err) || errors.Is(err, ErrPricingInvalidInput) {
			return Destination{}, PriceBreakdown{}, fmt.Errorf("%w: %w", ErrCheckoutInvalidInput, err)
		}
		return Destination{}, PriceBreakdown{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}
	if breakdown.FinalTotal < minimumChargePaise {
		return Destination{}, PriceBreakdown{}, fmt.Errorf("%w: %d paise", ErrCheckoutBelowMinimum, breakdown.FinalTotal)
	}
	return dest, breakdown, nil
}

// openGatewayOrder reconciles shipping, creates the gateway order and checks it before the
// widget may be opened. Nothing here has moved money.
func (s *settlementService) openGatewayOrder(ctx context.Context, order Order, dest Destination, cmd BeginCheckoutCommand) (CheckoutSession, error) {
	rec, err := s.reconciler.Reconcile(ctx, order, dest, cmd.Lines)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}
	order = rec.Order
	amount := rec.AmountPaise

	userID := strings.TrimSpace(cmd.Customer.UserID)
	if userID == "" {
		userID = guestUserID
	}
	guest := fmt.Sprintf("%t", order.IsGuestOrder)
	gatewayOrder, err := s.gateway.CreateOrder(ctx, amount, domain.CurrencyINR, order.ID, map[string]string{
		"order_id": order.ID,
		"user_id":  userID,
		"email":    cmd.Customer.Email,
		"name":     cmd.Customer.Name,
		"is_guest": guest,
	})
	if err != nil {
		s.logger(ctx, "settlement.gateway_order.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return CheckoutSession{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentFailed, err)
	}
	if err := s.reconciler.VerifyGatewayOrder(ctx, gatewayOrder, amount); err != nil {
		return CheckoutSession{}, err
	}

	gatewayID := gatewayOrder.ID
	if _, err := s.orders.Transition(ctx, order.ID, OrderPatch{GatewayOrderID: &gatewayID}); err != nil {
		s.logger(ctx, "settlement.gateway_order.attach_failed", map[string]any{
			"orderId":        order.ID,
			"gatewayOrderId": gatewayID,
			"error":          err.Error(),
		})
	}

	s.events.Emit(ctx, EventPaymentStarted, map[string]any{
		"order_id":          order.ID,
		"razorpay_order_id": gatewayID,
		"amount_paise":      amount,
	}, nil)

	return CheckoutSession{
		OrderID:        order.ID,
		GatewayOrderID: gatewayID,
		Amount:         amount,
		Currency:       domain.CurrencyINR,
		KeyID:          s.gateway.KeyID(),
		Name:           s.merchantName,
		Description:    fmt.Sprintf("Order #%s - Total ₹%s", order.ID, domain.PaiseToRupees(amount).StringFixed(2)),
		Prefill: domain.CheckoutPrefill{
			Name:    cmd.Customer.Name,
			Email:   cmd.Customer.Email,
			Contact: cmd.Customer.Phone,
		},
		Notes: map[string]string{
			"order_id":          order.ID,
			"address":           fmt.Sprintf("%s, %s, %s - %s", dest.Street, dest.City, dest.State, dest.PostalCode),
			"is_guest_checkout": guest,
			"user_id":           userID,
		},
	}, nil
}

// abortBegin marks an order that never reached the widget as payment_error.
func (s *settlementService) abortBegin(ctx context.Context, orderID string, cause error) error {
	detached := context.WithoutCancel(ctx)
	status := domain.OrderStatusPaymentError
	paymentStatus := domain.PaymentStatusFailed
	notes := "Payment could not be started: " + cause.Error()
	if _, err := s.orders.Transition(detached, orderID, OrderPatch{
		Status:        &status,
		PaymentStatus: &paymentStatus,
		Notes:         &notes,
	}); err != nil {
		s.logger(ctx, "settlement.abort.update_failed", map[string]any{"orderId": orderID, "error": err.Error()})
	}
	s.record(ctx, status)
	return &CheckoutAbortError{
		OrderID:      orderID,
		RedirectPath: s.redirectPath(orderID, status),
		Err:          cause,
	}
}

// Complete settles the widget outcome. Every branch ends in an Outcome with a confirmation
// redirect; once the shopper has paid, store failures only produce warnings.
func (s *settlementService) Complete(ctx context.Context, cmd CompleteCheckoutCommand) (outcome Outcome, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement.complete", trace.WithAttributes(
		attribute.String("order.id", cmd.OrderID),
		attribute.String("widget.status", string(cmd.Result.Status)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("order.status", string(outcome.Status)))
		}
		span.End()
	}()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Outcome{}, fmt.Errorf("%w: order id is required", ErrCheckoutInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return Outcome{}, ErrCheckoutOrderNotFound
		}
		return Outcome{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(cmd.SessionToken)), []byte(order.SessionToken)) != 1 {
		s.logger(ctx, "settlement.complete.session_mismatch", map[string]any{"orderId": orderID})
		return Outcome{}, ErrCheckoutSessionMismatch
	}
	defer s.releaseAttempt(ctx, order)

	if !settleable(order, cmd.Result) {
		s.logger(ctx, "settlement.complete.replayed", map[string]any{"orderId": orderID, "status": string(order.Status)})
		return s.outcomeFromOrder(order), nil
	}
	if order.Status != domain.OrderStatusPending {
		s.logger(ctx, "settlement.complete.late_success", map[string]any{"orderId": orderID, "status": string(order.Status)})
	}

	// Past this point the shopper may have paid; writes must not die with the request.
	detached := context.WithoutCancel(ctx)
	switch cmd.Result.Status {
	case domain.WidgetStatusSuccess:
		if strings.TrimSpace(cmd.Result.PaymentID) == "" {
			return s.fail(detached, order, domain.OrderStatusPaymentError, "payment response did not include a payment id"), nil
		}
		return s.settlePayment(detached, order, cmd.Result), nil
	case domain.WidgetStatusFailed, domain.WidgetStatusDismissed:
		reason := strings.TrimSpace(cmd.Result.Reason)
		if reason == "" {
			reason = "Payment cancelled or failed"
		}
		return s.fail(detached, order, domain.OrderStatusPaymentCancelled, reason), nil
	default:
		return Outcome{}, fmt.Errorf("%w: unknown widget status %q", ErrCheckoutInvalidInput, cmd.Result.Status)
	}
}

// Run drives Begin, the widget and Complete in one call. A widget error counts as a dismissal.
func (s *settlementService) Run(ctx context.Context, cmd BeginCheckoutCommand, widget CheckoutWidget) (Outcome, error) {
	if widget == nil {
		return Outcome{}, fmt.Errorf("%w: checkout widget is required", ErrCheckoutInvalidInput)
	}
	session, err := s.Begin(ctx, cmd)
	if err != nil {
		var abort *CheckoutAbortError
		if errors.As(err, &abort) {
			return Outcome{
				OrderID:       abort.OrderID,
				Status:        domain.OrderStatusPaymentError,
				PaymentStatus: domain.PaymentStatusFailed,
				RedirectPath:  abort.RedirectPath,
			}, err
		}
		return Outcome{}, err
	}

	result, err := widget.Open(ctx, session)
	if err != nil {
		s.logger(ctx, "settlement.widget.failed", map[string]any{"orderId": session.OrderID, "error": err.Error()})
		result = WidgetResult{Status: domain.WidgetStatusDismissed, Reason: err.Error()}
	}
	return s.Complete(ctx, CompleteCheckoutCommand{
		OrderID:      session.OrderID,
		SessionToken: session.SessionToken,
		Result:       result,
	})
}

func (s *settlementService) settlePayment(ctx context.Context, order Order, result WidgetResult) Outcome {
	paymentID := strings.TrimSpace(result.PaymentID)
	callbackOrderID := strings.TrimSpace(result.GatewayOrderID)
	// The gateway order issued at Begin is authoritative; the callback only fills a missing one.
	gatewayOrderID := order.GatewayOrderID
	if gatewayOrderID == "" {
		gatewayOrderID = callbackOrderID
	}
	mismatch := callbackOrderID != "" && callbackOrderID != gatewayOrderID
	if mismatch {
		s.logger(ctx, "settlement.gateway_order.mismatch", map[string]any{
			"orderId":  order.ID,
			"stored":   gatewayOrderID,
			"callback": callbackOrderID,
		})
	}

	verified, err := s.gateway.VerifyPayment(ctx, paymentID, gatewayOrderID, result.Signature)
	if err != nil || !verified {
		fields := map[string]any{"orderId": order.ID, "paymentId": paymentID}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.logger(ctx, "settlement.verify.failed", fields)
		verified = false
	}

	captured, foreign := s.capture(ctx, order, paymentID, gatewayOrderID, verified)
	if !verified && (mismatch || foreign) {
		return s.fail(ctx, order, domain.OrderStatusPaymentError, "payment does not belong to this order")
	}

	paymentStatus := domain.PaymentStatusPaid
	warning := ""
	if !verified && !captured {
		paymentStatus = domain.PaymentStatusAuthorized
		warning = unconfirmedWarning
		s.logger(ctx, "settlement.unconfirmed", map[string]any{"orderId": order.ID, "paymentId": paymentID})
	}

	status := domain.OrderStatusProcessing
	now := s.now()
	notes := settlementNotes(paymentID, verified, captured)
	method := paymentMethod
	signature := result.Signature
	patch := OrderPatch{
		Status:           &status,
		PaymentStatus:    &paymentStatus,
		PaymentID:        &paymentID,
		GatewayPaymentID: &paymentID,
		Signature:        &signature,
		PaymentMethod:    &method,
		PaymentDate:      &now,
		PaymentVerified:  &verified,
		PaymentCaptured:  &captured,
		Notes:            &notes,
	}
	if order.GatewayOrderID == "" && gatewayOrderID != "" {
		patch.GatewayOrderID = &gatewayOrderID
	}

	outcome := Outcome{
		OrderID:       order.ID,
		Status:        status,
		PaymentStatus: paymentStatus,
		RedirectPath:  s.redirectPath(order.ID, ""),
		Verified:      verified,
		Captured:      captured,
		Warning:       warning,
	}

	attempts, err := s.transitionWithRetry(ctx, order.ID, patch)
	if err != nil {
		outcome.Status = domain.OrderStatusPaymentIssue
		outcome.RedirectPath = s.redirectPath(order.ID, domain.OrderStatusPaymentIssue)
		outcome.Warning = paymentIssueWarning
		s.escalatePaymentIssue(ctx, order, paymentID, gatewayOrderID, verified, captured, attempts, err)
	}

	event, paymentState := "payment.captured", "captured"
	if !captured {
		event, paymentState = "payment.authorized", "authorized"
	}
	s.events.Emit(ctx, EventPaymentSucceeded, map[string]any{
		"event": event,
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       paymentID,
					"order_id": gatewayOrderID,
					"currency": domain.CurrencyINR,
					"status":   paymentState,
					"captured": captured,
				},
			},
		},
		"metadata": map[string]any{
			"order_id":            order.ID,
			"razorpay_order_id":   gatewayOrderID,
			"razorpay_payment_id": paymentID,
			"verified":            verified,
			"manually_captured":   captured,
		},
	}, nil)

	if s.coupons != nil && order.CouponCode != "" {
		if err := s.coupons.RecordUsage(ctx, order.CouponCode); err != nil {
			s.logger(ctx, "settlement.coupon_usage.failed", map[string]any{
				"orderId": order.ID,
				"coupon":  order.CouponCode,
				"error":   err.Error(),
			})
		}
	}

	s.record(ctx, outcome.Status)
	s.logger(ctx, "settlement.completed", map[string]any{
		"orderId":       order.ID,
		"status":        string(outcome.Status),
		"paymentStatus": string(outcome.PaymentStatus),
		"verified":      verified,
		"captured":      captured,
	})
	return outcome
}

// capture asks the gateway to capture when the signature proved the payment is ours. Orders are
// created with auto-capture, so otherwise (or after a failed capture) a payment lookup decides.
// A lookup only counts when the payment belongs to gatewayOrderID; foreign reports that it
// belongs to another gateway order.
func (s *settlementService) capture(ctx context.Context, order Order, paymentID, gatewayOrderID string, proven bool) (captured, foreign bool) {
	if proven {
		err := s.gateway.CapturePayment(ctx, paymentID, order.Total, domain.CurrencyINR)
		if err == nil {
			return true, false
		}
		s.logger(ctx, "settlement.capture.failed", map[string]any{
			"orderId":   order.ID,
			"paymentId": paymentID,
			"error":     err.Error(),
		})
	}
	details, err := s.gateway.FetchPayment(ctx, paymentID)
	if err != nil {
		s.logger(ctx, "settlement.fetch_payment.failed", map[string]any{"paymentId": paymentID, "error": err.Error()})
		return false, false
	}
	if gatewayOrderID != "" && details.OrderID != gatewayOrderID {
		s.logger(ctx, "settlement.payment.foreign", map[string]any{
			"orderId":        order.ID,
			"paymentId":      paymentID,
			"gatewayOrderId": gatewayOrderID,
			"paymentOrderId": details.OrderID,
		})
		return false, true
	}
	return details.Captured || strings.EqualFold(details.Status, "captured"), false
}

func (s *settlementService) transitionWithRetry(ctx context.Context, orderID string, patch OrderPatch) (int, error) {
	var lastErr error
	attempt := 0
	for attempt < s.updateAttempts {
		attempt++
		_, err := s.orders.Transition(ctx, orderID, patch)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.logger(ctx, "settlement.order_update.failed", map[string]any{
			"orderId": orderID,
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		if errors.Is(lastErr, ErrOrderInvalidState) || errors.Is(lastErr, ErrOrderInvalidInput) {
			break
		}
		if attempt < s.updateAttempts {
			if err := s.sleep(ctx, s.updateDelay); err != nil {
				lastErr = err
				break
			}
		}
	}
	return attempt, lastErr
}

// escalatePaymentIssue records that money was taken but the order could not be updated.
func (s *settlementService) escalatePaymentIssue(ctx context.Context, order Order, paymentID, gatewayOrderID string, verified, captured bool, attempts int, cause error) {
	s.logger(ctx, "settlement.payment_issue", map[string]any{
		"orderId":   order.ID,
		"paymentId": paymentID,
		"attempts":  attempts,
		"error":     cause.Error(),
	})

	status := domain.OrderStatusPaymentIssue
	notes := fmt.Sprintf("Payment %s received but order update failed after %d attempts", paymentID, attempts)
	if _, err := s.orders.Transition(ctx, order.ID, OrderPatch{
		Status:           &status,
		PaymentID:        &paymentID,
		GatewayPaymentID: &paymentID,
		PaymentVerified:  &verified,
		PaymentCaptured:  &captured,
		Notes:            &notes,
	}); err != nil {
		s.logger(ctx, "settlement.payment_issue.update_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}

	if s.incidents == nil {
		return
	}
	uri, err := s.incidents.Archive(ctx, storage.Incident{
		OrderID:        order.ID,
		Kind:           incidentKindPaymentIssue,
		GatewayOrderID: gatewayOrderID,
		PaymentID:      paymentID,
		AmountPaise:    order.Total,
		Attempts:       attempts,
		LastError:      cause.Error(),
		OccurredAt:     s.now(),
	})
	if err != nil {
		s.logger(ctx, "settlement.incident.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return
	}
	s.logger(ctx, "settlement.incident.archived", map[string]any{"orderId": order.ID, "uri": uri})
}

// fail records a cancelled or errored payment. No money has moved, so a failed write is only logged.
func (s *settlementService) fail(ctx context.Context, order Order, status domain.OrderStatus, reason string) Outcome {
	paymentStatus := domain.PaymentStatusFailed
	notes := "Payment not completed: " + reason
	if _, err := s.transitionWithRetry(ctx, order.ID, OrderPatch{
		Status:        &status,
		PaymentStatus: &paymentStatus,
		Notes:         &notes,
	}); err != nil {
		if errors.Is(err, ErrOrderInvalidState) {
			// A concurrent settlement moved the order first; report what it recorded.
			if current, getErr := s.orders.Get(ctx, order.ID); getErr == nil {
				s.logger(ctx, "settlement.complete.superseded", map[string]any{"orderId": order.ID, "status": string(current.Status)})
				return s.outcomeFromOrder(current)
			}
		}
		s.logger(ctx, "settlement.failure_update.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}

	s.events.Emit(ctx, EventPaymentFailed, map[string]any{
		"order_id":          order.ID,
		"razorpay_order_id": order.GatewayOrderID,
		"reason":            reason,
		"status":            string(status),
	}, nil)
	s.record(ctx, status)

	return Outcome{
		OrderID:       order.ID,
		Status:        status,
		PaymentStatus: paymentStatus,
		RedirectPath:  s.redirectPath(order.ID, status),
		Warning:       reason,
	}
}

func (s *settlementService) outcomeFromOrder(order Order) Outcome {
	status := order.Status
	if status == domain.OrderStatusProcessing {
		status = ""
	}
	return Outcome{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		RedirectPath:  s.redirectPath(order.ID, status),
		Verified:      order.PaymentVerified,
		Captured:      order.PaymentCaptured,
	}
}

// releaseAttempt frees the in-flight flag with the lease recorded on the order at Begin.
func (s *settlementService) releaseAttempt(ctx context.Context, order Order) {
	if order.AttemptKey == "" || order.SessionToken == "" {
		return
	}
	lease := inflight.Lease{Key: order.AttemptKey, Token: order.SessionToken}
	if err := s.guard.Release(context.WithoutCancel(ctx), lease); err != nil {
		s.logger(ctx, "settlement.guard.release_failed", map[string]any{"attemptKey": order.AttemptKey, "error": err.Error()})
	}
}

// settleable reports whether Complete should act on the callback. Pending orders always settle;
// a cancelled or errored order still settles a success that carries a payment, since captured
// money outranks the earlier outcome. Everything else replays the stored outcome.
func settleable(order Order, result WidgetResult) bool {
	switch order.Status {
	case domain.OrderStatusPending:
		return true
	case domain.OrderStatusPaymentCancelled, domain.OrderStatusPaymentError:
		return result.Status == domain.WidgetStatusSuccess && strings.TrimSpace(result.PaymentID) != ""
	}
	return false
}

func (s *settlementService) redirectPath(orderID string, status domain.OrderStatus) string {
	path := s.confirmationPath + "/" + url.PathEscape(orderID)
	if status == "" {
		return path
	}
	return path + "?status=" + url.QueryEscape(string(status))
}

func (s *settlementService) record(ctx context.Context, status domain.OrderStatus) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// checkoutAttemptKey prefers the client's attempt id, then the account, then the email.
func checkoutAttemptKey(cmd BeginCheckoutCommand) string {
	if id := strings.TrimSpace(cmd.AttemptID); id != "" {
		return "attempt:" + id
	}
	if uid := strings.TrimSpace(cmd.Customer.UserID); uid != "" {
		return "user:" + uid
	}
	if email := strings.ToLower(strings.TrimSpace(cmd.Customer.Email)); email != "" {
		return "email:" + email
	}
	return ""
}

func settlementNotes(paymentID string, verified, captured bool) string {
	verifiedLabel := "No"
	if verified {
		verifiedLabel = "Yes"
	}
	capturedLabel := "Pending"
	if captured {
		capturedLabel = "Yes"
	}
	return fmt.Sprintf("Payment received via Razorpay. Payment ID: %s. Verified: %s. Captured: %s", paymentID, verifiedLabel, capturedLabel)
}
