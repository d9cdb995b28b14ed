package services

import (
	"context"

	domain "github.com/karigai/settlement/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartLine         = domain.CartLine
	Destination      = domain.Destination
	Coupon           = domain.Coupon
	Offer            = domain.Offer
	ShippingConfig   = domain.ShippingConfig
	PriceBreakdown   = domain.PriceBreakdown
	Customer         = domain.Customer
	Address          = domain.Address
	Order            = domain.Order
	OrderPatch       = domain.OrderPatch
	GatewayOrder     = domain.GatewayOrder
	PaymentDetails   = domain.PaymentDetails
	CheckoutSession  = domain.CheckoutSession
	WidgetResult     = domain.WidgetResult
	Outcome          = domain.SettlementOutcome
	WebhookEvent     = domain.WebhookEvent
	ReadinessReport  = domain.ReadinessReport
	DependencyHealth = domain.DependencyHealth
)

// PricingEngine prices a cart for display and for the pre-payment reconciliation check.
type PricingEngine interface {
	Quote(ctx context.Context, cmd QuoteCommand) (PriceBreakdown, error)
}

// RegionClassifier decides whether a postal code or state name belongs to the home region.
type RegionClassifier interface {
	IsHomeRegion(postalCodeOrState string) bool
}

// ShippingConfigService serves the flat-rate shipping table with an explicit cache TTL.
type ShippingConfigService interface {
	Config(ctx context.Context) (ShippingConfig, error)
	Invalidate()
}

// CouponService validates discount codes and records their usage after settlement.
type CouponService interface {
	Validate(ctx context.Context, code string, subtotal int64) (CouponQuote, error)
	RecordUsage(ctx context.Context, code string) error
}

// AddressResolver turns a checkout destination into an address reference or a guest snapshot.
type AddressResolver interface {
	Resolve(ctx context.Context, cmd ResolveAddressCommand) (AddressResolution, error)
}

// OrderService owns every write to the order record.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Transition(ctx context.Context, orderID string, patch OrderPatch) (Order, error)
	Get(ctx context.Context, orderID string) (Order, error)
}

// ReconciliationGuard corrects stale shipping and checks gateway orders before any charge.
type ReconciliationGuard interface {
	Reconcile(ctx context.Context, order Order, destination Destination, lines []CartLine) (Reconciliation, error)
	VerifyGatewayOrder(ctx context.Context, gatewayOrder GatewayOrder, expectedPaise int64) error
}

// PaymentGateway is the contract the saga needs from the payment provider.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amountPaise int64, currency, receipt string, notes map[string]string) (GatewayOrder, error)
	VerifyPayment(ctx context.Context, paymentID, orderID, signature string) (bool, error)
	CapturePayment(ctx context.Context, paymentID string, amountPaise int64, currency string) error
	FetchPayment(ctx context.Context, paymentID string) (PaymentDetails, error)
	KeyID() string
}

// EventPublisher hands lifecycle events to a transport (Pub/Sub, Kafka).
type EventPublisher interface {
	Publish(ctx context.Context, event WebhookEvent) error
}

// EventNotifier emits lifecycle events. Emission never fails the caller.
type EventNotifier interface {
	Emit(ctx context.Context, eventType string, data map[string]any, metadata map[string]any)
}

// WebhookDispatcher delivers one event to every interested subscription.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, event WebhookEvent) error
}

// CheckoutWidget opens the gateway's payment widget and blocks until it reports back.
type CheckoutWidget interface {
	Open(ctx context.Context, session CheckoutSession) (WidgetResult, error)
}

// SettlementService runs the checkout settlement saga.
type SettlementService interface {
	Begin(ctx context.Context, cmd BeginCheckoutCommand) (CheckoutSession, error)
	Complete(ctx context.Context, cmd CompleteCheckoutCommand) (Outcome, error)
	Run(ctx context.Context, cmd BeginCheckoutCommand, widget CheckoutWidget) (Outcome, error)
}

// SystemService reports process and dependency health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

type QuoteCommand struct {
	Lines       []CartLine
	Destination Destination
	CouponCode  string
}

// CouponQuote is a validated coupon with the discount it grants on the given subtotal.
type CouponQuote struct {
	Coupon   Coupon
	Discount int64
}

type ResolveAddressCommand struct {
	UserID      string
	Destination Destination
}

// AddressResolution carries exactly one of AddressID (registered users) or Snapshot (guests).
type AddressResolution struct {
	AddressID string
	Snapshot  string
	Guest     bool
	Written   bool
}

type CreateOrderCommand struct {
	Customer     Customer
	Breakdown    PriceBreakdown
	Address      AddressResolution
	Lines        []CartLine
	Notes        string
	AttemptKey   string
	SessionToken string
}

// Reconciliation is the result of re-pricing shipping before the gateway order is created.
type Reconciliation struct {
	Order        Order
	ShippingCost int64
	AmountPaise  int64
	Corrected    bool
}

type BeginCheckoutCommand struct {
	AttemptID   string
	Customer    Customer
	Destination Destination
	Lines       []CartLine
	CouponCode  string
	Notes       string
}

// CompleteCheckoutCommand must carry the SessionToken issued by Begin for the same order.
type CompleteCheckoutCommand struct {
	OrderID      string
	SessionToken string
	Result       WidgetResult
}
