package domain

import (
	"strings"
	"time"
)

// Monetary amounts across the domain are int64 values in paise (minor INR units).

// OrderStatus enumerates the settlement states an order can occupy.
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "pending"
	OrderStatusProcessing       OrderStatus = "processing"
	OrderStatusPaymentIssue     OrderStatus = "payment_issue"
	OrderStatusPaymentCancelled OrderStatus = "payment_cancelled"
	OrderStatusPaymentError     OrderStatus = "payment_error"
)

// PaymentStatus mirrors the gateway-facing state of the order's payment.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusAuthorized PaymentStatus = "authorized"
)

// DiscountType distinguishes percentage coupons from flat amount coupons.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// CartLine is the read-only snapshot of one cart entry handed to the saga.
type CartLine struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   int64
	Color       string
	Variant     VariantSelection
	// FreeShipping marks products that ship at no cost.
	FreeShipping bool
	// HomeShippingEnabled is false for products that cannot be delivered to the home region.
	HomeShippingEnabled *bool
}

// VariantSelection records the size/combo chosen when the line was added to the cart.
type VariantSelection struct {
	Size       string
	SizeLabel  string
	Combo      string
	ComboLabel string
}

// Destination is the shipping destination as entered at checkout.
type Destination struct {
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
}

// HasState reports whether a destination state (or pincode typed into the state field) is known.
func (d Destination) HasState() bool {
	return strings.TrimSpace(d.State) != ""
}

// Coupon is a discount code managed outside the saga.
type Coupon struct {
	ID             string
	Code           string
	Active         bool
	DiscountType   DiscountType
	DiscountValue  float64
	MinPurchase    *int64
	MaxUses        *int
	CurrentUses    *int
	ExpirationDate *time.Time
}

// Offer is a storewide limited-time promotion.
type Offer struct {
	ID                 string
	Title              string
	Active             bool
	DiscountPercentage float64
	MinOrderValue      *int64
}

// ShippingConfig is the flat-rate shipping table keyed by home region versus everywhere else.
type ShippingConfig struct {
	HomeCost           int64
	OtherCost          int64
	HomeDeliveryLabel  string
	OtherDeliveryLabel string
	Active             bool
	UpdatedAt          time.Time
}

// PriceBreakdown is the deterministic output of the price engine.
type PriceBreakdown struct {
	Subtotal               int64
	CouponDiscount         int64
	OfferDiscount          int64
	TotalDiscount          int64
	ShippingCost           int64
	ShippingIncluded       bool
	FinalTotal             int64
	EstimatedDeliveryLabel string
	HomeRegion             bool
	CouponCode             string
}

// Customer captures the contact snapshot stored on the order.
type Customer struct {
	UserID string
	Name   string
	Email  string
	Phone  string
}

// IsGuest reports whether the customer checked out without an account.
func (c Customer) IsGuest() bool {
	return strings.TrimSpace(c.UserID) == ""
}

// Address is a persisted shipping address owned by a registered user.
type Address struct {
	ID         string
	UserID     string
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
	IsDefault  bool
	Hash       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderLineItem is the immutable line snapshot serialised onto the order.
type OrderLineItem struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   int64
	Color       string
	Size        string
	SizeLabel   string
	Combo       string
	ComboLabel  string
}

// Order is the settlement record. Total always equals max(0, Subtotal + ShippingCost - DiscountAmount).
type Order struct {
	ID                  string
	Customer            Customer
	ShippingAddressID   string
	ShippingAddressText string
	Products            string
	LineCount           int
	Subtotal            int64
	ShippingCost        int64
	DiscountAmount      int64
	Total               int64
	Status              OrderStatus
	PaymentStatus       PaymentStatus
	PaymentID           string
	GatewayOrderID      string
	GatewayPaymentID    string
	Signature           string
	PaymentMethod       string
	PaymentDate         *time.Time
	PaymentVerified     bool
	PaymentCaptured     bool
	CouponCode          string
	Notes               string
	IsGuestOrder        bool
	// AttemptKey and SessionToken bind the order to the checkout attempt that created it.
	AttemptKey          string
	SessionToken        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// OrderPatch lists the fields that may change after creation. Nil pointers are left untouched.
type OrderPatch struct {
	Status           *OrderStatus
	PaymentStatus    *PaymentStatus
	ShippingCost     *int64
	PaymentID        *string
	GatewayOrderID   *string
	GatewayPaymentID *string
	Signature        *string
	PaymentMethod    *string
	PaymentDate      *time.Time
	PaymentVerified  *bool
	PaymentCaptured  *bool
	Notes            *string
}

// IsEmpty reports whether the patch changes nothing.
func (p OrderPatch) IsEmpty() bool {
	return p.Status == nil && p.PaymentStatus == nil && p.ShippingCost == nil &&
		p.PaymentID == nil && p.GatewayOrderID == nil && p.GatewayPaymentID == nil &&
		p.Signature == nil && p.PaymentMethod == nil && p.PaymentDate == nil &&
		p.PaymentVerified == nil && p.PaymentCaptured == nil && p.Notes == nil
}

// GatewayOrder is the payment gateway's order as returned on creation.
type GatewayOrder struct {
	ID       string
	Amount   int64
	Currency string
	Receipt  string
	Status   string
}

// PaymentDetails is the gateway's view of a single payment.
type PaymentDetails struct {
	ID       string
	OrderID  string
	Amount   int64
	Currency string
	Status   string
	Captured bool
}

// CheckoutPrefill seeds the gateway widget's customer fields.
type CheckoutPrefill struct {
	Name    string
	Email   string
	Contact string
}

// CheckoutSession carries everything the gateway widget needs to collect payment.
type CheckoutSession struct {
	OrderID        string
	GatewayOrderID string
	Amount         int64
	Currency       string
	KeyID          string
	Name           string
	Description    string
	Prefill        CheckoutPrefill
	Notes          map[string]string
	Breakdown      PriceBreakdown
	AttemptKey     string
	// SessionToken must accompany the completion callback.
	SessionToken   string
}

// WidgetStatus is the terminal state reported by the gateway widget.
type WidgetStatus string

const (
	WidgetStatusSuccess   WidgetStatus = "success"
	WidgetStatusFailed    WidgetStatus = "failed"
	WidgetStatusDismissed WidgetStatus = "dismissed"
)

// WidgetResult is the callback payload delivered by the gateway widget.
type WidgetResult struct {
	Status         WidgetStatus
	PaymentID      string
	GatewayOrderID string
	Signature      string
	Reason         string
}

// SettlementOutcome is the terminal result of a checkout attempt.
type SettlementOutcome struct {
	OrderID       string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	RedirectPath  string
	Verified      bool
	Captured      bool
	Warning       string
}

// AddressSnapshot is the inline address serialised onto guest orders.
type AddressSnapshot struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}
