package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/karigai/settlement/internal/domain"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
	"github.com/karigai/settlement/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists settlement orders in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Insert creates the order document and fails with a conflict when the id is taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.orders.Create(ctx, id, newOrderDocument(order))
}

// Update reads the order inside a transaction, lets mutate validate it and build the patch, then
// writes the patch plus the total mutate computed from that same snapshot.
func (r *OrderRepository) Update(ctx context.Context, orderID string, mutate repositories.OrderMutation, updatedAt time.Time) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if mutate == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}

	var saved domain.Order
	err := r.provider.RunInTx(ctx, func(ctx context.Context) error {
		snap, err := r.orders.Get(ctx, id)
		if err != nil {
			return err
		}
		doc := snap.Data
		patch, total, err := mutate(doc.toDomain(id))
		if err != nil {
			return err
		}
		updates := doc.apply(patch, total, updatedAt.UTC())
		if err := r.orders.Update(ctx, id, updates); err != nil {
			return err
		}
		saved = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, pfirestore.NotFound("orders.get", "order")
	}
	snap, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return snap.Data.toDomain(snap.ID), nil
}

type orderDocument struct {
	CustomerUserID      string     `firestore:"userId,omitempty"`
	CustomerName        string     `firestore:"customerName"`
	CustomerEmail       string     `firestore:"customerEmail"`
	CustomerPhone       string     `firestore:"customerPhone,omitempty"`
	ShippingAddressID   string     `firestore:"shippingAddressId,omitempty"`
	ShippingAddressText string     `firestore:"shippingAddressText,omitempty"`
	Products            string     `firestore:"products"`
	LineCount           int        `firestore:"lineCount"`
	Subtotal            int64      `firestore:"subtotal"`
	ShippingCost        int64      `firestore:"shippingCost"`
	DiscountAmount      int64      `firestore:"discountAmount"`
	Total               int64      `firestore:"total"`
	Status              string     `firestore:"status"`
	PaymentStatus       string     `firestore:"paymentStatus"`
	PaymentID           string     `firestore:"paymentId,omitempty"`
	GatewayOrderID      string     `firestore:"gatewayOrderId,omitempty"`
	GatewayPaymentID    string     `firestore:"gatewayPaymentId,omitempty"`
	Signature           string     `firestore:"signature,omitempty"`
	PaymentMethod       string     `firestore:"paymentMethod,omitempty"`
	PaymentDate         *time.Time `firestore:"paymentDate,omitempty"`
	PaymentVerified     bool       `firestore:"paymentVerified"`
	PaymentCaptured     bool       `firestore:"paymentCaptured"`
	CouponCode          string     `firestore:"couponCode,omitempty"`
	Notes               string     `firestore:"notes,omitempty"`
	IsGuestOrder        bool       `firestore:"isGuestOrder"`
	AttemptKey          string     `firestore:"attemptKey,omitempty"`
	SessionToken        string     `firestore:"sessionToken,omitempty"`
	CreatedAt           time.Time  `firestore:"createdAt"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		CustomerUserID:      strings.TrimSpace(order.Customer.UserID),
		CustomerName:        order.Customer.Name,
		CustomerEmail:       order.Customer.Email,
		CustomerPhone:       order.Customer.Phone,
		ShippingAddressID:   order.ShippingAddressID,
		ShippingAddressText: order.ShippingAddressText,
		Products:            order.Products,
		LineCount:           order.LineCount,
		Subtotal:            order.Subtotal,
		ShippingCost:        order.ShippingCost,
		DiscountAmount:      order.DiscountAmount,
		Total:               order.Total,
		Status:              string(order.Status),
		PaymentStatus:       string(order.PaymentStatus),
		PaymentID:           order.PaymentID,
		GatewayOrderID:      order.GatewayOrderID,
		GatewayPaymentID:    order.GatewayPaymentID,
		Signature:           order.Signature,
		PaymentMethod:       order.PaymentMethod,
		PaymentVerified:     order.PaymentVerified,
		PaymentCaptured:     order.PaymentCaptured,
		CouponCode:          order.CouponCode,
		Notes:               order.Notes,
		IsGuestOrder:        order.IsGuestOrder,
		AttemptKey:          order.AttemptKey,
		SessionToken:        order.SessionToken,
		CreatedAt:           order.CreatedAt.UTC(),
		UpdatedAt:           order.UpdatedAt.UTC(),
	}
	if order.PaymentDate != nil {
		paid := order.PaymentDate.UTC()
		doc.PaymentDate = &paid
	}
	return doc
}

// apply merges the patch into the document and returns the matching field updates. Line items,
// customer and address snapshots are never part of an update.
func (d *orderDocument) apply(patch domain.OrderPatch, total int64, updatedAt time.Time) []firestore.Update {
	var updates []firestore.Update
	set := func(path string, value any) {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}

	if patch.Status != nil {
		d.Status = string(*patch.Status)
		set("status", d.Status)
	}
	if patch.PaymentStatus != nil {
		d.PaymentStatus = string(*patch.PaymentStatus)
		set("paymentStatus", d.PaymentStatus)
	}
	if patch.ShippingCost != nil {
		d.ShippingCost = *patch.ShippingCost
		set("shippingCost", d.ShippingCost)
	}
	if patch.PaymentID != nil {
		d.PaymentID = *patch.PaymentID
		set("paymentId", d.PaymentID)
	}
	if patch.GatewayOrderID != nil {
		d.GatewayOrderID = *patch.GatewayOrderID
		set("gatewayOrderId", d.GatewayOrderID)
	}
	if patch.GatewayPaymentID != nil {
		d.GatewayPaymentID = *patch.GatewayPaymentID
		set("gatewayPaymentId", d.GatewayPaymentID)
	}
	if patch.Signature != nil {
		d.Signature = *patch.Signature
		set("signature", d.Signature)
	}
	if patch.PaymentMethod != nil {
		d.PaymentMethod = *patch.PaymentMethod
		set("paymentMethod", d.PaymentMethod)
	}
	if patch.PaymentDate != nil {
		paid := patch.PaymentDate.UTC()
		d.PaymentDate = &paid
		set("paymentDate", paid)
	}
	if patch.PaymentVerified != nil {
		d.PaymentVerified = *patch.PaymentVerified
		set("paymentVerified", d.PaymentVerified)
	}
	if patch.PaymentCaptured != nil {
		d.PaymentCaptured = *patch.PaymentCaptured
		set("paymentCaptured", d.PaymentCaptured)
	}
	if patch.Notes != nil {
		d.Notes = *patch.Notes
		set("notes", d.Notes)
	}

	d.Total = total
	d.UpdatedAt = updatedAt
	set("total", total)
	set("updatedAt", updatedAt)
	return updates
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID: id,
		Customer: domain.Customer{
			UserID: d.CustomerUserID,
			Name:   d.CustomerName,
			Email:  d.CustomerEmail,
			Phone:  d.CustomerPhone,
		},
		ShippingAddressID:   d.ShippingAddressID,
		ShippingAddressText: d.ShippingAddressText,
		Products:            d.Products,
		LineCount:           d.LineCount,
		Subtotal:            d.Subtotal,
		ShippingCost:        d.ShippingCost,
		DiscountAmount:      d.DiscountAmount,
		Total:               d.Total,
		Status:              domain.OrderStatus(d.Status),
		PaymentStatus:       domain.PaymentStatus(d.PaymentStatus),
		PaymentID:           d.PaymentID,
		GatewayOrderID:      d.GatewayOrderID,
		GatewayPaymentID:    d.GatewayPaymentID,
		Signature:           d.Signature,
		PaymentMethod:       d.PaymentMethod,
		PaymentVerified:     d.PaymentVerified,
		PaymentCaptured:     d.PaymentCaptured,
		CouponCode:          d.CouponCode,
		Notes:               d.Notes,
		IsGuestOrder:        d.IsGuestOrder,
		AttemptKey:          d.AttemptKey,
		SessionToken:        d.SessionToken,
		CreatedAt:           d.CreatedAt.UTC(),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}
	if d.PaymentDate != nil {
		paid := d.PaymentDate.UTC()
		order.PaymentDate = &paid
	}
	return order
}
