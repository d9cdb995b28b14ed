package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/platform/textutil"
	"github.com/karigai/settlement/internal/repositories"
)

const (
	orderIDPrefix      = "ord_"
	orderNotesMaxRunes = 1000

	defaultGuestOrderNotes = "Guest checkout order"
	defaultOrderNotes      = "Order created, awaiting payment"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a duplicate id or a concurrent write.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

// Fulfilment states reached by manual reconciliation are outside this service. A captured
// payment outranks an earlier cancellation or error, so both may still settle.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {
		domain.OrderStatusProcessing,
		domain.OrderStatusPaymentIssue,
		domain.OrderStatusPaymentCancelled,
		domain.OrderStatusPaymentError,
	},
	domain.OrderStatusPaymentIssue:     {domain.OrderStatusProcessing},
	domain.OrderStatusPaymentCancelled: {domain.OrderStatusProcessing, domain.OrderStatusPaymentIssue},
	domain.OrderStatusPaymentError:     {domain.OrderStatusProcessing, domain.OrderStatusPaymentIssue},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Create writes a pending order carrying the full totals snapshot.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: order has no lines", ErrOrderInvalidInput)
	}
	addressID := strings.TrimSpace(cmd.Address.AddressID)
	snapshot := strings.TrimSpace(cmd.Address.Snapshot)
	if addressID == "" && snapshot == "" {
		return Order{}, fmt.Errorf("%w: shipping address is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.Customer.Email) == "" && strings.TrimSpace(cmd.Customer.Phone) == "" {
		return Order{}, fmt.Errorf("%w: customer contact is required", ErrOrderInvalidInput)
	}

	products, err := serialiseLineItems(cmd.Lines)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	guest := cmd.Customer.IsGuest()
	notes := textutil.PlainText(cmd.Notes, orderNotesMaxRunes)
	if notes == "" {
		notes = defaultOrderNotes
		if guest {
			notes = defaultGuestOrderNotes
		}
	}

	b := cmd.Breakdown
	now := s.clock()
	order := Order{
		ID: s.ensureOrderID(),
		Customer: Customer{
			UserID: strings.TrimSpace(cmd.Customer.UserID),
			Name:   textutil.PlainText(cmd.Customer.Name, 200),
			Email:  strings.TrimSpace(cmd.Customer.Email),
			Phone:  strings.TrimSpace(cmd.Customer.Phone),
		},
		Products:       products,
		LineCount:      len(cmd.Lines),
		Subtotal:       b.Subtotal,
		ShippingCost:   b.ShippingCost,
		DiscountAmount: b.TotalDiscount,
		Total:          domain.OrderTotal(b.Subtotal, b.ShippingCost, b.TotalDiscount),
		Status:         domain.OrderStatusPending,
		PaymentStatus:  domain.PaymentStatusPending,
		PaymentMethod:  "razorpay",
		CouponCode:     strings.TrimSpace(b.CouponCode),
		Notes:          notes,
		IsGuestOrder:   guest,
		AttemptKey:     strings.TrimSpace(cmd.AttemptKey),
		SessionToken:   strings.TrimSpace(cmd.SessionToken),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if guest {
		order.ShippingAddressText = snapshot
	} else {
		order.ShippingAddressID = addressID
		if order.ShippingAddressID == "" {
			order.ShippingAddressText = snapshot
		}
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.translateRepoError(err)
	}
	s.logger(ctx, "order.created", map[string]any{
		"orderId": order.ID,
		"total":   order.Total,
		"guest":   guest,
	})
	return order, nil
}

// Transition applies a partial patch. The state check and the total are both evaluated against
// the order as read inside the write transaction, never against an earlier read.
func (s *orderService) Transition(ctx context.Context, orderID string, patch OrderPatch) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if patch.IsEmpty() {
		return Order{}, fmt.Errorf("%w: patch is empty", ErrOrderInvalidInput)
	}
	if patch.ShippingCost != nil && *patch.ShippingCost < 0 {
		return Order{}, fmt.Errorf("%w: shipping cost must not be negative", ErrOrderInvalidInput)
	}
	if patch.Notes != nil {
		notes := textutil.PlainText(*patch.Notes, orderNotesMaxRunes)
		patch.Notes = &notes
	}

	var from domain.OrderStatus
	updated, err := s.orders.Update(ctx, orderID, func(current Order) (OrderPatch, int64, error) {
		from = current.Status
		if patch.Status != nil && !canTransition(current.Status, *patch.Status) {
			return OrderPatch{}, 0, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, current.Status, *patch.Status)
		}
		shipping := current.ShippingCost
		if patch.ShippingCost != nil {
			shipping = *patch.ShippingCost
		}
		return patch, domain.OrderTotal(current.Subtotal, shipping, current.DiscountAmount), nil
	}, s.clock())
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	if patch.Status != nil && from != *patch.Status {
		s.logger(ctx, "order.status_changed", map[string]any{
			"orderId": orderID,
			"from":    string(from),
			"to":      string(*patch.Status),
		})
	}
	return updated, nil
}

// Get loads one order.
func (s *orderService) Get(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	return order, nil
}

func (s *orderService) ensureOrderID() string {
	id := strings.TrimSpace(s.newID())
	if !strings.HasPrefix(id, orderIDPrefix) {
		id = orderIDPrefix + id
	}
	return id
}

func (s *orderService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrOrderInvalidState) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

type lineItemSnapshot struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPricePaise"`
	Color       string `json:"color,omitempty"`
	Size        string `json:"size,omitempty"`
	SizeLabel   string `json:"sizeLabel,omitempty"`
	Combo       string `json:"combo,omitempty"`
	ComboLabel  string `json:"comboLabel,omitempty"`
}

// serialiseLineItems freezes the cart into the order's product snapshot, variant labels included.
func serialiseLineItems(lines []CartLine) (string, error) {
	items := make([]lineItemSnapshot, 0, len(lines))
	for _, line := range lines {
		items = append(items, lineItemSnapshot{
			ProductID:   strings.TrimSpace(line.ProductID),
			ProductName: textutil.PlainText(line.ProductName, 200),
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Color:       strings.TrimSpace(line.Color),
			Size:        strings.TrimSpace(line.Variant.Size),
			SizeLabel:   strings.TrimSpace(line.Variant.SizeLabel),
			Combo:       strings.TrimSpace(line.Variant.Combo),
			ComboLabel:  strings.TrimSpace(line.Variant.ComboLabel),
		})
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode line items: %w", err)
	}
	return string(raw), nil
}

// DecodeLineItems reads the product snapshot back for the confirmation page.
func DecodeLineItems(products string) ([]domain.OrderLineItem, error) {
	if strings.TrimSpace(products) == "" {
		return nil, nil
	}
	var items []lineItemSnapshot
	if err := json.Unmarshal([]byte(products), &items); err != nil {
		return nil, fmt.Errorf("decode line items: %w", err)
	}
	out := make([]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.OrderLineItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Color:       item.Color,
			Size:        item.Size,
			SizeLabel:   item.SizeLabel,
			Combo:       item.Combo,
			ComboLabel:  item.ComboLabel,
		})
	}
	return out, nil
}
