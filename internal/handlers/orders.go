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

// OrderHandlers serves the order confirmation lookup.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Get("/{orderID}", h.getOrder)
}

type orderLineItemPayload struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	Color       string `json:"color,omitempty"`
	Size        string `json:"size,omitempty"`
	Combo       string `json:"combo,omitempty"`
}

type orderPayload struct {
	ID             string                 `json:"id"`
	Status         string                 `json:"status"`
	PaymentStatus  string                 `json:"paymentStatus"`
	CustomerName   string                 `json:"customerName"`
	CustomerEmail  string                 `json:"customerEmail"`
	Items          []orderLineItemPayload `json:"items"`
	Subtotal       int64                  `json:"subtotal"`
	ShippingCost   int64                  `json:"shippingCost"`
	DiscountAmount int64                  `json:"discountAmount"`
	Total          int64                  `json:"total"`
	TotalDisplay   string                 `json:"totalDisplay"`
	CouponCode     string                 `json:"couponCode,omitempty"`
	PaymentID      string                 `json:"paymentId,omitempty"`
	PaymentDate    string                 `json:"paymentDate,omitempty"`
	IsGuestOrder   bool                   `json:"isGuestOrder"`
	CreatedAt      string                 `json:"createdAt"`
	UpdatedAt      string                 `json:"updatedAt"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	// Orders placed by a registered shopper are only visible to that shopper.
	if owner := strings.TrimSpace(order.Customer.UserID); owner != "" && owner != auth.UserID(ctx) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	payload, err := buildOrderPayload(order)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "order line items are unreadable", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": payload})
}

func buildOrderPayload(order domain.Order) (orderPayload, error) {
	lines, err := services.DecodeLineItems(order.Products)
	if err != nil {
		return orderPayload{}, err
	}
	items := make([]orderLineItemPayload, 0, len(lines))
	for _, line := range lines {
		size := line.SizeLabel
		if size == "" {
			size = line.Size
		}
		combo := line.ComboLabel
		if combo == "" {
			combo = line.Combo
		}
		items = append(items, orderLineItemPayload{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Color:       line.Color,
			Size:        size,
			Combo:       combo,
		})
	}

	payload := orderPayload{
		ID:             order.ID,
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		CustomerName:   order.Customer.Name,
		CustomerEmail:  order.Customer.Email,
		Items:          items,
		Subtotal:       order.Subtotal,
		ShippingCost:   order.ShippingCost,
		DiscountAmount: order.DiscountAmount,
		Total:          order.Total,
		TotalDisplay:   "₹" + domain.PaiseToRupees(order.Total).StringFixed(2),
		CouponCode:     order.CouponCode,
		PaymentID:      order.PaymentID,
		IsGuestOrder:   order.IsGuestOrder,
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
	}
	if order.PaymentDate != nil {
		payload.PaymentDate = formatTime(*order.PaymentDate)
	}
	return payload, nil
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to load order", http.StatusInternalServerError))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
