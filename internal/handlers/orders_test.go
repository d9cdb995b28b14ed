package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/platform/auth"
	"github.com/karigai/settlement/internal/services"
)

type stubOrderService struct {
	getFn func(context.Context, string) (services.Order, error)
}

func (s *stubOrderService) Create(context.Context, services.CreateOrderCommand) (services.Order, error) {
	return services.Order{}, nil
}

func (s *stubOrderService) Transition(context.Context, string, services.OrderPatch) (services.Order, error) {
	return services.Order{}, nil
}

func (s *stubOrderService) Get(ctx context.Context, orderID string) (services.Order, error) {
	return s.getFn(ctx, orderID)
}

func sampleOrder(userID string) domain.Order {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	paid := created.Add(2 * time.Minute)
	return domain.Order{
		ID:            "ord_1",
		Customer:      domain.Customer{UserID: userID, Name: "Asha", Email: "asha@example.com"},
		Products:      `[{"productId":"p1","name":"Saree","quantity":1,"unitPricePaise":50000,"size":"m","sizeLabel":"Medium"}]`,
		LineCount:     1,
		Subtotal:      50000,
		ShippingCost:  4500,
		Total:         54500,
		Status:        domain.OrderStatusProcessing,
		PaymentStatus: domain.PaymentStatusPaid,
		PaymentID:     "pay_1",
		PaymentDate:   &paid,
		IsGuestOrder:  userID == "",
		CreatedAt:     created,
		UpdatedAt:     paid,
	}
}

func orderRouter(orders services.OrderService, uid string) http.Handler {
	h := NewOrderHandlers(nil, orders)
	r := chi.NewRouter()
	if uid != "" {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid})))
			})
		})
	}
	h.Routes(r)
	return r
}

func TestOrderHandlersGuestOrderIsReadable(t *testing.T) {
	orders := &stubOrderService{getFn: func(_ context.Context, id string) (services.Order, error) {
		if id != "ord_1" {
			t.Fatalf("unexpected order id %q", id)
		}
		return sampleOrder(""), nil
	}}
	rr := httptest.NewRecorder()
	orderRouter(orders, "").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ord_1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	order, ok := decodeBody(t, rr)["order"].(map[string]any)
	if !ok {
		t.Fatalf("expected order payload, got %s", rr.Body.String())
	}
	if order["totalDisplay"] != "₹545.00" || order["paymentStatus"] != "paid" || order["isGuestOrder"] != true {
		t.Fatalf("unexpected order %v", order)
	}
	if order["paymentDate"] != "2025-03-01T10:02:00Z" {
		t.Fatalf("unexpected payment date %v", order["paymentDate"])
	}
	items, _ := order["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one line item, got %v", order["items"])
	}
	if line := items[0].(map[string]any); line["size"] != "Medium" || line["unitPrice"] != float64(50000) {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestOrderHandlersHidesOtherShoppersOrders(t *testing.T) {
	orders := &stubOrderService{getFn: func(context.Context, string) (services.Order, error) {
		return sampleOrder("user-1"), nil
	}}

	for _, uid := range []string{"", "user-2"} {
		rr := httptest.NewRecorder()
		orderRouter(orders, uid).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ord_1", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("uid %q: expected 404, got %d", uid, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	orderRouter(orders, "user-1").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ord_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected owner to read the order, got %d", rr.Code)
	}
}

func TestOrderHandlersMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: services.ErrOrderNotFound, status: http.StatusNotFound},
		{err: services.ErrOrderUnavailable, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		orders := &stubOrderService{getFn: func(context.Context, string) (services.Order, error) {
			return services.Order{}, tc.err
		}}
		rr := httptest.NewRecorder()
		orderRouter(orders, "").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ord_1", nil))
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
	}

	orders := &stubOrderService{getFn: func(context.Context, string) (services.Order, error) {
		order := sampleOrder("")
		order.Products = "not-json"
		return order, nil
	}}
	rr := httptest.NewRecorder()
	orderRouter(orders, "").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ord_1", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected unreadable line items to fail, got %d", rr.Code)
	}
}
