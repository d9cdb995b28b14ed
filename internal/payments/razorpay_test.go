package payments

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeOrders struct {
	lastData map[string]interface{}
	resp     map[string]interface{}
	err      error
	calls    int
}

func (f *fakeOrders) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.calls++
	f.lastData = data
	return f.resp, f.err
}

type fakePayments struct {
	capturedID     string
	capturedAmount int
	captureErr     error
	fetchResp      map[string]interface{}
	fetchErr       error
}

func (f *fakePayments) Capture(paymentID string, amount int, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.capturedID = paymentID
	f.capturedAmount = amount
	return map[string]interface{}{"id": paymentID, "status": "captured"}, f.captureErr
}

func (f *fakePayments) Fetch(string, map[string]interface{}, map[string]string) (map[string]interface{}, error) {
	return f.fetchResp, f.fetchErr
}

func newTestGateway(t *testing.T, orders *fakeOrders, payments *fakePayments, maxFailures uint32) *RazorpayGateway {
	t.Helper()
	gw, err := NewRazorpayGateway(RazorpayConfig{
		KeyID:       "rzp_test_key",
		KeySecret:   "test_secret",
		MaxFailures: maxFailures,
		Clients:     &razorpayClients{orders: orders, payments: payments},
	})
	if err != nil {
		t.Fatalf("NewRazorpayGateway: %v", err)
	}
	return gw
}

func TestNewRazorpayGatewayRequiresCredentials(t *testing.T) {
	if _, err := NewRazorpayGateway(RazorpayConfig{KeyID: "rzp_test_key"}); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
}

func TestRazorpayCreateOrder(t *testing.T) {
	orders := &fakeOrders{resp: map[string]interface{}{
		"id":       "order_ABC",
		"amount":   float64(49500),
		"currency": "INR",
		"receipt":  "ord_1",
		"status":   "created",
	}}
	gw := newTestGateway(t, orders, &fakePayments{}, 0)

	order, err := gw.CreateOrder(context.Background(), 49500, "inr", "ord_1", map[string]string{"order_id": "ord_1"})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.ID != "order_ABC" || order.Amount != 49500 || order.Currency != "INR" || order.Receipt != "ord_1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if orders.lastData["payment_capture"] != 1 || orders.lastData["currency"] != "INR" || orders.lastData["amount"] != int64(49500) {
		t.Fatalf("unexpected request %+v", orders.lastData)
	}
	notes, ok := orders.lastData["notes"].(map[string]interface{})
	if !ok || notes["order_id"] != "ord_1" || notes["source"] != orderSource {
		t.Fatalf("unexpected notes %+v", orders.lastData["notes"])
	}
	if gw.KeyID() != "rzp_test_key" {
		t.Fatalf("unexpected key id %q", gw.KeyID())
	}
}

func TestGatewayNotes(t *testing.T) {
	notes := gatewayNotes(map[string]string{
		" order_id ": " ord_1 ",
		"  ":         "dropped",
		"source":     "spoofed",
		"address":    strings.Repeat("a", maxOrderNoteRunes+10),
	})
	if len(notes) != 3 || notes["order_id"] != "ord_1" || notes["source"] != orderSource {
		t.Fatalf("unexpected notes %+v", notes)
	}
	if got := notes["address"].(string); len(got) != maxOrderNoteRunes {
		t.Fatalf("expected address clipped to %d, got %d", maxOrderNoteRunes, len(got))
	}

	many := make(map[string]string, 2*maxOrderNotes)
	for i := 0; i < 2*maxOrderNotes; i++ {
		many[fmt.Sprintf("k%02d", i)] = "v"
	}
	capped := gatewayNotes(many)
	if len(capped) != maxOrderNotes || capped["source"] != orderSource || capped["k00"] != "v" {
		t.Fatalf("expected %d notes keeping source, got %+v", maxOrderNotes, capped)
	}
}

func TestRazorpayCreateOrderRejectsNonPositiveAmount(t *testing.T) {
	orders := &fakeOrders{}
	gw := newTestGateway(t, orders, &fakePayments{}, 0)
	if _, err := gw.CreateOrder(context.Background(), 0, "INR", "ord_1", nil); !errors.Is(err, ErrGatewayInvalidInput) {
		t.Fatalf("expected ErrGatewayInvalidInput, got %v", err)
	}
	if orders.calls != 0 {
		t.Fatalf("expected no remote call")
	}
}

func TestRazorpayVerifyPayment(t *testing.T) {
	gw := newTestGateway(t, &fakeOrders{}, &fakePayments{}, 0)
	valid := hex.EncodeToString(PaymentSignature([]byte("test_secret"), "order_ABC", "pay_1"))

	ok, err := gw.VerifyPayment(context.Background(), "pay_1", "order_ABC", valid)
	if err != nil || !ok {
		t.Fatalf("expected valid signature, got ok=%t err=%v", ok, err)
	}
	if ok, _ := gw.VerifyPayment(context.Background(), "pay_2", "order_ABC", valid); ok {
		t.Fatalf("expected signature for another payment to fail")
	}
	if ok, _ := gw.VerifyPayment(context.Background(), "pay_1", "order_ABC", "not-hex"); ok {
		t.Fatalf("expected malformed signature to fail")
	}
	if ok, _ := gw.VerifyPayment(context.Background(), "pay_1", "order_ABC", ""); ok {
		t.Fatalf("expected empty signature to fail")
	}
	if _, err := gw.VerifyPayment(context.Background(), "", "order_ABC", valid); !errors.Is(err, ErrGatewayInvalidInput) {
		t.Fatalf("expected missing payment id to be rejected, got %v", err)
	}
}

func TestRazorpayCaptureAndFetch(t *testing.T) {
	payments := &fakePayments{fetchResp: map[string]interface{}{
		"id":       "pay_1",
		"order_id": "order_ABC",
		"amount":   float64(49500),
		"currency": "INR",
		"status":   "captured",
		"captured": true,
	}}
	gw := newTestGateway(t, &fakeOrders{}, payments, 0)

	if err := gw.CapturePayment(context.Background(), "pay_1", 49500, "INR"); err != nil {
		t.Fatalf("CapturePayment: %v", err)
	}
	if payments.capturedID != "pay_1" || payments.capturedAmount != 49500 {
		t.Fatalf("unexpected capture %s/%d", payments.capturedID, payments.capturedAmount)
	}

	details, err := gw.FetchPayment(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("FetchPayment: %v", err)
	}
	if !details.Captured || details.Status != "captured" || details.Amount != 49500 || details.OrderID != "order_ABC" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestRazorpayBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("502 bad gateway")
	orders := &fakeOrders{err: boom}
	gw := newTestGateway(t, orders, &fakePayments{}, 2)

	for i := 0; i < 2; i++ {
		if _, err := gw.CreateOrder(context.Background(), 100, "INR", "ord_1", nil); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected remote error, got %v", i, err)
		}
	}
	if _, err := gw.CreateOrder(context.Background(), 100, "INR", "ord_1", nil); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if orders.calls != 2 {
		t.Fatalf("expected breaker to short-circuit the third call, got %d calls", orders.calls)
	}
}

func TestRazorpayHonoursCancelledContext(t *testing.T) {
	orders := &fakeOrders{}
	gw := newTestGateway(t, orders, &fakePayments{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gw.CreateOrder(ctx, 100, "INR", "ord_1", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if orders.calls != 0 {
		t.Fatalf("expected no remote call")
	}
}
