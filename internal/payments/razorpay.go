// Package payments adapts the Razorpay API to the settlement saga.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/sony/gobreaker/v2"

	domain "github.com/karigai/settlement/internal/domain"
)

const (
	orderSource = "karigai-checkout"

	// Razorpay rejects orders with more notes or longer values than this.
	maxOrderNotes     = 15
	maxOrderNoteRunes = 256

	defaultBreakerTimeout = 30 * time.Second
	defaultMaxFailures    = 5
)

var (
	// ErrGatewayUnavailable is returned while the circuit breaker is open.
	ErrGatewayUnavailable = errors.New("razorpay: gateway unavailable")
	// ErrGatewayInvalidInput indicates a request the gateway would reject outright.
	ErrGatewayInvalidInput = errors.New("razorpay: invalid input")
)

// Logger defines the logging contract for gateway operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPaymentAPI interface {
	Capture(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayClients struct {
	orders   razorpayOrderAPI
	payments razorpayPaymentAPI
}

// RazorpayConfig configures the RazorpayGateway.
type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	Logger      Logger
	Clients     *razorpayClients
}

// RazorpayGateway implements the saga's payment gateway contract on the Razorpay Orders API.
type RazorpayGateway struct {
	api     razorpayClients
	keyID   string
	secret  []byte
	breaker *gobreaker.CircuitBreaker[map[string]interface{}]
	logger  Logger
}

// NewRazorpayGateway constructs the gateway. Key id and secret are always required because the
// secret also verifies payment signatures locally.
func NewRazorpayGateway(cfg RazorpayConfig) (*RazorpayGateway, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	secret := strings.TrimSpace(cfg.KeySecret)
	if keyID == "" || secret == "" {
		return nil, errors.New("razorpay: key id and key secret are required")
	}

	var clients razorpayClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		rc := razorpay.NewClient(keyID, secret)
		clients = razorpayClients{orders: rc.Order, payments: rc.Payment}
	}
	if clients.orders == nil || clients.payments == nil {
		return nil, errors.New("razorpay: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}

	breaker := gobreaker.NewCircuitBreaker[map[string]interface{}](gobreaker.Settings{
		Name:    "razorpay",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger(context.Background(), "payments.razorpay.breaker", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &RazorpayGateway{
		api:     clients,
		keyID:   keyID,
		secret:  []byte(secret),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// KeyID returns the public key id handed to the checkout widget.
func (g *RazorpayGateway) KeyID() string {
	return g.keyID
}

// CreateOrder creates an auto-capturing Razorpay order for amountPaise.
func (g *RazorpayGateway) CreateOrder(ctx context.Context, amountPaise int64, currency, receipt string, notes map[string]string) (domain.GatewayOrder, error) {
	if amountPaise <= 0 {
		return domain.GatewayOrder{}, fmt.Errorf("%w: amount must be positive", ErrGatewayInvalidInput)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = domain.CurrencyINR
	}

	data := map[string]interface{}{
		"amount":          amountPaise,
		"currency":        currency,
		"receipt":         receipt,
		"payment_capture": 1,
		"notes":           gatewayNotes(notes),
	}
	body, err := g.call(ctx, func() (map[string]interface{}, error) {
		return g.api.orders.Create(data, nil)
	})
	if err != nil {
		return domain.GatewayOrder{}, fmt.Errorf("razorpay: create order: %w", err)
	}

	order := domain.GatewayOrder{
		ID:       stringField(body, "id"),
		Amount:   int64Field(body, "amount"),
		Currency: stringField(body, "currency"),
		Receipt:  stringField(body, "receipt"),
		Status:   stringField(body, "status"),
	}
	g.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"gatewayOrderId": order.ID,
		"amount":         order.Amount,
		"receipt":        receipt,
	})
	return order, nil
}

// VerifyPayment checks the widget's signature locally: HMAC-SHA256 of "orderID|paymentID" keyed
// with the account secret. A malformed signature is reported as unverified, not as an error.
func (g *RazorpayGateway) VerifyPayment(ctx context.Context, paymentID, orderID, signature string) (bool, error) {
	paymentID = strings.TrimSpace(paymentID)
	orderID = strings.TrimSpace(orderID)
	signature = strings.TrimSpace(signature)
	if paymentID == "" || orderID == "" {
		return false, fmt.Errorf("%w: payment id and order id are required", ErrGatewayInvalidInput)
	}
	if signature == "" {
		return false, nil
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(given, PaymentSignature(g.secret, orderID, paymentID)), nil
}

// CapturePayment captures an authorized payment for the full amount.
func (g *RazorpayGateway) CapturePayment(ctx context.Context, paymentID string, amountPaise int64, currency string) error {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrGatewayInvalidInput)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = domain.CurrencyINR
	}
	_, err := g.call(ctx, func() (map[string]interface{}, error) {
		return g.api.payments.Capture(paymentID, int(amountPaise), map[string]interface{}{"currency": currency}, nil)
	})
	if err != nil {
		return fmt.Errorf("razorpay: capture payment: %w", err)
	}
	g.logger(ctx, "payments.razorpay.payment.captured", map[string]any{
		"paymentId": paymentID,
		"amount":    amountPaise,
	})
	return nil
}

// FetchPayment reads the gateway's view of a payment.
func (g *RazorpayGateway) FetchPayment(ctx context.Context, paymentID string) (domain.PaymentDetails, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.PaymentDetails{}, fmt.Errorf("%w: payment id is required", ErrGatewayInvalidInput)
	}
	body, err := g.call(ctx, func() (map[string]interface{}, error) {
		return g.api.payments.Fetch(paymentID, nil, nil)
	})
	if err != nil {
		return domain.PaymentDetails{}, fmt.Errorf("razorpay: fetch payment: %w", err)
	}
	captured, _ := body["captured"].(bool)
	return domain.PaymentDetails{
		ID:       stringField(body, "id"),
		OrderID:  stringField(body, "order_id"),
		Amount:   int64Field(body, "amount"),
		Currency: stringField(body, "currency"),
		Status:   stringField(body, "status"),
		Captured: captured,
	}, nil
}

// call runs fn behind the breaker. The SDK takes no context, so cancellation is only observed
// before the request starts.
func (g *RazorpayGateway) call(ctx context.Context, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return body, err
}

// PaymentSignature computes the raw checkout signature Razorpay returns to the widget.
func PaymentSignature(secret []byte, orderID, paymentID string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return mac.Sum(nil)
}

func stringField(body map[string]interface{}, key string) string {
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}

// int64Field accepts the float64 produced by encoding/json as well as integer and string forms.
func int64Field(body map[string]interface{}, key string) int64 {
	switch v := body[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// gatewayNotes trims notes into the shape Razorpay accepts. Blank keys are dropped, values are
// clipped, and the source tag always takes one of the slots.
func gatewayNotes(notes map[string]string) map[string]interface{} {
	out := map[string]interface{}{"source": orderSource}
	for _, key := range slices.Sorted(maps.Keys(notes)) {
		if len(out) >= maxOrderNotes {
			break
		}
		name := strings.TrimSpace(key)
		if name == "" || name == "source" {
			continue
		}
		value := []rune(strings.TrimSpace(notes[key]))
		if len(value) > maxOrderNoteRunes {
			value = value[:maxOrderNoteRunes]
		}
		out[name] = string(value)
	}
	return out
}
