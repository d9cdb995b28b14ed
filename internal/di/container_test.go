package di

import (
	"context"
	"testing"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/platform/config"
	"github.com/karigai/settlement/internal/platform/events"
	"github.com/karigai/settlement/internal/repositories"
	"github.com/karigai/settlement/internal/services"
)

type stubRegistry struct {
	health repositories.HealthRepository
	closed bool
}

func (r *stubRegistry) Close(context.Context) error {
	r.closed = true
	return nil
}

func (r *stubRegistry) Orders() repositories.OrderRepository { return stubOrders{} }
func (r *stubRegistry) Addresses() repositories.AddressRepository { return stubAddresses{} }
func (r *stubRegistry) Coupons() repositories.CouponRepository { return stubCoupons{} }
func (r *stubRegistry) Offers() repositories.OfferRepository { return stubOffers{} }
func (r *stubRegistry) ShippingConfig() repositories.ShippingConfigRepository { return stubShipping{} }
func (r *stubRegistry) Webhooks() repositories.WebhookSubscriptionRepository { return stubWebhooks{} }
func (r *stubRegistry) WebhookFailures() repositories.WebhookFailureRepository { return nil }
func (r *stubRegistry) Health() repositories.HealthRepository { return r.health }
func (r *stubRegistry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type stubOrders struct{}

func (stubOrders) Insert(context.Context, domain.Order) error { return nil }
func (stubOrders) Update(context.Context, string, repositories.OrderMutation, time.Time) (domain.Order, error) {
	return domain.Order{}, nil
}
func (stubOrders) FindByID(context.Context, string) (domain.Order, error) { return domain.Order{}, nil }

type stubAddresses struct{}

func (stubAddresses) FindByUser(context.Context, string) (domain.Address, error) {
	return domain.Address{}, nil
}
func (stubAddresses) UpsertForUser(_ context.Context, addr domain.Address) (domain.Address, bool, error) {
	return addr, true, nil
}

type stubCoupons struct{}

func (stubCoupons) FindActiveByCode(context.Context, string) (domain.Coupon, error) {
	return domain.Coupon{}, nil
}
func (stubCoupons) IncrementUsage(context.Context, string, int) error { return nil }

type stubOffers struct{}

func (stubOffers) FindActive(context.Context) (domain.Offer, error) { return domain.Offer{}, nil }

type stubShipping struct{}

func (stubShipping) FindActive(context.Context) (domain.ShippingConfig, error) {
	return domain.ShippingConfig{HomeCost: 4500, OtherCost: 9000, Active: true}, nil
}

type stubWebhooks struct{}

func (stubWebhooks) ListActive(context.Context) ([]domain.WebhookSubscription, error) { return nil, nil }

type stubGateway struct{}

func (stubGateway) CreateOrder(context.Context, int64, string, string, map[string]string) (domain.GatewayOrder, error) {
	return domain.GatewayOrder{}, nil
}
func (stubGateway) VerifyPayment(context.Context, string, string, string) (bool, error) {
	return true, nil
}
func (stubGateway) CapturePayment(context.Context, string, int64, string) error { return nil }
func (stubGateway) FetchPayment(context.Context, string) (domain.PaymentDetails, error) {
	return domain.PaymentDetails{}, nil
}
func (stubGateway) KeyID() string { return "rzp_test_key" }

func testConfig() config.Config {
	return config.Config{
		Checkout: config.CheckoutConfig{
			UpdateAttempts:   3,
			UpdateDelay:      time.Millisecond,
			InFlightTTL:      time.Minute,
			ShippingCacheTTL: time.Hour,
			ConfirmationPath: "/order-confirmation",
			MerchantName:     "Karigai",
		},
		Webhooks: config.WebhookConfig{Timeout: time.Second, Retries: 1},
	}
}

func TestNewContainerBuildsServices(t *testing.T) {
	health, err := repositories.NewProbeHealthRepository([]repositories.Probe{{
		Name:     "firestore",
		Critical: true,
		Check:    func(context.Context) error { return nil },
	}}, nil)
	if err != nil {
		t.Fatalf("health repository: %v", err)
	}
	reg := &stubRegistry{health: health}

	c, err := NewContainer(context.Background(), testConfig(), reg, Infrastructure{
		Gateway:   stubGateway{},
		Publisher: events.NopPublisher{},
		Build:     services.BuildInfo{Version: "test"},
	})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}

	svc := c.Services
	if svc.Pricing == nil || svc.Coupons == nil || svc.Orders == nil || svc.Settlement == nil || svc.Webhooks == nil || svc.System == nil {
		t.Fatalf("expected services to be wired, got %+v", svc)
	}

	report, err := svc.System.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "test" {
		t.Fatalf("expected build info to flow through, got %+v", report)
	}

	if err := c.Close(context.Background()); err != nil || !reg.closed {
		t.Fatalf("expected registry to be closed, err=%v", err)
	}
}

func TestNewContainerRequiresCollaborators(t *testing.T) {
	if _, err := NewContainer(context.Background(), testConfig(), nil, Infrastructure{Gateway: stubGateway{}}); err == nil {
		t.Fatalf("expected missing registry to fail")
	}
	if _, err := NewContainer(context.Background(), testConfig(), &stubRegistry{}, Infrastructure{Publisher: events.NopPublisher{}}); err == nil {
		t.Fatalf("expected missing gateway to fail")
	}
	_, err := NewContainer(context.Background(), testConfig(), &stubRegistry{}, Infrastructure{Gateway: stubGateway{}})
	if err == nil {
		t.Fatalf("expected missing publisher to fail, got %v", err)
	}
}
