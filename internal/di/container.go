package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/karigai/settlement/internal/platform/config"
	"github.com/karigai/settlement/internal/platform/inflight"
	"github.com/karigai/settlement/internal/platform/observability"
	"github.com/karigai/settlement/internal/platform/storage"
	"github.com/karigai/settlement/internal/repositories"
	"github.com/karigai/settlement/internal/services"
)

const instrumentationName = "github.com/karigai/settlement/internal/services"

// Services bundles the service-layer contracts that handlers and workers rely upon.
type Services struct {
	Regions    services.RegionClassifier
	Shipping   services.ShippingConfigService
	Coupons    services.CouponService
	Pricing    services.PricingEngine
	Addresses  services.AddressResolver
	Orders     services.OrderService
	Reconciler services.ReconciliationGuard
	Events     services.EventNotifier
	Webhooks   services.WebhookDispatcher
	Settlement services.SettlementService
	System     services.SystemService
}

// Infrastructure carries the process-level collaborators built in main: payment gateway, event
// transport, in-flight guard and incident archive.
type Infrastructure struct {
	Gateway   services.PaymentGateway
	Publisher services.EventPublisher
	Guard     inflight.Guard
	// Incidents is optional; without it payment issues are only logged.
	Incidents storage.IncidentArchive
	Logger    *zap.Logger
	Build     services.BuildInfo
	Clock     func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := infra.Publisher
	if publisher == nil {
		return Services{}, errors.New("event publisher is required")
	}
	guard := infra.Guard
	if guard == nil {
		guard = inflight.NewMemoryGuard(clock)
	}

	var svc Services
	svc.Regions = services.NewPostalRegionClassifier()

	shipping, err := services.NewShippingConfigService(services.ShippingConfigServiceDeps{
		Repository: reg.ShippingConfig(),
		TTL:        cfg.Checkout.ShippingCacheTTL,
		Clock:      clock,
		Logger:     observability.NewEventLogger(logger.Named("shipping")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build shipping config service: %w", err)
	}
	svc.Shipping = shipping

	coupons, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: reg.Coupons(),
		Clock:   clock,
		Logger:  observability.NewEventLogger(logger.Named("coupons")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = coupons

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Shipping: svc.Shipping,
		Coupons:  svc.Coupons,
		Offers:   reg.Offers(),
		Regions:  svc.Regions,
		Logger:   observability.NewEventLogger(logger.Named("pricing")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	addresses, err := services.NewAddressService(services.AddressServiceDeps{
		Addresses: reg.Addresses(),
		Clock:     clock,
		Logger:    observability.NewEventLogger(logger.Named("addresses")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build address service: %w", err)
	}
	svc.Addresses = addresses

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Clock:  clock,
		Logger: observability.NewEventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	reconciler, err := services.NewReconciliationGuard(services.ReconciliationGuardDeps{
		Orders:   svc.Orders,
		Shipping: svc.Shipping,
		Regions:  svc.Regions,
		Logger:   observability.NewEventLogger(logger.Named("reconciliation")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation guard: %w", err)
	}
	svc.Reconciler = reconciler

	notifier, err := services.NewEventNotifier(services.EventNotifierDeps{
		Publisher: publisher,
		Clock:     clock,
		Logger:    observability.NewEventLogger(logger.Named("events")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build event notifier: %w", err)
	}
	svc.Events = notifier

	webhooks, err := services.NewWebhookDispatcher(services.WebhookDispatcherDeps{
		Subscriptions: reg.Webhooks(),
		Failures:      reg.WebhookFailures(),
		Timeout:       cfg.Webhooks.Timeout,
		Retries:       cfg.Webhooks.Retries,
		UserAgent:     cfg.Webhooks.UserAgent,
		Clock:         clock,
		Logger:        observability.NewEventLogger(logger.Named("webhooks")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook dispatcher: %w", err)
	}
	svc.Webhooks = webhooks

	settlement, err := services.NewSettlementService(services.SettlementServiceDeps{
		Pricing:          svc.Pricing,
		Addresses:        svc.Addresses,
		Orders:           svc.Orders,
		Reconciler:       svc.Reconciler,
		Gateway:          infra.Gateway,
		Events:           svc.Events,
		Coupons:          svc.Coupons,
		Guard:            guard,
		Incidents:        infra.Incidents,
		Regions:          svc.Regions,
		Clock:            clock,
		Logger:           observability.NewEventLogger(logger.Named("settlement")),
		Tracer:           otel.Tracer(instrumentationName),
		Meter:            otel.Meter(instrumentationName),
		UpdateAttempts:   cfg.Checkout.UpdateAttempts,
		UpdateDelay:      cfg.Checkout.UpdateDelay,
		InFlightTTL:      cfg.Checkout.InFlightTTL,
		ConfirmationPath: cfg.Checkout.ConfirmationPath,
		MerchantName:     cfg.Checkout.MerchantName,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement service: %w", err)
	}
	svc.Settlement = settlement

	if health := reg.Health(); health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            clock,
			Build:            infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
