package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/karigai/settlement/internal/repositories"
)

const defaultShippingCacheTTL = time.Hour

// DefaultShippingConfig applies when no active shipping_config record exists.
var DefaultShippingConfig = ShippingConfig{
	HomeCost:           4500,
	OtherCost:          6000,
	HomeDeliveryLabel:  "2 days",
	OtherDeliveryLabel: "3-4 days",
	Active:             true,
}

// ShippingConfigServiceDeps wires the shipping table loader.
type ShippingConfigServiceDeps struct {
	Repository repositories.ShippingConfigRepository
	TTL        time.Duration
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type shippingConfigService struct {
	repo   repositories.ShippingConfigRepository
	ttl    time.Duration
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
	group  singleflight.Group

	mu      sync.RWMutex
	cached  ShippingConfig
	expires time.Time
	loaded  bool
}

// NewShippingConfigService constructs the TTL-cached shipping table service.
func NewShippingConfigService(deps ShippingConfigServiceDeps) (ShippingConfigService, error) {
	if deps.Repository == nil {
		return nil, errors.New("shipping config service: repository is required")
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultShippingCacheTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &shippingConfigService{
		repo:   deps.Repository,
		ttl:    ttl,
		now:    func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Config returns the cached table, reloading once per TTL. Concurrent misses share one load.
// Read failures fall back to the defaults without caching them.
func (s *shippingConfigService) Config(ctx context.Context) (ShippingConfig, error) {
	if cfg, ok := s.fromCache(); ok {
		return cfg, nil
	}

	v, _, _ := s.group.Do("shipping_config", func() (any, error) {
		if cfg, ok := s.fromCache(); ok {
			return cfg, nil
		}
		cfg, cacheable := s.load(ctx)
		if cacheable {
			s.mu.Lock()
			s.cached = cfg
			s.expires = s.now().Add(s.ttl)
			s.loaded = true
			s.mu.Unlock()
		}
		return cfg, nil
	})
	return v.(ShippingConfig), nil
}

// Invalidate drops the cached table so the next call reloads it.
func (s *shippingConfigService) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *shippingConfigService) fromCache() (ShippingConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded || !s.now().Before(s.expires) {
		return ShippingConfig{}, false
	}
	return s.cached, true
}

func (s *shippingConfigService) load(ctx context.Context) (ShippingConfig, bool) {
	cfg, err := s.repo.FindActive(ctx)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return DefaultShippingConfig, true
		}
		s.logger(ctx, "shipping_config.load_failed", map[string]any{"error": err.Error()})
		return DefaultShippingConfig, false
	}
	if !cfg.Active {
		return DefaultShippingConfig, true
	}
	return withShippingDefaults(cfg), true
}

func withShippingDefaults(cfg ShippingConfig) ShippingConfig {
	if cfg.HomeDeliveryLabel == "" {
		cfg.HomeDeliveryLabel = DefaultShippingConfig.HomeDeliveryLabel
	}
	if cfg.OtherDeliveryLabel == "" {
		cfg.OtherDeliveryLabel = DefaultShippingConfig.OtherDeliveryLabel
	}
	return cfg
}
