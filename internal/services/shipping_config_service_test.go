package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
)

type stubShippingRepo struct {
	mu    sync.Mutex
	cfg   domain.ShippingConfig
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (s *stubShippingRepo) FindActive(context.Context) (domain.ShippingConfig, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.ShippingConfig{}, s.err
	}
	if !s.cfg.Active {
		return domain.ShippingConfig{}, fakeRepositoryError{notFound: true}
	}
	return s.cfg, nil
}

func (s *stubShippingRepo) set(cfg domain.ShippingConfig, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.err = err
}

func TestShippingConfigServiceDefaultsWhenMissing(t *testing.T) {
	svc, err := NewShippingConfigService(ShippingConfigServiceDeps{Repository: &stubShippingRepo{}})
	if err != nil {
		t.Fatalf("NewShippingConfigService: %v", err)
	}
	cfg, err := svc.Config(context.Background())
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg != DefaultShippingConfig {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestShippingConfigServiceCachesUntilTTL(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubShippingRepo{cfg: domain.ShippingConfig{HomeCost: 5000, OtherCost: 8000, Active: true}}
	svc, err := NewShippingConfigService(ShippingConfigServiceDeps{
		Repository: repo,
		TTL:        10 * time.Minute,
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewShippingConfigService: %v", err)
	}

	cfg, err := svc.Config(context.Background())
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.HomeCost != 5000 || cfg.HomeDeliveryLabel != "2 days" || cfg.OtherDeliveryLabel != "3-4 days" {
		t.Fatalf("expected stored costs with default labels, got %+v", cfg)
	}

	repo.set(domain.ShippingConfig{HomeCost: 5500, OtherCost: 8000, Active: true}, nil)
	now = now.Add(9 * time.Minute)
	if cfg, _ := svc.Config(context.Background()); cfg.HomeCost != 5000 {
		t.Fatalf("expected cached value before TTL, got %d", cfg.HomeCost)
	}
	if got := repo.calls.Load(); got != 1 {
		t.Fatalf("expected one load, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	if cfg, _ := svc.Config(context.Background()); cfg.HomeCost != 5500 {
		t.Fatalf("expected reload after TTL, got %d", cfg.HomeCost)
	}
}

func TestShippingConfigServiceInvalidate(t *testing.T) {
	repo := &stubShippingRepo{cfg: domain.ShippingConfig{HomeCost: 5000, OtherCost: 8000, Active: true}}
	svc, err := NewShippingConfigService(ShippingConfigServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("NewShippingConfigService: %v", err)
	}
	if _, err := svc.Config(context.Background()); err != nil {
		t.Fatalf("Config: %v", err)
	}
	repo.set(domain.ShippingConfig{HomeCost: 4000, OtherCost: 8000, Active: true}, nil)
	svc.Invalidate()
	cfg, err := svc.Config(context.Background())
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.HomeCost != 4000 {
		t.Fatalf("expected reload after invalidate, got %d", cfg.HomeCost)
	}
}

func TestShippingConfigServiceDoesNotCacheFailures(t *testing.T) {
	repo := &stubShippingRepo{err: errors.New("unavailable")}
	var logged []string
	svc, err := NewShippingConfigService(ShippingConfigServiceDeps{
		Repository: repo,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewShippingConfigService: %v", err)
	}

	cfg, err := svc.Config(context.Background())
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg != DefaultShippingConfig {
		t.Fatalf("expected defaults on failure, got %+v", cfg)
	}
	if len(logged) != 1 || logged[0] != "shipping_config.load_failed" {
		t.Fatalf("expected failure to be logged, got %v", logged)
	}

	repo.set(domain.ShippingConfig{HomeCost: 3000, OtherCost: 5000, Active: true}, nil)
	cfg, err = svc.Config(context.Background())
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.HomeCost != 3000 {
		t.Fatalf("expected fresh load after failure, got %+v", cfg)
	}
}

func TestShippingConfigServiceCollapsesConcurrentLoads(t *testing.T) {
	repo := &stubShippingRepo{
		cfg:  domain.ShippingConfig{HomeCost: 5000, OtherCost: 8000, Active: true},
		gate: make(chan struct{}),
	}
	svc, err := NewShippingConfigService(ShippingConfigServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("NewShippingConfigService: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, _ := svc.Config(context.Background())
			results <- cfg.HomeCost
		}()
	}
	// Let the first loader in, then release it once the rest have had time to pile up.
	for repo.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	wg.Wait()
	close(results)

	for cost := range results {
		if cost != 5000 {
			t.Fatalf("expected every caller to see 5000, got %d", cost)
		}
	}
	if got := repo.calls.Load(); got > 2 {
		t.Fatalf("expected loads to be collapsed, got %d", got)
	}
}
