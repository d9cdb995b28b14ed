package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// HealthRepository probes the backing services the settlement saga depends on.
type HealthRepository interface {
	Readiness(ctx context.Context) (domain.ReadinessReport, error)
}

// Probe checks one dependency (Firestore, Redis, the event transport...).
type Probe struct {
	Name    string
	Timeout time.Duration
	// Critical probes turn the report down when they fail; others only degrade it.
	Critical bool
	Check    func(context.Context) error
}

type probeHealthRepository struct {
	probes []Probe
	now    func() time.Time
}

// NewProbeHealthRepository validates the probe set and returns a HealthRepository evaluating it concurrently.
func NewProbeHealthRepository(probes []Probe, now func() time.Time) (HealthRepository, error) {
	if len(probes) == 0 {
		return nil, errors.New("health repository: at least one probe is required")
	}
	for _, p := range probes {
		if strings.TrimSpace(p.Name) == "" || p.Check == nil {
			return nil, errors.New("health repository: probes need a name and a check")
		}
	}
	if now == nil {
		now = time.Now
	}
	return &probeHealthRepository{probes: append([]Probe(nil), probes...), now: now}, nil
}

func (r *probeHealthRepository) Readiness(ctx context.Context) (domain.ReadinessReport, error) {
	results := make(map[string]domain.DependencyHealth, len(r.probes))
	down := false
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, probe := range r.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			timeout := p.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := p.Check(probeCtx)
			end := r.now()

			result := domain.DependencyHealth{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			if err != nil {
				result.Status = domain.HealthStatusDegraded
				result.Detail = err.Error()
				if errors.Is(err, context.DeadlineExceeded) {
					result.Detail = "timeout"
				}
				if p.Critical {
					result.Status = domain.HealthStatusDown
				}
			}

			mu.Lock()
			results[p.Name] = result
			if result.Status == domain.HealthStatusDown {
				down = true
			}
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	if down {
		status = domain.HealthStatusDown
	} else {
		for _, res := range results {
			if res.Status != domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
				break
			}
		}
	}
	return domain.ReadinessReport{Status: status, Dependencies: results, GeneratedAt: r.now()}, nil
}
