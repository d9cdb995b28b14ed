package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemHealthReport is the readiness report enriched with build metadata.
type SystemHealthReport struct {
	ReadinessReport
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing health reports and metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	readiness, err := s.healthRepo.Readiness(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	readiness.GeneratedAt = ensureTimestamp(readiness.GeneratedAt, now)
	if readiness.Dependencies == nil {
		readiness.Dependencies = map[string]domain.DependencyHealth{}
	}
	if strings.TrimSpace(string(readiness.Status)) == "" {
		readiness.Status = deriveStatus(readiness.Dependencies)
	}

	return SystemHealthReport{
		ReadinessReport: readiness,
		Version:         s.build.Version,
		CommitSHA:       s.build.CommitSHA,
		Environment:     s.build.Environment,
		Uptime:          now.Sub(s.build.StartedAt),
	}, nil
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func deriveStatus(deps map[string]domain.DependencyHealth) domain.HealthStatus {
	status := domain.HealthStatusOK
	for _, dep := range deps {
		switch dep.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusDown:
			return domain.HealthStatusDown
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
