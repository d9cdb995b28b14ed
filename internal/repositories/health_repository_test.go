package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
)

func TestProbeHealthRepositoryAllHealthy(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewProbeHealthRepository([]Probe{
		{Name: "firestore", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, err := repo.Readiness(context.Background())
	if err != nil {
		t.Fatalf("Readiness: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if len(report.Dependencies) != 2 {
		t.Fatalf("expected 2 dependencies, got %d", len(report.Dependencies))
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestProbeHealthRepositoryClassifiesFailures(t *testing.T) {
	repo, err := NewProbeHealthRepository([]Probe{
		{Name: "firestore", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	}, nil)
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}
	report, _ := repo.Readiness(context.Background())
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if got := report.Dependencies["redis"].Detail; got != "connection refused" {
		t.Fatalf("unexpected detail %q", got)
	}

	repo, _ = NewProbeHealthRepository([]Probe{
		{Name: "firestore", Critical: true, Timeout: 5 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}, nil)
	report, _ = repo.Readiness(context.Background())
	if report.Status != domain.HealthStatusDown {
		t.Fatalf("expected down, got %s", report.Status)
	}
	if report.Dependencies["firestore"].Detail != "timeout" {
		t.Fatalf("expected timeout detail, got %q", report.Dependencies["firestore"].Detail)
	}
}

func TestNewProbeHealthRepositoryRejectsInvalidProbes(t *testing.T) {
	if _, err := NewProbeHealthRepository(nil, nil); err == nil {
		t.Fatalf("expected error for empty probe set")
	}
	if _, err := NewProbeHealthRepository([]Probe{{Name: "x"}}, nil); err == nil {
		t.Fatalf("expected error for probe without check")
	}
}
