package services

import (
	"cmp"
	"context"
	"errors"
	"time"

	domain "github.com/storefront/api/internal/domain"
)

// BuildInfo identifies the running binary on the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthCollector runs the dependency probes behind /readyz.
type HealthCollector interface {
	Collect(ctx context.Context) domain.HealthReport
}

// SystemServiceDeps wires the system service. Clock defaults to time.Now.
type SystemServiceDeps struct {
	Health HealthCollector
	Clock  func() time.Time
	Build  BuildInfo
}

type systemService struct {
	deps SystemServiceDeps
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health collector is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Build.StartedAt.IsZero() {
		deps.Build.StartedAt = deps.Clock()
	}
	return &systemService{deps: deps}, nil
}

// HealthReport runs the probes and stamps the result with version, uptime and the overall
// status when the collector left them blank.
func (s *systemService) HealthReport(ctx context.Context) (HealthReport, error) {
	report := s.deps.Health.Collect(ctx)
	now := s.deps.Clock().UTC()

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = cmp.Or(report.Version, s.deps.Build.Version, s.deps.Build.CommitSHA)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.deps.Build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.HealthCheck{}
	}
	if report.Status == "" {
		report.Status = domain.OverallHealth(report.Checks)
	}
	return report, nil
}
