package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/storefront/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// Probe is a named dependency check run by readiness endpoints.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// HealthCollector runs probes concurrently and folds them into a report.
type HealthCollector struct {
	probes []Probe
	now    func() time.Time
}

// NewHealthCollector validates the probe set.
func NewHealthCollector(probes []Probe, clock func() time.Time) (*HealthCollector, error) {
	if len(probes) == 0 {
		return nil, errors.New("health: at least one probe is required")
	}
	for _, probe := range probes {
		if strings.TrimSpace(probe.Name) == "" || probe.Check == nil {
			return nil, errors.New("health: probes require a name and check function")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &HealthCollector{probes: append([]Probe(nil), probes...), now: clock}, nil
}

// Collect executes all probes. Probe failures degrade the report rather than returning an error.
func (c *HealthCollector) Collect(ctx context.Context) domain.HealthReport {
	var (
		mu      sync.Mutex
		results = make(map[string]domain.HealthCheck, len(c.probes))
		group   errgroup.Group
	)
	for _, probe := range c.probes {
		probe := probe
		group.Go(func() error {
			timeout := probe.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := c.now()
			err := probe.Check(probeCtx)
			end := c.now()

			check := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				check.Status = domain.HealthStatusError
				check.Detail = "timeout"
			default:
				check.Status = domain.HealthStatusDegraded
				check.Detail = err.Error()
			}

			mu.Lock()
			results[probe.Name] = check
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return domain.HealthReport{Status: domain.OverallHealth(results), Checks: results, GeneratedAt: c.now()}
}
