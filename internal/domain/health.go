package domain

import "time"

// Readiness states, ordered from best to worst.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// HealthCheck is the result of probing one dependency (order store, Redis).
type HealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport is what /readyz renders.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	Version     string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// OverallHealth is the worst status among checks. Unknown statuses count as degraded and an
// empty status as ok.
func OverallHealth(checks map[string]HealthCheck) string {
	overall := HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case HealthStatusOK, "":
		case HealthStatusError:
			return HealthStatusError
		default:
			overall = HealthStatusDegraded
		}
	}
	return overall
}
