package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storefront/api/internal/services"
)

const metricsNamespace = "storefront"

// Metrics owns the Prometheus collectors for HTTP traffic and the order workflow.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	ordersCreated    *prometheus.CounterVec
	orderValue       *prometheus.CounterVec
	ordersRejected   *prometheus.CounterVec
	ordersCancelled  *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	reconciliations  *prometheus.CounterVec
	refunds          *prometheus.CounterVec
	sweepOutcomes    *prometheus.CounterVec
	sweepLastSuccess prometheus.Gauge

	authChecks  *prometheus.CounterVec
	authLatency *prometheus.HistogramVec
}

var _ services.WorkflowMetrics = (*Metrics)(nil)

// NewMetrics registers collectors on a private registry. Go runtime and process collectors
// are included so the scrape endpoint is self-contained.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Orders placed, by currency.",
		}, []string{"currency"}),
		orderValue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "created_value_minor_total",
			Help:      "Sum of placed order totals in minor currency units.",
		}, []string{"currency"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "rejected_total",
			Help:      "Order placements rejected before persistence, by reason.",
		}, []string{"reason"}),
		ordersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "cancelled_total",
			Help:      "Orders cancelled, by reason.",
		}, []string{"reason"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orders",
			Name:      "compensations_total",
			Help:      "Compensating actions applied while unwinding failed placements.",
		}, []string{"kind"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "payments",
			Name:      "reconciliations_total",
			Help:      "Payment state reconciliations, by source and outcome.",
		}, []string{"source", "outcome"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "payments",
			Name:      "refunds_total",
			Help:      "Refunds issued, by scope and whether stock was restored.",
		}, []string{"scope", "restocked"}),
		sweepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reservations",
			Name:      "sweep_orders_total",
			Help:      "Orders handled by the reservation sweeper, by outcome.",
		}, []string{"outcome"}),
		sweepLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "reservations",
			Name:      "sweep_last_completed_timestamp_seconds",
			Help:      "Unix time of the last completed reservation sweep.",
		}),
		authChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "verifications_total",
			Help:      "Service token verifications, by kind and reason.",
		}, []string{"kind", "success", "reason"}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "verification_duration_seconds",
			Help:      "Service token verification latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.latency,
		m.ordersCreated,
		m.orderValue,
		m.ordersRejected,
		m.ordersCancelled,
		m.compensations,
		m.reconciliations,
		m.refunds,
		m.sweepOutcomes,
		m.sweepLastSuccess,
		m.authChecks,
		m.authLatency,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := newResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			route := routePattern(r)
			method := clip(r.Method, 10)
			m.requests.WithLabelValues(method, route, strconv.Itoa(recorder.Status())).Inc()
			m.latency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func (m *Metrics) OrderCreated(currency string, total int64) {
	m.ordersCreated.WithLabelValues(currency).Inc()
	if total > 0 {
		m.orderValue.WithLabelValues(currency).Add(float64(total))
	}
}

func (m *Metrics) OrderRejected(reason string) {
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderCancelled(reason string) {
	m.ordersCancelled.WithLabelValues(reason).Inc()
}

func (m *Metrics) CompensationApplied(kind string) {
	m.compensations.WithLabelValues(kind).Inc()
}

func (m *Metrics) PaymentReconciled(source, outcome string) {
	m.reconciliations.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) RefundIssued(full, restocked bool) {
	scope := "partial"
	if full {
		scope = "full"
	}
	m.refunds.WithLabelValues(scope, strconv.FormatBool(restocked)).Inc()
}

func (m *Metrics) ReservationsSwept(result services.SweepResult) {
	m.sweepOutcomes.WithLabelValues("expired").Add(float64(result.Expired))
	m.sweepOutcomes.WithLabelValues("reconciled").Add(float64(result.Reconciled))
	m.sweepOutcomes.WithLabelValues("resumed").Add(float64(result.Resumed))
	m.sweepOutcomes.WithLabelValues("failed").Add(float64(result.Failed))
	if !result.FinishedAt.IsZero() {
		m.sweepLastSuccess.Set(float64(result.FinishedAt.Unix()))
	}
}

// RecordVerification tracks internal-route token checks.
func (m *Metrics) RecordVerification(kind string, success bool, reason string, duration time.Duration) {
	m.authChecks.WithLabelValues(kind, strconv.FormatBool(success), reason).Inc()
	m.authLatency.WithLabelValues(kind).Observe(duration.Seconds())
}
