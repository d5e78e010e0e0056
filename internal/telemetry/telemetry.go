// Package telemetry exposes keygate's Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keygate"

// Sweep names used as label values.
const (
	SweepRotations    = "rotations"
	SweepMonthlyReset = "monthly_reset"
)

// Sweep results used as label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the collectors for one server instance. Each instance owns
// its registry so tests and multiple servers do not collide on
// registration.
type Metrics struct {
	registry *prometheus.Registry

	authDecisions   *prometheus.CounterVec
	authDuration    prometheus.Histogram
	rateLimitOpen   prometheus.Counter
	keysIssued      *prometheus.CounterVec
	keysRevoked     prometheus.Counter
	sweepRuns       *prometheus.CounterVec
	sweepAffected   *prometheus.CounterVec
	usageWriteFails prometheus.Counter
}

// New creates a Metrics with its own registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		authDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "API key authentication outcomes by result code",
		}, []string{"code"}),
		authDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "duration_seconds",
			Help:      "Time spent authenticating a presented API key",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		rateLimitOpen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "not_enforced_total",
			Help:      "Requests let through because the counter store was unavailable",
		}),
		keysIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "issued_total",
			Help:      "API keys issued, by environment and origin (issue or rotate)",
		}, []string{"environment", "via"}),
		keysRevoked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "revoked_total",
			Help:      "API keys revoked",
		}),
		sweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Background sweep runs by sweep and result",
		}, []string{"sweep", "result"}),
		sweepAffected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "affected_keys_total",
			Help:      "Keys changed by background sweeps",
		}, []string{"sweep"}),
		usageWriteFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "usage_write_failures_total",
			Help:      "Usage counter writes that failed after a request was authorized",
		}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The recorders below accept a nil receiver so callers can run without
// metrics.

// ObserveAuth records the outcome of one Guard decision.
func (m *Metrics) ObserveAuth(code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.authDecisions.WithLabelValues(code).Inc()
	m.authDuration.Observe(elapsed.Seconds())
}

// RateLimitNotEnforced counts a request allowed during a counter store
// outage.
func (m *Metrics) RateLimitNotEnforced() {
	if m == nil {
		return
	}
	m.rateLimitOpen.Inc()
}

// KeyIssued counts a newly minted key.
func (m *Metrics) KeyIssued(environment, via string) {
	if m == nil {
		return
	}
	m.keysIssued.WithLabelValues(environment, via).Inc()
}

// KeyRevoked counts a revocation.
func (m *Metrics) KeyRevoked() {
	if m == nil {
		return
	}
	m.keysRevoked.Inc()
}

// SweepRun records a background sweep and how many keys it changed.
func (m *Metrics) SweepRun(sweep string, affected int64, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.sweepRuns.WithLabelValues(sweep, result).Inc()
	if affected > 0 {
		m.sweepAffected.WithLabelValues(sweep).Add(float64(affected))
	}
}

// UsageWriteFailed counts a failed asynchronous usage update.
func (m *Metrics) UsageWriteFailed() {
	if m == nil {
		return
	}
	m.usageWriteFails.Inc()
}
