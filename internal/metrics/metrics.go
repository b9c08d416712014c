package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/bfx-token-renewal/internal/connection"
	"github.com/rickgao/bfx-token-renewal/internal/renewal"
)

const namespace = "bfx_token_renewal"

// Metrics holds the renewer's collectors on a private registry. It implements
// renewal.Observer.
type Metrics struct {
	registry *prometheus.Registry

	renewals    *prometheus.CounterVec
	attempts    prometheus.Gauge
	tokenExpiry prometheus.Gauge
	lastSuccess prometheus.Gauge
	delivered   prometheus.Gauge
	managers    prometheus.Gauge
}

// New creates the collectors and registers them along with Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Renewal cycles by outcome (success, failure, terminal).",
		}, []string{"outcome"}),
		attempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Consecutive failed renewal attempts, capped at the retry limit.",
		}),
		tokenExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_expiry_timestamp_seconds",
			Help:      "Expiry of the most recently issued token.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Time of the last successful renewal.",
		}),
		delivered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_delivered_managers",
			Help:      "Managers the last issued token was applied to.",
		}),
		managers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_managers",
			Help:      "Managers currently registered with the scheduler.",
		}),
	}

	// Pre-create outcome series so they are exported at zero
	for _, outcome := range []string{"success", "failure", "terminal"} {
		m.renewals.WithLabelValues(outcome)
	}

	m.registry.MustRegister(
		m.renewals,
		m.attempts,
		m.tokenExpiry,
		m.lastSuccess,
		m.delivered,
		m.managers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterPool exports gauges read from the pool's Stats on each scrape.
func (m *Metrics) RegisterPool(pool *connection.Pool) {
	gauge := func(name, help string, value func(connection.PoolStats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(pool.Stats()))
		})
	}

	m.registry.MustRegister(
		gauge("connections_open", "Connections owned by the pool.", func(s connection.PoolStats) int { return s.Open }),
		gauge("connections_connected", "Connections with a live transport.", func(s connection.PoolStats) int { return s.Connected }),
		gauge("connections_authenticated", "Connections whose token was acknowledged.", func(s connection.PoolStats) int { return s.Authenticated }),
	)
}

// RenewalSucceeded records a successful renewal.
func (m *Metrics) RenewalSucceeded(expiresAt time.Time, delivered int) {
	m.renewals.WithLabelValues("success").Inc()
	m.attempts.Set(0)
	m.tokenExpiry.Set(float64(expiresAt.Unix()))
	m.lastSuccess.SetToCurrentTime()
	m.delivered.Set(float64(delivered))
}

// RenewalFailed records a failed renewal.
func (m *Metrics) RenewalFailed(err *renewal.RenewalError) {
	outcome := "failure"
	if err.Terminal {
		outcome = "terminal"
	}
	m.renewals.WithLabelValues(outcome).Inc()
	m.attempts.Set(float64(err.Attempt))
}

// ManagersChanged records the registration count.
func (m *Metrics) ManagersChanged(registered int) {
	m.managers.Set(float64(registered))
}

var _ renewal.Observer = (*Metrics)(nil)
