// Package metrics exposes Prometheus metrics for the alert job.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the alert pipeline.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal   *prometheus.CounterVec // labels: outcome=ok|noop|systemic
	RunDuration prometheus.Histogram

	AlertsEvaluated prometheus.Counter
	AlertsFired     prometheus.Counter
	AlertsSkipped   *prometheus.CounterVec // labels: reason

	DeliveriesTotal  *prometheus.CounterVec // labels: result=sent|failed, kind
	DeliveryAttempts prometheus.Histogram
	TokensCleaned    prometheus.Counter

	StateFlushes     *prometheus.CounterVec // labels: result=written|deferred|error|empty
	StatePending     prometheus.Gauge
	BestEffortErrors *prometheus.CounterVec // labels: op

	// Circuit breaker (0=closed, 1=open, 2=half-open)
	PriceBreakerState prometheus.Gauge
	PriceBreakerTrips prometheus.Counter
}

// NewMetrics registers and returns all metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockly_alert_runs_total",
			Help: "Alert cron passes by outcome",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockly_alert_run_duration_seconds",
			Help:    "Wall time of one alert cron pass",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		AlertsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockly_alerts_evaluated_total",
			Help: "Active alerts examined by the evaluator",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockly_alerts_fired_total",
			Help: "Alerts whose condition became true",
		}),
		AlertsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockly_alerts_skipped_total",
			Help: "Alerts examined but not fired, by reason",
		}, []string{"reason"}),

		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockly_push_deliveries_total",
			Help: "Push dispatches by result and error kind",
		}, []string{"result", "kind"}),
		DeliveryAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockly_push_attempts",
			Help:    "Gateway calls per dispatch",
			Buckets: []float64{1, 2, 3},
		}),
		TokensCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockly_push_tokens_cleaned_total",
			Help: "Dead device tokens deactivated",
		}),

		StateFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockly_state_flushes_total",
			Help: "Alert state flush outcomes",
		}, []string{"result"}),
		StatePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockly_state_pending",
			Help: "Alert state updates buffered in memory",
		}),
		BestEffortErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockly_best_effort_errors_total",
			Help: "Failed best-effort writes, by operation",
		}, []string{"op"}),

		PriceBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockly_price_circuit_breaker_state",
			Help: "Price source circuit breaker state: 0=closed, 1=open, 2=half-open",
		}),
		PriceBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockly_price_circuit_breaker_trips_total",
			Help: "Times the price source circuit opened",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsTotal,
		m.RunDuration,
		m.AlertsEvaluated,
		m.AlertsFired,
		m.AlertsSkipped,
		m.DeliveriesTotal,
		m.DeliveryAttempts,
		m.TokensCleaned,
		m.StateFlushes,
		m.StatePending,
		m.BestEffortErrors,
		m.PriceBreakerState,
		m.PriceBreakerTrips,
	)

	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBreakerState records a circuit transition; entering "OPEN" counts a trip.
func (m *Metrics) SetBreakerState(state string) {
	switch state {
	case "OPEN":
		m.PriceBreakerState.Set(1)
		m.PriceBreakerTrips.Inc()
	case "HALF_OPEN":
		m.PriceBreakerState.Set(2)
	default:
		m.PriceBreakerState.Set(0)
	}
}
