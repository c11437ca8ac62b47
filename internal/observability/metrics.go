// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
)

// Metrics holds all Prometheus metrics for the application. Each instance
// owns a private registry so tests and multiple servers do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// Simulation metrics
	BacktestsTotal   *prometheus.CounterVec
	BacktestDuration *prometheus.HistogramVec

	// Optimization metrics
	OptimizationsTotal    *prometheus.CounterVec
	CombinationsEvaluated *prometheus.CounterVec

	// Data metrics
	DataFetchErrors  *prometheus.CounterVec
	DataFetchLatency *prometheus.HistogramVec

	// Streaming metrics
	ProgressSubscribers prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "quantdesk"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BacktestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Total number of backtest runs by kind and status",
		}, []string{"kind", "status"}),
		BacktestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "run_duration_seconds",
			Help:      "Wall time of backtest, benchmark and optimization requests",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),

		OptimizationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "sweeps_total",
			Help:      "Total number of parameter sweeps by status",
		}, []string{"status"}),
		CombinationsEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "combinations_evaluated_total",
			Help:      "Total number of parameter combinations evaluated by outcome",
		}, []string{"outcome"}),

		DataFetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "data",
			Name:      "fetch_errors_total",
			Help:      "Total number of market data fetch errors by provider",
		}, []string{"provider"}),
		DataFetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "data",
			Name:      "fetch_duration_seconds",
			Help:      "Market data fetch latency by provider",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		ProgressSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "progress_subscribers",
			Help:      "Current number of optimizer progress subscribers",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRun records a finished request of the given kind.
func (m *Metrics) RecordRun(kind, status string, elapsed time.Duration) {
	m.BacktestsTotal.WithLabelValues(kind, status).Inc()
	m.BacktestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordSweep records a finished optimization.
func (m *Metrics) RecordSweep(status string) {
	m.OptimizationsTotal.WithLabelValues(status).Inc()
}

// RecordCombination records one evaluated combination.
func (m *Metrics) RecordCombination(failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.CombinationsEvaluated.WithLabelValues(outcome).Inc()
}

// SetSubscribers updates the progress subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	m.ProgressSubscribers.Set(float64(n))
}

// InstrumentProvider wraps p so every fetch is timed and failures are counted
// under name.
func (m *Metrics) InstrumentProvider(name string, p marketdata.Provider) marketdata.Provider {
	return marketdata.ProviderFunc(func(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
		t0 := time.Now()
		bars, err := p.GetHistoricalBars(ctx, symbol, start, end)
		m.DataFetchLatency.WithLabelValues(name).Observe(time.Since(t0).Seconds())
		if err != nil {
			m.DataFetchErrors.WithLabelValues(name).Inc()
		}
		return bars, err
	})
}
