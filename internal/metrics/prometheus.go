// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxypulse/proxypool/model"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Probe metrics
	ProbesTotal   *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec

	// Benchmark metrics
	BenchmarksTotal *prometheus.CounterVec
	BenchmarkScore  *prometheus.HistogramVec

	// Rotation metrics
	RotationsTotal *prometheus.CounterVec

	// Health metrics
	HealthScore *prometheus.GaugeVec
	AlertsTotal *prometheus.CounterVec

	// Pool metrics
	PoolSize *prometheus.GaugeVec
}

// NewMetrics creates and registers Prometheus metrics on a private registry,
// so several engines in one process (tests) do not collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ProbesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxypulse_probes_total",
				Help: "Total number of probes executed",
			},
			[]string{"source", "step_type", "result"},
		),

		ProbeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxypulse_probe_duration_seconds",
				Help:    "Duration of probes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "step_type"},
		),

		BenchmarksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxypulse_benchmarks_total",
				Help: "Total number of finished benchmarks",
			},
			[]string{"kind"},
		),

		BenchmarkScore: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxypulse_benchmark_score",
				Help:    "Performance score of finished benchmarks",
				Buckets: prometheus.LinearBuckets(10, 10, 10),
			},
			[]string{"kind"},
		),

		RotationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxypulse_rotations_total",
				Help: "Total number of rotation events",
			},
			[]string{"reason"},
		),

		HealthScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxypulse_health_score",
				Help: "Latest health score per proxy",
			},
			[]string{"proxy_id", "classification"},
		),

		AlertsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxypulse_alerts_total",
				Help: "Total number of health alerts raised",
			},
			[]string{"type", "severity"},
		),

		PoolSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxypulse_pool_entries",
				Help: "Number of pool entries per status",
			},
			[]string{"status"},
		),
	}
}

// Handler 返回 /metrics 的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveProbe records a probe metric
func (m *Metrics) ObserveProbe(source string, stepType model.StepType, success bool, responseTime time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.ProbesTotal.WithLabelValues(source, string(stepType), result).Inc()
	m.ProbeDuration.WithLabelValues(source, string(stepType)).Observe(responseTime.Seconds())
}

// ObserveBenchmark records a finished benchmark
func (m *Metrics) ObserveBenchmark(kind model.BenchmarkKind, score float64) {
	m.BenchmarksTotal.WithLabelValues(string(kind)).Inc()
	m.BenchmarkScore.WithLabelValues(string(kind)).Observe(score)
}

// ObserveRotation records a rotation event
func (m *Metrics) ObserveRotation(reason string) {
	m.RotationsTotal.WithLabelValues(reason).Inc()
}

// ObserveHealth 更新某个代理的健康分。分级变化时旧标签会被删除。
func (m *Metrics) ObserveHealth(proxyID uint64, score float64, class string) {
	id := strconv.FormatUint(proxyID, 10)
	m.HealthScore.DeletePartialMatch(prometheus.Labels{"proxy_id": id})
	m.HealthScore.WithLabelValues(id, class).Set(score)
}

// ForgetHealth drops the series of a proxy that left the pool
func (m *Metrics) ForgetHealth(proxyID uint64) {
	m.HealthScore.DeletePartialMatch(prometheus.Labels{"proxy_id": strconv.FormatUint(proxyID, 10)})
}

// ObserveAlert records a raised alert
func (m *Metrics) ObserveAlert(alertType, severity string) {
	m.AlertsTotal.WithLabelValues(alertType, severity).Inc()
}

// UpdatePoolSize sets the per-status entry counts
func (m *Metrics) UpdatePoolSize(counts map[model.Status]int) {
	for _, s := range []model.Status{model.StatusPending, model.StatusTesting, model.StatusAlive, model.StatusDead} {
		m.PoolSize.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
