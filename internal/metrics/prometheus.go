package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for broker metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	sessionsStarted prometheus.Counter
	sessionsStopped prometheus.Counter
	spawnFailures   prometheus.Counter
	portsAllocated  prometheus.Counter
	portsReleased   prometheus.Counter
	portsAdopted    prometheus.Counter
	staleReleased   prometheus.Counter
	driftWarnings   prometheus.Counter
	reconcileRuns   prometheus.Counter

	// Histograms
	startDuration     prometheus.Histogram
	reconcileDuration prometheus.Histogram

	// Gauges
	uptime        prometheus.GaugeFunc
	poolAllocated prometheus.Gauge
	poolFree      prometheus.Gauge
	poolUtil      prometheus.Gauge
	liveSessions  prometheus.Gauge
}

// Default histogram buckets for operation durations (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total console sessions started",
		}),
		sessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Total console sessions stopped",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Total websockify spawns that failed PID resolution",
		}),
		portsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ports_allocated_total",
			Help:      "Total WebSocket port reservations",
		}),
		portsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ports_released_total",
			Help:      "Total WebSocket ports returned to the free list",
		}),
		portsAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ports_adopted_total",
			Help:      "Total externally spawned websockify processes adopted",
		}),
		staleReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_released_total",
			Help:      "Total stale allocations reclaimed by reconciliation",
		}),
		driftWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_warnings_total",
			Help:      "Total state/OS divergences that needed operator attention",
		}),
		reconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Total reconciliation passes",
		}),

		startDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_start_duration_milliseconds",
			Help:      "Duration of coordinator Start calls in milliseconds",
			Buckets:   buckets,
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_milliseconds",
			Help:      "Duration of reconciliation passes in milliseconds",
			Buckets:   buckets,
		}),

		poolAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_allocated",
			Help:      "WebSocket ports currently allocated",
		}),
		poolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_free",
			Help:      "WebSocket ports currently free",
		}),
		poolUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_utilization_ratio",
			Help:      "Pool utilization ratio (allocated / total)",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Sessions currently registered in this process",
		}),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the broker started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.sessionsStarted,
		pm.sessionsStopped,
		pm.spawnFailures,
		pm.portsAllocated,
		pm.portsReleased,
		pm.portsAdopted,
		pm.staleReleased,
		pm.driftWarnings,
		pm.reconcileRuns,
		pm.startDuration,
		pm.reconcileDuration,
		pm.uptime,
		pm.poolAllocated,
		pm.poolFree,
		pm.poolUtil,
		pm.liveSessions,
	)

	promMetrics = pm
}

// RecordPrometheusSessionStarted records a successful session start
func RecordPrometheusSessionStarted(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionsStarted.Inc()
	promMetrics.startDuration.Observe(float64(durationMs))
}

// RecordPrometheusSessionStopped records a session stop
func RecordPrometheusSessionStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionsStopped.Inc()
}

// RecordPrometheusSpawnFailure records a failed websockify spawn
func RecordPrometheusSpawnFailure() {
	if promMetrics == nil {
		return
	}
	promMetrics.spawnFailures.Inc()
}

// RecordPrometheusPortAllocated records a port reservation
func RecordPrometheusPortAllocated() {
	if promMetrics == nil {
		return
	}
	promMetrics.portsAllocated.Inc()
}

// RecordPrometheusPortReleased records a port release
func RecordPrometheusPortReleased() {
	if promMetrics == nil {
		return
	}
	promMetrics.portsReleased.Inc()
}

// RecordPrometheusReconcile records one reconciliation pass
func RecordPrometheusReconcile(staleReleased, adopted, driftWarnings int, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.reconcileRuns.Inc()
	promMetrics.staleReleased.Add(float64(staleReleased))
	promMetrics.portsAdopted.Add(float64(adopted))
	promMetrics.driftWarnings.Add(float64(driftWarnings))
	promMetrics.reconcileDuration.Observe(float64(durationMs))
}

// SetPoolGauges sets the pool occupancy gauges from a stats snapshot
func SetPoolGauges(allocated, free int, utilization float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolAllocated.Set(float64(allocated))
	promMetrics.poolFree.Set(float64(free))
	promMetrics.poolUtil.Set(utilization)
}

// SetLiveSessions sets the per-process registered session gauge
func SetLiveSessions(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.liveSessions.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
