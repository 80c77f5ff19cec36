package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects broker runtime counters. The Prometheus bridge in
// prometheus.go mirrors every Record* call when InitPrometheus has run.
type Metrics struct {
	SessionsStarted atomic.Int64
	SessionsStopped atomic.Int64
	SpawnFailures   atomic.Int64

	PortsAllocated atomic.Int64
	PortsReleased  atomic.Int64
	PortsAdopted   atomic.Int64
	StaleReleased  atomic.Int64
	DriftWarnings  atomic.Int64

	ReconcileRuns atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordSessionStarted records a successful coordinator Start.
func (m *Metrics) RecordSessionStarted(durationMs int64) {
	m.SessionsStarted.Add(1)
	RecordPrometheusSessionStarted(durationMs)
}

// RecordSessionStopped records a coordinator Stop that tore down a session.
func (m *Metrics) RecordSessionStopped() {
	m.SessionsStopped.Add(1)
	RecordPrometheusSessionStopped()
}

// RecordSpawnFailure records a websockify spawn that never produced a PID.
func (m *Metrics) RecordSpawnFailure() {
	m.SpawnFailures.Add(1)
	RecordPrometheusSpawnFailure()
}

// RecordPortAllocated records one port leaving the free list.
func (m *Metrics) RecordPortAllocated() {
	m.PortsAllocated.Add(1)
	RecordPrometheusPortAllocated()
}

// RecordPortReleased records one port returning to the free list.
func (m *Metrics) RecordPortReleased() {
	m.PortsReleased.Add(1)
	RecordPrometheusPortReleased()
}

// RecordReconcile records the outcome of one reconciliation pass.
func (m *Metrics) RecordReconcile(staleReleased, adopted, driftWarnings int, durationMs int64) {
	m.ReconcileRuns.Add(1)
	m.StaleReleased.Add(int64(staleReleased))
	m.PortsAdopted.Add(int64(adopted))
	m.DriftWarnings.Add(int64(driftWarnings))
	RecordPrometheusReconcile(staleReleased, adopted, driftWarnings, durationMs)
}

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"sessions": map[string]interface{}{
			"started":        m.SessionsStarted.Load(),
			"stopped":        m.SessionsStopped.Load(),
			"spawn_failures": m.SpawnFailures.Load(),
		},
		"ports": map[string]interface{}{
			"allocated":      m.PortsAllocated.Load(),
			"released":       m.PortsReleased.Load(),
			"adopted":        m.PortsAdopted.Load(),
			"stale_released": m.StaleReleased.Load(),
			"drift_warnings": m.DriftWarnings.Load(),
		},
		"reconcile_runs": m.ReconcileRuns.Load(),
	}
}

// JSONHandler exposes the counter snapshot for the daemon's stats endpoint.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
