// Package metrics holds the prometheus collectors for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Cycle metrics
	CycleTotal   *prometheus.CounterVec
	CycleLatency *prometheus.HistogramVec
	Conflicts    prometheus.Counter
	Recoveries   prometheus.Counter

	// State metrics
	BackoffSeconds prometheus.Gauge
	Dirty          prometheus.Gauge
	PendingUpdates prometheus.Gauge

	// Checkpoint metrics
	CheckpointsCreated *prometheus.CounterVec
	CheckpointsPruned  prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg.
// A nil reg builds unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CycleTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "readsync_cycles_total",
				Help: "Total number of sync cycles by result",
			},
			[]string{"result"}, // result: synced/unchanged/failed/auth
		),
		CycleLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "readsync_cycle_latency_seconds",
				Help:    "Latency of sync cycle phases in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"}, // pull/merge/push
		),
		Conflicts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "readsync_conflicts_total",
				Help: "Pushes rejected because the remote moved",
			},
		),
		Recoveries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "readsync_corrupt_recoveries_total",
				Help: "Corrupt remote snapshots replaced from the last good state",
			},
		),
		BackoffSeconds: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "readsync_backoff_seconds",
				Help: "Current retry delay, zero when not backing off",
			},
		),
		Dirty: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "readsync_dirty",
				Help: "1 while local changes are not yet pushed",
			},
		),
		PendingUpdates: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "readsync_pending_updates",
				Help: "Local updates not yet folded into the saved snapshot",
			},
		),
		CheckpointsCreated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "readsync_checkpoints_created_total",
				Help: "Checkpoints created by tag",
			},
			[]string{"tag"}, // manual/auto
		),
		CheckpointsPruned: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "readsync_checkpoints_pruned_total",
				Help: "Checkpoints removed by the retention policy",
			},
		),
	}
}

// ObservePhase records how long a cycle phase took.
func (m *Metrics) ObservePhase(phase string, start time.Time) {
	if m == nil {
		return
	}
	m.CycleLatency.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// CycleDone counts a finished cycle.
func (m *Metrics) CycleDone(result string) {
	if m == nil {
		return
	}
	m.CycleTotal.WithLabelValues(result).Inc()
}

// SetDirty reports whether local changes are waiting.
func (m *Metrics) SetDirty(dirty bool) {
	if m == nil {
		return
	}
	if dirty {
		m.Dirty.Set(1)
	} else {
		m.Dirty.Set(0)
	}
}

// SetBackoff reports the current retry delay.
func (m *Metrics) SetBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.BackoffSeconds.Set(d.Seconds())
}

// Conflict counts a conflicting push.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// Recovered counts a corrupt-snapshot recovery.
func (m *Metrics) Recovered() {
	if m == nil {
		return
	}
	m.Recoveries.Inc()
}

// CheckpointCreated counts a new checkpoint.
func (m *Metrics) CheckpointCreated(tag string) {
	if m == nil {
		return
	}
	m.CheckpointsCreated.WithLabelValues(tag).Inc()
}

// CheckpointsRemoved counts pruned checkpoints.
func (m *Metrics) CheckpointsRemoved(n int) {
	if m == nil {
		return
	}
	m.CheckpointsPruned.Add(float64(n))
}

// SetPending reports the number of pending local updates.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingUpdates.Set(float64(n))
}
