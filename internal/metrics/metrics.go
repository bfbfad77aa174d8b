// Package metrics provides Prometheus instrumentation for the synchronization engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_sync"

// SyncMetrics holds the instruments updated by the sync coordinator.
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	registry      *prometheus.Registry
	pending       prometheus.Gauge
	online        prometheus.Gauge
	drainDuration prometheus.Histogram
	applied       *prometheus.CounterVec
	failed        *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	purged        prometheus.Counter
	remoteChanges *prometheus.CounterVec
	coalesced     prometheus.Counter
}

// NewSyncMetrics registers all instruments in the given registry. If registry is nil
// a fresh one with Go and process collectors is created.
func NewSyncMetrics(registry *prometheus.Registry) (*SyncMetrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &SyncMetrics{
		registry: registry,
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Number of operations waiting in the local queue",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the engine considers itself online",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of queue drains in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_applied_total",
			Help:      "Queued operations applied to the remote store",
		}, []string{"collection", "operation"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_failed_total",
			Help:      "Queued operation attempts that failed",
		}, []string{"collection", "operation"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts resolved, by winning strategy",
		}, []string{"collection", "strategy"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_purged_total",
			Help:      "Cache entries removed by retention",
		}),
		remoteChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_changes_total",
			Help:      "Remote changes observed by listeners",
		}, []string{"collection", "kind"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_requests_coalesced_total",
			Help:      "Drain requests folded into a drain that was already running",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.pending, m.online, m.drainDuration, m.applied, m.failed, m.conflicts, m.purged, m.remoteChanges, m.coalesced,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler exposes the registry in the Prometheus text format
func (m *SyncMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetPending records the current queue length
func (m *SyncMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetOnline records the connectivity state
func (m *SyncMetrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

// ObserveDrain records how long a drain took
func (m *SyncMetrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

// RecordApplied counts a successfully applied operation
func (m *SyncMetrics) RecordApplied(collection, operation string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(collection, operation).Inc()
}

// RecordFailed counts a failed attempt
func (m *SyncMetrics) RecordFailed(collection, operation string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(collection, operation).Inc()
}

// RecordConflict counts a resolved conflict
func (m *SyncMetrics) RecordConflict(collection, strategy string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(collection, strategy).Inc()
}

// RecordPurged counts cache entries removed by retention
func (m *SyncMetrics) RecordPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

// RecordRemoteChange counts a change observed from the remote store
func (m *SyncMetrics) RecordRemoteChange(collection, kind string) {
	if m == nil {
		return
	}
	m.remoteChanges.WithLabelValues(collection, kind).Inc()
}

// RecordCoalesced counts a drain request absorbed by the running drain
func (m *SyncMetrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}
