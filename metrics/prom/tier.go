package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/layeredcache/filecache"
)

// TierAdapter exports hit/miss/evict/size metrics labeled by tier ("l1",
// "l2", "l3"), plus a circuit-breaker state gauge and reclaim-loop counters.
// It complements Adapter (which implements cache.Metrics for the in-memory
// tier) rather than replacing it.
type TierAdapter struct {
	hits    *prometheus.CounterVec
	misses  *prometheus.CounterVec
	evicts  *prometheus.CounterVec
	entries *prometheus.GaugeVec
	bytes   *prometheus.GaugeVec

	breakerState *prometheus.GaugeVec // 0=closed 1=half-open 2=open
	reclaimRuns  prometheus.Counter
	reclaimFreed prometheus.Counter
}

// NewTierAdapter constructs a multi-tier Prometheus metrics adapter.
func NewTierAdapter(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *TierAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	t := &TierAdapter{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tier", Name: "hits_total",
			Help: "Cache hits by tier", ConstLabels: constLabels,
		}, []string{"tier"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tier", Name: "misses_total",
			Help: "Cache misses by tier", ConstLabels: constLabels,
		}, []string{"tier"}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tier", Name: "evictions_total",
			Help: "Evictions by tier", ConstLabels: constLabels,
		}, []string{"tier"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "tier", Name: "size_entries",
			Help: "Resident entries by tier", ConstLabels: constLabels,
		}, []string{"tier"}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "tier", Name: "size_bytes",
			Help: "Resident bytes by tier", ConstLabels: constLabels,
		}, []string{"tier"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "distributed", Name: "breaker_state",
			Help: "Circuit breaker state: 0=closed 1=half-open 2=open", ConstLabels: constLabels,
		}, []string{"name"}),
		reclaimRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "filecache", Name: "reclaim_runs_total",
			Help: "Free-space reclaim loop iterations that deleted at least one file", ConstLabels: constLabels,
		}),
		reclaimFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "filecache", Name: "reclaim_freed_total",
			Help: "Files deleted by the free-space reclaim loop", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(t.hits, t.misses, t.evicts, t.entries, t.bytes, t.breakerState, t.reclaimRuns, t.reclaimFreed)
	return t
}

// ForTier returns a view of this adapter scoped to a single tier label
// ("l1", "l2", "l3"), satisfying filecache.Metrics.
func (t *TierAdapter) ForTier(tier string) filecache.Metrics {
	return &TierMetrics{parent: t, tier: tier}
}

// SetBreakerState records the current circuit breaker state (0/1/2) under name.
func (t *TierAdapter) SetBreakerState(name string, state int) {
	t.breakerState.WithLabelValues(name).Set(float64(state))
}

// ReclaimRun records one reclaim-loop iteration that freed n files.
func (t *TierAdapter) ReclaimRun(filesFreed int) {
	t.reclaimRuns.Inc()
	t.reclaimFreed.Add(float64(filesFreed))
}

// TierMetrics is a single-tier view over a TierAdapter, implementing
// filecache.Metrics (Hit/Miss/Evict/Size).
type TierMetrics struct {
	parent *TierAdapter
	tier   string
}

// Hit increments this tier's hit counter.
func (m *TierMetrics) Hit() { m.parent.hits.WithLabelValues(m.tier).Inc() }

// Miss increments this tier's miss counter.
func (m *TierMetrics) Miss() { m.parent.misses.WithLabelValues(m.tier).Inc() }

// Evict increments this tier's eviction counter.
func (m *TierMetrics) Evict() { m.parent.evicts.WithLabelValues(m.tier).Inc() }

// Size updates this tier's resident entries/bytes gauges.
func (m *TierMetrics) Size(entries int, bytes int64) {
	m.parent.entries.WithLabelValues(m.tier).Set(float64(entries))
	m.parent.bytes.WithLabelValues(m.tier).Set(float64(bytes))
}

// Compile-time check: ensure TierMetrics implements filecache.Metrics.
var _ filecache.Metrics = (*TierMetrics)(nil)
