// Package metrics exposes foliodb's Prometheus instrumentation. foliodb.Open
// takes a prometheus.Registerer and builds a *Metrics from it; with a nil
// registerer nothing is registered with any live Prometheus registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector foliodb registers. Every field of a
// *Metrics returned by New is a working collector, whether or not a
// registerer was given. SampleCache also accepts a nil *Metrics.
type Metrics struct {
	FsyncLatency     prometheus.Histogram
	GroupCommitBatch prometheus.Histogram
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	Checkpoints      prometheus.Counter
	CacheSize        prometheus.Gauge

	lastHits, lastMisses uint64
}

// New builds foliodb's collectors and registers them on reg. With a nil
// reg the collectors are built but not registered, so their values are
// not exposed anywhere; calls through the returned *Metrics still work.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FsyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "foliodb",
			Subsystem: "wal",
			Name:      "fsync_latency_seconds",
			Help:      "Latency of WAL fsync calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		GroupCommitBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "foliodb",
			Subsystem: "finder",
			Name:      "group_commit_batch_size",
			Help:      "Number of writes coalesced into one group commit.",
			Buckets:   prometheus.LinearBuckets(1, 4, 8),
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foliodb",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Page cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foliodb",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Page cache misses.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "foliodb",
			Subsystem: "wal",
			Name:      "checkpoints_total",
			Help:      "WAL checkpoints written.",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foliodb",
			Subsystem: "cache",
			Name:      "resident_pages",
			Help:      "Pages currently resident in the bounded cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FsyncLatency, m.GroupCommitBatch, m.CacheHits, m.CacheMisses, m.Checkpoints, m.CacheSize)
	}
	return m
}

// SampleCache records a cache stats snapshot — called periodically by the
// store, not on every Get, to keep the hot path allocation-free.
func (m *Metrics) SampleCache(hits, misses uint64, size int) {
	if m == nil {
		return
	}
	m.CacheSize.Set(float64(size))
	if hits >= m.lastHits {
		m.CacheHits.Add(float64(hits - m.lastHits))
	}
	if misses >= m.lastMisses {
		m.CacheMisses.Add(float64(misses - m.lastMisses))
	}
	m.lastHits, m.lastMisses = hits, misses
}
