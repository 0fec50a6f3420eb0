package models

import "go.uber.org/atomic"

// Metrics counts cache reads and evictions.
type Metrics struct {
	Hits      *atomic.Int64
	HotHits   *atomic.Int64
	Misses    *atomic.Int64
	Evictions *atomic.Int64
}

// NewMetrics creates a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Hits:      atomic.NewInt64(0),
		HotHits:   atomic.NewInt64(0),
		Misses:    atomic.NewInt64(0),
		Evictions: atomic.NewInt64(0),
	}
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:      m.Hits.Load(),
		HotHits:   m.HotHits.Load(),
		Misses:    m.Misses.Load(),
		Evictions: m.Evictions.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Hits      int64 `json:"hits" yaml:"hits"`
	HotHits   int64 `json:"hotHits" yaml:"hotHits"`
	Misses    int64 `json:"misses" yaml:"misses"`
	Evictions int64 `json:"evictions" yaml:"evictions"`
}
