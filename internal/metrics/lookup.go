package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultLookupLatencyBuckets cover an in-memory selection (microseconds)
// up to a slow partition-metadata read.
var DefaultLookupLatencyBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// LookupMetrics tracks topic and partition-metadata lookups.
type LookupMetrics struct {
	// Labels: kind (topic, partition_metadata), outcome (ok or a fault kind)
	LatencyHistogram *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
}

// NewLookupMetrics registers lookup metrics with the default registry.
func NewLookupMetrics() *LookupMetrics {
	return NewLookupMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewLookupMetricsWithRegistry registers lookup metrics with reg.
func NewLookupMetricsWithRegistry(reg prometheus.Registerer) *LookupMetrics {
	f := promauto.With(reg)
	return &LookupMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lookup",
				Name:      "latency_seconds",
				Help:      "Lookup latency in seconds, broken down by kind and outcome.",
				Buckets:   DefaultLookupLatencyBuckets,
			},
			[]string{"kind", "outcome"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lookup",
				Name:      "requests_total",
				Help:      "Total number of lookups, broken down by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// LookupCompleted implements lookup.Observer.
func (m *LookupMetrics) LookupCompleted(kind, outcome string, durationSeconds float64) {
	m.LatencyHistogram.WithLabelValues(kind, outcome).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(kind, outcome).Inc()
}
