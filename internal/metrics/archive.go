package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ArchiveMetrics tracks load history object store operations.
type ArchiveMetrics struct {
	// Labels: operation (put, get, head, delete, list), status
	LatencyHistogram *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec

	// Labels: direction (read, write)
	BytesTotal *prometheus.CounterVec
}

// NewArchiveMetrics registers archive metrics with the default registry.
func NewArchiveMetrics() *ArchiveMetrics {
	return NewArchiveMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewArchiveMetricsWithRegistry registers archive metrics with reg.
func NewArchiveMetricsWithRegistry(reg prometheus.Registerer) *ArchiveMetrics {
	f := promauto.With(reg)
	return &ArchiveMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "operation_latency_seconds",
				Help:      "Archive object store operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultObjectStoreLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "operations_total",
				Help:      "Total number of archive object store operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "bytes_total",
				Help:      "Total archive bytes transferred by direction (read/write).",
			},
			[]string{"direction"},
		),
	}
}

// RecordOperation implements objectstore.MetricsRecorder.
func (m *ArchiveMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := statusLabel(success)
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordBytes implements objectstore.MetricsRecorder.
func (m *ArchiveMetrics) RecordBytes(direction string, n int64) {
	if n > 0 {
		m.BytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}
