package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetadataMetrics tracks coordination-service operations.
type MetadataMetrics struct {
	// LatencyHistogram is broken down by operation and status.
	// Labels: operation (get, put, delete, list, put_ephemeral, subscribe), status
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal counts operations by operation and status.
	RequestsTotal *prometheus.CounterVec
}

// NewMetadataMetrics registers metadata metrics with the default registry.
func NewMetadataMetrics() *MetadataMetrics {
	return NewMetadataMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetadataMetricsWithRegistry registers metadata metrics with reg.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer) *MetadataMetrics {
	f := promauto.With(reg)
	return &MetadataMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "metadata",
				Name:      "operation_latency_seconds",
				Help:      "Metadata store operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultMetadataLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "metadata",
				Name:      "operations_total",
				Help:      "Total number of metadata store operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordOperation implements metadata.MetricsRecorder.
func (m *MetadataMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := statusLabel(success)
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}
