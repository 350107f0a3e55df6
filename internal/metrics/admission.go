package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AdmissionMetrics tracks the lookup admission gate.
type AdmissionMetrics struct {
	AdmittedTotal prometheus.Counter
	RejectedTotal prometheus.Counter
	InFlightGauge prometheus.Gauge
}

// NewAdmissionMetrics registers admission metrics with the default registry.
func NewAdmissionMetrics() *AdmissionMetrics {
	return NewAdmissionMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewAdmissionMetricsWithRegistry registers admission metrics with reg.
func NewAdmissionMetricsWithRegistry(reg prometheus.Registerer) *AdmissionMetrics {
	f := promauto.With(reg)
	return &AdmissionMetrics{
		AdmittedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "admitted_total",
			Help:      "Total number of lookup requests granted a permit.",
		}),
		RejectedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejected_total",
			Help:      "Total number of lookup requests rejected with too-many-requests.",
		}),
		InFlightGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "in_flight",
			Help:      "Permits currently held.",
		}),
	}
}

func (m *AdmissionMetrics) Admitted()        { m.AdmittedTotal.Inc() }
func (m *AdmissionMetrics) Rejected()        { m.RejectedTotal.Inc() }
func (m *AdmissionMetrics) InFlight(n int64) { m.InFlightGauge.Set(float64(n)) }
