package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultCycleLatencyBuckets cover background cycles: ranking rebuilds take
// microseconds, shedding cycles with unloads can take seconds.
var DefaultCycleLatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30,
}

// LoadBalancerMetrics covers the registry, ranking, selection, shedding,
// quota publication and leadership.
type LoadBalancerMetrics struct {
	LiveBrokersGauge prometheus.Gauge

	RankingRebuildsTotal  prometheus.Counter
	RankingRebuildLatency prometheus.Histogram
	RankedBrokersGauge    prometheus.Gauge
	RankBucketsGauge      prometheus.Gauge

	// Labels: broker
	SelectionsTotal *prometheus.CounterVec
	// Labels: reason (not_yet_available, no_eligible_broker)
	SelectionFailuresTotal *prometheus.CounterVec

	SheddingCyclesTotal     prometheus.Counter
	SheddingCycleLatency    prometheus.Histogram
	SheddingCandidatesTotal prometheus.Counter
	// Labels: status
	SheddingUnloadsTotal *prometheus.CounterVec

	// Labels: status
	QuotaWritesTotal *prometheus.CounterVec

	LeaderGauge prometheus.Gauge
}

// NewLoadBalancerMetrics registers load balancer metrics with the default registry.
func NewLoadBalancerMetrics() *LoadBalancerMetrics {
	return NewLoadBalancerMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewLoadBalancerMetricsWithRegistry registers load balancer metrics with reg.
func NewLoadBalancerMetricsWithRegistry(reg prometheus.Registerer) *LoadBalancerMetrics {
	f := promauto.With(reg)
	return &LoadBalancerMetrics{
		LiveBrokersGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "live_brokers",
			Help:      "Brokers currently registered under the liveness root.",
		}),

		RankingRebuildsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "rebuilds_total",
			Help:      "Total number of ranking table rebuilds.",
		}),
		RankingRebuildLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "rebuild_latency_seconds",
			Help:      "Ranking table rebuild latency in seconds.",
			Buckets:   DefaultCycleLatencyBuckets,
		}),
		RankedBrokersGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "brokers",
			Help:      "Brokers in the current ranking table.",
		}),
		RankBucketsGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "buckets",
			Help:      "Distinct ranks in the current ranking table.",
		}),

		SelectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "selections_total",
			Help:      "Total number of bundle assignments, by chosen broker.",
		}, []string{"broker"}),
		SelectionFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placement",
			Name:      "selection_failures_total",
			Help:      "Total number of failed bundle assignments, by reason.",
		}, []string{"reason"}),

		SheddingCyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shedding",
			Name:      "cycles_total",
			Help:      "Total number of shedding cycles run as leader.",
		}),
		SheddingCycleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "shedding",
			Name:      "cycle_latency_seconds",
			Help:      "Shedding cycle latency in seconds.",
			Buckets:   DefaultCycleLatencyBuckets,
		}),
		SheddingCandidatesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shedding",
			Name:      "candidates_total",
			Help:      "Total number of bundles selected for unloading.",
		}),
		SheddingUnloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shedding",
			Name:      "unloads_total",
			Help:      "Total number of bundle unload requests, by status.",
		}, []string{"status"}),

		QuotaWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "writes_total",
			Help:      "Total number of bundle quota writes, by status.",
		}, []string{"status"}),

		LeaderGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "leader",
			Name:      "is_leader",
			Help:      "1 while this process holds load balancer leadership.",
		}),
	}
}

// LiveBrokers implements discovery.Observer.
func (m *LoadBalancerMetrics) LiveBrokers(n int) {
	m.LiveBrokersGauge.Set(float64(n))
}

// RankingRebuilt implements ranking.Observer.
func (m *LoadBalancerMetrics) RankingRebuilt(brokers, buckets int, durationSeconds float64) {
	m.RankingRebuildsTotal.Inc()
	m.RankingRebuildLatency.Observe(durationSeconds)
	m.RankedBrokersGauge.Set(float64(brokers))
	m.RankBucketsGauge.Set(float64(buckets))
}

// Selected implements placement.Observer.
func (m *LoadBalancerMetrics) Selected(brokerID string) {
	m.SelectionsTotal.WithLabelValues(brokerID).Inc()
}

// SelectionFailed implements placement.Observer.
func (m *LoadBalancerMetrics) SelectionFailed(reason string) {
	m.SelectionFailuresTotal.WithLabelValues(reason).Inc()
}

// SheddingCycle implements shedding.Observer.
func (m *LoadBalancerMetrics) SheddingCycle(candidates, unloaded, failed int, durationSeconds float64) {
	m.SheddingCyclesTotal.Inc()
	m.SheddingCycleLatency.Observe(durationSeconds)
	m.SheddingCandidatesTotal.Add(float64(candidates))
	m.SheddingUnloadsTotal.WithLabelValues(StatusSuccess).Add(float64(unloaded))
	m.SheddingUnloadsTotal.WithLabelValues(StatusFailure).Add(float64(failed))
}

// QuotaCycle implements quota.Observer.
func (m *LoadBalancerMetrics) QuotaCycle(written, failed int) {
	m.QuotaWritesTotal.WithLabelValues(StatusSuccess).Add(float64(written))
	m.QuotaWritesTotal.WithLabelValues(StatusFailure).Add(float64(failed))
}

// SetLeader tracks leadership changes; pass it to leader.Elector.OnChange.
func (m *LoadBalancerMetrics) SetLeader(isLeader bool) {
	if isLeader {
		m.LeaderGauge.Set(1)
		return
	}
	m.LeaderGauge.Set(0)
}
