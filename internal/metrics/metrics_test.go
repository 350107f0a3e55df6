package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dray-io/placement/internal/admission"
	"github.com/dray-io/placement/internal/discovery"
	"github.com/dray-io/placement/internal/lookup"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/objectstore"
	"github.com/dray-io/placement/internal/placement"
	"github.com/dray-io/placement/internal/quota"
	"github.com/dray-io/placement/internal/ranking"
	"github.com/dray-io/placement/internal/shedding"
)

var (
	_ admission.Observer          = (*AdmissionMetrics)(nil)
	_ discovery.Observer          = (*LoadBalancerMetrics)(nil)
	_ ranking.Observer            = (*LoadBalancerMetrics)(nil)
	_ placement.Observer          = (*LoadBalancerMetrics)(nil)
	_ shedding.Observer           = (*LoadBalancerMetrics)(nil)
	_ quota.Observer              = (*LoadBalancerMetrics)(nil)
	_ lookup.Observer             = (*LookupMetrics)(nil)
	_ metadata.MetricsRecorder    = (*MetadataMetrics)(nil)
	_ objectstore.MetricsRecorder = (*ArchiveMetrics)(nil)
)

func TestMetadataMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg)

	tests := []struct {
		operation string
		success   bool
	}{
		{metadata.OpGet, true},
		{metadata.OpGet, false},
		{metadata.OpPut, true},
		{metadata.OpPutEphemeral, true},
		{metadata.OpList, true},
	}
	for _, tt := range tests {
		m.RecordOperation(tt.operation, 0.001, tt.success)
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metadata.OpGet, StatusSuccess)); got != 1 {
		t.Errorf("get success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metadata.OpGet, StatusFailure)); got != 1 {
		t.Errorf("get failure = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.LatencyHistogram); got != 4 {
		t.Errorf("latency series = %d, want 4", got)
	}
}

func TestMetadataMetricsThroughInstrumentedStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg)
	store := metadata.NewInstrumentedStore(metadata.NewMockStore(), m)

	if _, err := store.Put(t.Context(), "/k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Get(t.Context(), "/k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metadata.OpPut, StatusSuccess)); got != 1 {
		t.Errorf("put success = %v, want 1", got)
	}
}

func TestArchiveMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewArchiveMetricsWithRegistry(reg)

	m.RecordOperation(objectstore.OpPut, 0.05, true)
	m.RecordBytes(objectstore.DirectionWrite, 1024)
	m.RecordBytes(objectstore.DirectionRead, 0)

	if got := testutil.ToFloat64(m.BytesTotal.WithLabelValues(objectstore.DirectionWrite)); got != 1024 {
		t.Errorf("write bytes = %v, want 1024", got)
	}
	if got := testutil.CollectAndCount(m.BytesTotal); got != 1 {
		t.Errorf("bytes series = %d, want 1 (zero reads are not recorded)", got)
	}
}

func TestAdmissionMetricsWithGate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAdmissionMetricsWithRegistry(reg)
	gate := admission.NewGate(1, m)

	p, err := gate.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := gate.TryAcquire(); err == nil {
		t.Fatal("second TryAcquire succeeded on a full gate")
	}
	if got := testutil.ToFloat64(m.InFlightGauge); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
	p.Release()

	if got := testutil.ToFloat64(m.AdmittedTotal); got != 1 {
		t.Errorf("admitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RejectedTotal); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InFlightGauge); got != 0 {
		t.Errorf("in flight after release = %v, want 0", got)
	}
}

func TestLoadBalancerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLoadBalancerMetricsWithRegistry(reg)

	m.LiveBrokers(3)
	m.RankingRebuilt(3, 2, 0.0002)
	m.RankingRebuilt(2, 2, 0.0001)
	m.Selected("a:6650")
	m.Selected("a:6650")
	m.SelectionFailed("no_eligible_broker")
	m.SheddingCycle(2, 1, 1, 0.5)
	m.QuotaCycle(10, 2)
	m.SetLeader(true)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"live brokers", m.LiveBrokersGauge, 3},
		{"rebuilds", m.RankingRebuildsTotal, 2},
		{"ranked brokers", m.RankedBrokersGauge, 2},
		{"selections", m.SelectionsTotal.WithLabelValues("a:6650"), 2},
		{"selection failures", m.SelectionFailuresTotal.WithLabelValues("no_eligible_broker"), 1},
		{"shedding candidates", m.SheddingCandidatesTotal, 2},
		{"unload failures", m.SheddingUnloadsTotal.WithLabelValues(StatusFailure), 1},
		{"quota writes", m.QuotaWritesTotal.WithLabelValues(StatusSuccess), 10},
		{"quota failures", m.QuotaWritesTotal.WithLabelValues(StatusFailure), 2},
		{"leader", m.LeaderGauge, 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}

	m.SetLeader(false)
	if got := testutil.ToFloat64(m.LeaderGauge); got != 0 {
		t.Errorf("leader after loss = %v, want 0", got)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewLookupMetricsWithRegistry(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewLookupMetricsWithRegistry(reg)
}
