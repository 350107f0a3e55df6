package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/dray-io/placement/internal/lookup"
)

func TestLookupMetrics_LookupCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLookupMetricsWithRegistry(reg)

	m.LookupCompleted(lookup.KindTopic, "ok", 0.0002)
	m.LookupCompleted(lookup.KindTopic, "ok", 0.0004)
	m.LookupCompleted(lookup.KindTopic, "too_many_requests", 0.00001)
	m.LookupCompleted(lookup.KindPartition, "ok", 0.003)

	okHist := m.LatencyHistogram.WithLabelValues(lookup.KindTopic, "ok")
	metric := &dto.Metric{}
	if err := okHist.(prometheus.Metric).Write(metric); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	if got := metric.Histogram.GetSampleCount(); got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
	if got := metric.Histogram.GetSampleSum(); got < 0.00059 || got > 0.00061 {
		t.Errorf("sample sum = %f, want 0.0006", got)
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(lookup.KindTopic, "too_many_requests")); got != 1 {
		t.Errorf("rejected lookups = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(lookup.KindPartition, "ok")); got != 1 {
		t.Errorf("partition lookups = %f, want 1", got)
	}
}
