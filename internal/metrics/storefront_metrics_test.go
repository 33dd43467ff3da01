package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewStorefrontMetricsWithRegisterer_ReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewStorefrontMetricsWithRegisterer(reg)
	second := NewStorefrontMetricsWithRegisterer(reg)

	if first.cartMutations != second.cartMutations {
		t.Fatal("expected second registration to reuse the existing counter vec")
	}
	if first.inflight != second.inflight {
		t.Fatal("expected second registration to reuse the existing gauge")
	}
}

func TestRecordMutation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStorefrontMetricsWithRegisterer(reg)

	m.RecordMutation("increment", MutationResultCommitted, 20*time.Millisecond)
	m.RecordMutation("increment", MutationResultCommitted, 30*time.Millisecond)
	m.RecordMutation("increment", MutationResultRolledBack, 10*time.Millisecond)
	m.RecordMutationRejected("decrement")

	if got := counterValue(t, m.cartMutations.WithLabelValues("increment", MutationResultCommitted)); got != 2 {
		t.Errorf("expected 2 committed increments, got %v", got)
	}
	if got := counterValue(t, m.cartMutations.WithLabelValues("increment", MutationResultRolledBack)); got != 1 {
		t.Errorf("expected 1 rolled back increment, got %v", got)
	}
	if got := counterValue(t, m.cartMutations.WithLabelValues("decrement", MutationResultRejected)); got != 1 {
		t.Errorf("expected 1 rejected decrement, got %v", got)
	}
}

func TestInflightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStorefrontMetricsWithRegisterer(reg)

	m.MutationStarted()
	m.MutationStarted()
	m.MutationFinished()

	metric := &dto.Metric{}
	if err := m.inflight.Write(metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 1 {
		t.Errorf("expected 1 inflight mutation, got %v", got)
	}
}

func TestRecordPriceCacheAndRegion(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStorefrontMetricsWithRegisterer(reg)

	m.RecordPriceCache(true)
	m.RecordPriceCache(false)
	m.RecordPriceCache(false)
	m.RecordRegionResolution(RegionResultSelfHealed)
	m.RecordRegionDuration(5 * time.Millisecond)

	if got := counterValue(t, m.priceCache.WithLabelValues("miss")); got != 2 {
		t.Errorf("expected 2 misses, got %v", got)
	}
	if got := counterValue(t, m.regionResolutions.WithLabelValues(RegionResultSelfHealed)); got != 1 {
		t.Errorf("expected 1 self-healed resolution, got %v", got)
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *StorefrontMetrics

	m.RecordRegionResolution(RegionResultResolved)
	m.RecordRegionDuration(time.Second)
	m.RecordMutation("remove", MutationResultCommitted, time.Second)
	m.RecordMutationRejected("remove")
	m.MutationStarted()
	m.MutationFinished()
	m.RecordPriceCache(true)
	m.SetLiveSessions(3)
}

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()

	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestOutboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStorefrontMetricsWithRegisterer(reg)

	m.RecordOutboxAttempt("sent")
	m.RecordOutboxAttempt("sent")
	m.SetOutboxBacklog(3, 2, -time.Second)

	if got := counterValue(t, m.outboxAttempts.WithLabelValues("sent")); got != 2 {
		t.Errorf("expected 2 sent attempts, got %v", got)
	}

	metric := &dto.Metric{}
	if err := m.outboxOldestAge.Write(metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 0 {
		t.Errorf("negative age must be clamped to 0, got %v", got)
	}
	if err := m.outboxFailed.Write(metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 2 {
		t.Errorf("expected 2 failed records, got %v", got)
	}

	var nilMetrics *StorefrontMetrics
	nilMetrics.RecordOutboxAttempt("sent")
	nilMetrics.SetOutboxBacklog(1, 0, time.Second)
}

func TestPurgeMetrics(t *testing.T) {
	m := NewStorefrontMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordPurge("sessions", "ok", 4)
	m.RecordPurge("sessions", "error", 0)
	m.RecordPurge("outbox", "ok", 9)

	if got := counterValue(t, m.purgeRuns.WithLabelValues("sessions", "ok")); got != 1 {
		t.Errorf("expected 1 ok run, got %v", got)
	}
	metric := &dto.Metric{}
	if err := m.purgeLast.WithLabelValues("sessions").Write(metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 4 {
		t.Errorf("failed run must not reset last deleted, got %v", got)
	}
}
