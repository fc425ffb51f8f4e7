package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"wayfarer/internal/metrics"
)

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := metrics.MustNew(reg)
	second := metrics.MustNew(reg)

	first.IncStageRetry("gatherer")
	second.IncStageRetry("gatherer")

	count, err := testutil.GatherAndCount(reg, "wayfarer_pipeline_stage_retries_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one series, got %d", count)
	}
}

func TestRecordsValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)

	m.RunStarted()
	m.RunStarted()
	m.RunFinished("completed")
	m.ObserveStage("architect", "success", 2*time.Second)
	m.IncEnvelope("progress_update", "delivered")
	m.SetQueueDepth(4)
	m.SetConnections(3)
	m.IncEviction("heartbeat")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	if values["wayfarer_pipeline_runs_active"] != 1 {
		t.Fatalf("expected one active run, got %v", values["wayfarer_pipeline_runs_active"])
	}
	if values["wayfarer_pipeline_runs_finished_total"] != 1 {
		t.Fatalf("expected one finished run, got %v", values["wayfarer_pipeline_runs_finished_total"])
	}
	if values["wayfarer_router_queue_depth"] != 4 || values["wayfarer_connections_active"] != 3 {
		t.Fatalf("unexpected gauges: %v", values)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.RunStarted()
	m.RunFinished("failed")
	m.ObserveStage("putter", "error", time.Second)
	m.IncEnvelope("ping", "expired")
	m.SetQueueDepth(1)
	m.SetConnections(1)
	m.IncEviction("closed")
	m.IncStageRetry("putter")
}
