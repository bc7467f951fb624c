package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterMetricsSnapshotIsCopy(t *testing.T) {
	recorder := NewCounterMetrics()
	recorder.Increment("gateway.refresh.started")
	recorder.Increment("gateway.refresh.started")
	recorder.Increment("gateway.refresh.failed")

	snapshot := recorder.Snapshot()
	if snapshot["gateway.refresh.started"] != 2 {
		t.Fatalf("expected 2 refresh starts, got %d", snapshot["gateway.refresh.started"])
	}
	snapshot["gateway.refresh.started"] = 100
	if recorder.Count("gateway.refresh.started") != 2 {
		t.Fatalf("snapshot mutation leaked into recorder")
	}
}

func TestPrometheusMetricsIncrement(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetrics(registry, "dash-gate")
	if err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	recorder.Increment("auth.login.success")
	recorder.Increment("auth.login.success")

	value := testutil.ToFloat64(recorder.events.WithLabelValues("auth.login.success"))
	if value != 2 {
		t.Fatalf("expected counter value 2, got %v", value)
	}

	if _, duplicateErr := NewPrometheusMetrics(registry, "dash-gate"); duplicateErr == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
