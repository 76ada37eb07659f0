package mcp

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEngineMetricsRecordsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)

	m.incInFlight("tools/call")
	if got := testutil.ToFloat64(m.inFlight.WithLabelValues("tools/call")); got != 1 {
		t.Errorf("in-flight gauge = %v, want 1", got)
	}
	m.decInFlight("tools/call")
	if got := testutil.ToFloat64(m.inFlight.WithLabelValues("tools/call")); got != 0 {
		t.Errorf("in-flight gauge = %v, want 0", got)
	}

	m.incCancellations("tools/call")
	if got := testutil.ToFloat64(m.cancellations.WithLabelValues("tools/call")); got != 1 {
		t.Errorf("cancellations counter = %v, want 1", got)
	}

	m.incTimeouts("tools/call")
	if got := testutil.ToFloat64(m.timeouts.WithLabelValues("tools/call")); got != 1 {
		t.Errorf("timeouts counter = %v, want 1", got)
	}

	m.observeLatency("tools/call", 0.25)
}

func TestNilEngineMetricsIsANoOp(t *testing.T) {
	var m *EngineMetrics
	m.incInFlight("x")
	m.decInFlight("x")
	m.incCancellations("x")
	m.incTimeouts("x")
	m.observeLatency("x", 1.0)
}
