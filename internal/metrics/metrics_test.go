package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustNewTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)

	a.LimiterDecision(true)
	b.LimiterDecision(true)
	b.LimiterDecision(false)

	if got := testutil.ToFloat64(a.limiterDecisions.WithLabelValues("admitted")); got != 2 {
		t.Fatalf("admitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(a.limiterDecisions.WithLabelValues("denied")); got != 1 {
		t.Fatalf("denied = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.LimiterDecision(true)
	m.QueueAttempt("x", "completed")
	m.QueuePending(3)
	m.PipelineAttempt("success")
	m.DeferredResult("success", time.Millisecond)
	m.Outcome("finished")
	m.Schedules(1)
}

func TestOutcomeAndQueueCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)
	m.Outcome("skipped")
	m.QueueAttempt("automation.delay", "failed")
	m.QueuePending(4)

	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueAttempts.WithLabelValues("automation.delay", "failed")); got != 1 {
		t.Fatalf("failed attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queuePending); got != 4 {
		t.Fatalf("pending = %v, want 4", got)
	}
}
