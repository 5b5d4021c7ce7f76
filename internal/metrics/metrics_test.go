package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Instruments are process-global, so these tests compare deltas and do
// not run in parallel.

func TestRecordTemplateRun(t *testing.T) {
	before := testutil.ToFloat64(TasksCreated)
	beforeRuns := testutil.ToFloat64(TemplateRuns.WithLabelValues("created"))
	beforeFallback := testutil.ToFloat64(MaterializeFallbacks)

	RecordTemplateRun("created", 3, 1, 0, true, 20*time.Millisecond)

	if got := testutil.ToFloat64(TasksCreated) - before; got != 3 {
		t.Fatalf("tasks created delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(TemplateRuns.WithLabelValues("created")) - beforeRuns; got != 1 {
		t.Fatalf("template runs delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(MaterializeFallbacks) - beforeFallback; got != 1 {
		t.Fatalf("fallback delta = %v, want 1", got)
	}
}

func TestRecordCronTick(t *testing.T) {
	okBefore := testutil.ToFloat64(CronTicks.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(CronTicks.WithLabelValues("error"))

	RecordCronTick(time.Second, 0)
	RecordCronTick(time.Second, 2)

	if got := testutil.ToFloat64(CronTicks.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Fatalf("ok ticks delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(CronTicks.WithLabelValues("error")) - errBefore; got != 1 {
		t.Fatalf("error ticks delta = %v, want 1", got)
	}
	if testutil.ToFloat64(CronLastSuccess) == 0 {
		t.Fatal("last success not set")
	}
}

func TestSetQueueCounts(t *testing.T) {
	SetQueueCounts("recurring-tasks", 4, 1, 10, 2, 3)
	tests := []struct {
		state string
		want  float64
	}{
		{"waiting", 4},
		{"active", 1},
		{"completed", 10},
		{"failed", 2},
		{"delayed", 3},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(QueueJobs.WithLabelValues("recurring-tasks", tt.state)); got != tt.want {
			t.Fatalf("%s = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestRecordNotification(t *testing.T) {
	before := testutil.ToFloat64(NotificationsSent.WithLabelValues("push"))
	RecordNotification("push", "sent", 2)
	RecordNotification("push", "failed", 0)
	if got := testutil.ToFloat64(NotificationsSent.WithLabelValues("push")) - before; got != 2 {
		t.Fatalf("sent delta = %v, want 2", got)
	}
}
