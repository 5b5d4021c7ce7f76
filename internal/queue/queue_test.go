package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "recurd/pkg/logx"
)

func newQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	if opts.Name == "" {
		opts.Name = t.Name()
	}
	return New(opts, logx.Nop(), nil)
}

func run(t *testing.T, q *Queue) {
	t.Helper()
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v (counts %+v)", err, q.Counts())
	}
}

func mustAdd(t *testing.T, q *Queue, name string, data any, o JobOptions) string {
	t.Helper()
	id, err := q.Add(context.Background(), name, data, o)
	if err != nil {
		t.Fatalf("Add(%s): %v", name, err)
	}
	return id
}

// blocker occupies the single worker until release is closed.
func blocker(q *Queue) (started <-chan struct{}, release chan struct{}) {
	s := make(chan struct{})
	r := make(chan struct{})
	var once sync.Once
	q.Handle("block", func(ctx context.Context, job Job) error {
		once.Do(func() { close(s) })
		select {
		case <-r:
		case <-ctx.Done():
		}
		return nil
	})
	return s, r
}

func TestPriorityOrder(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Concurrency: 1})
	started, release := blocker(q)
	var mu sync.Mutex
	var order []int
	q.Handle("work", func(ctx context.Context, job Job) error {
		mu.Lock()
		order = append(order, job.Data.(int))
		mu.Unlock()
		return nil
	})
	run(t, q)

	mustAdd(t, q, "block", nil, JobOptions{})
	<-started
	mustAdd(t, q, "work", 0, JobOptions{})
	mustAdd(t, q, "work", 10, JobOptions{Priority: 10})
	mustAdd(t, q, "work", 1, JobOptions{Priority: 1})
	mustAdd(t, q, "work", 11, JobOptions{Priority: 10})
	if c := q.Counts(); c.Waiting != 4 || c.Active != 1 {
		t.Fatalf("counts = %+v, want 4 waiting 1 active", c)
	}
	close(release)
	drain(t, q)

	want := []int{1, 10, 11, 0}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDelayedJob(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{})
	ran := make(chan time.Time, 1)
	q.Handle("later", func(ctx context.Context, job Job) error {
		ran <- time.Now()
		return nil
	})
	run(t, q)

	added := time.Now()
	mustAdd(t, q, "later", nil, JobOptions{Delay: 80 * time.Millisecond})
	if c := q.Counts(); c.Delayed != 1 || c.Waiting != 0 {
		t.Fatalf("counts = %+v, want 1 delayed", c)
	}
	select {
	case at := <-ran:
		if at.Sub(added) < 80*time.Millisecond {
			t.Fatalf("job ran after %s, want >= 80ms", at.Sub(added))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never ran")
	}
	drain(t, q)
	if c := q.Counts(); c.Completed != 1 {
		t.Fatalf("counts = %+v, want 1 completed", c)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Attempts: 3, Backoff: 5 * time.Millisecond})
	var calls []int
	var mu sync.Mutex
	q.Handle("flaky", func(ctx context.Context, job Job) error {
		mu.Lock()
		calls = append(calls, job.Attempt)
		mu.Unlock()
		if job.Attempt < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	run(t, q)

	mustAdd(t, q, "flaky", nil, JobOptions{})
	drain(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 3 || calls[0] != 1 || calls[2] != 3 {
		t.Fatalf("attempts = %v, want [1 2 3]", calls)
	}
	if c := q.Counts(); c.Completed != 1 || c.Failed != 0 {
		t.Fatalf("counts = %+v", c)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Attempts: 2, Backoff: time.Millisecond, Breaker: BreakerOptions{TripFailures: -1}})
	var calls int32
	q.Handle("broken", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("still broken")
	})
	run(t, q)

	mustAdd(t, q, "broken", nil, JobOptions{})
	drain(t, q)

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
	failed := q.Failed()
	if len(failed) != 1 || failed[0].Attempts != 2 || failed[0].Error != "still broken" {
		t.Fatalf("failed = %+v", failed)
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Attempts: 5, Backoff: time.Millisecond})
	var calls int32
	q.Handle("gone", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return NoRetry(errors.New("template not found"))
	})
	run(t, q)

	mustAdd(t, q, "gone", nil, JobOptions{})
	drain(t, q)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
	if f := q.Failed(); len(f) != 1 || f[0].Attempts != 1 {
		t.Fatalf("failed = %+v", f)
	}
}

func TestPanicFailsJob(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Attempts: 1})
	q.Handle("boom", func(ctx context.Context, job Job) error { panic("nil map") })
	q.Handle("ok", func(ctx context.Context, job Job) error { return nil })
	run(t, q)

	mustAdd(t, q, "boom", nil, JobOptions{})
	mustAdd(t, q, "ok", nil, JobOptions{})
	drain(t, q)

	if c := q.Counts(); c.Failed != 1 || c.Completed != 1 {
		t.Fatalf("counts = %+v, want 1 failed 1 completed", c)
	}
}

func TestDuplicateIDIsNoop(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Concurrency: 1})
	started, release := blocker(q)
	q.Handle("work", func(ctx context.Context, job Job) error { return nil })
	run(t, q)

	mustAdd(t, q, "block", nil, JobOptions{})
	<-started
	a := mustAdd(t, q, "work", nil, JobOptions{ID: "tpl-1"})
	b := mustAdd(t, q, "work", nil, JobOptions{ID: "tpl-1"})
	if a != b || q.Counts().Waiting != 1 {
		t.Fatalf("ids %s %s, counts %+v", a, b, q.Counts())
	}
	close(release)
	drain(t, q)

	// Finished ids can be reused.
	mustAdd(t, q, "work", nil, JobOptions{ID: "tpl-1"})
	drain(t, q)
	if c := q.Counts(); c.Completed != 3 {
		t.Fatalf("counts = %+v, want 3 completed", c)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Concurrency: 1, Capacity: 1})
	started, release := blocker(q)
	q.Handle("work", func(ctx context.Context, job Job) error { return nil })
	run(t, q)
	defer close(release)

	mustAdd(t, q, "block", nil, JobOptions{})
	<-started
	mustAdd(t, q, "work", nil, JobOptions{})
	if _, err := q.Add(context.Background(), "work", nil, JobOptions{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestAddRejections(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{})
	q.Handle("work", func(ctx context.Context, job Job) error { return nil })
	if _, err := q.Add(context.Background(), "work", nil, JobOptions{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("before Start: err = %v, want ErrStopped", err)
	}
	run(t, q)
	if _, err := q.Add(context.Background(), "nope", nil, JobOptions{}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("unknown job: err = %v, want ErrNoHandler", err)
	}
}

func TestCircuitOpenRejectsAdd(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Attempts: 1, Breaker: BreakerOptions{TripFailures: 2, OpenTimeout: time.Minute}})
	q.Handle("db", func(ctx context.Context, job Job) error { return errors.New("connection refused") })
	run(t, q)

	mustAdd(t, q, "db", nil, JobOptions{})
	mustAdd(t, q, "db", nil, JobOptions{})
	drain(t, q)

	if _, err := q.Add(context.Background(), "db", nil, JobOptions{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if s := q.Snapshot(); s.Breaker != "open" || len(s.Failures) != 2 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestPermanentFailuresDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{Attempts: 1, Breaker: BreakerOptions{TripFailures: 1}})
	q.Handle("gone", func(ctx context.Context, job Job) error { return NoRetry(errors.New("not found")) })
	run(t, q)

	mustAdd(t, q, "gone", nil, JobOptions{})
	drain(t, q)
	if _, err := q.Add(context.Background(), "gone", nil, JobOptions{}); err != nil {
		t.Fatalf("Add after permanent failure: %v", err)
	}
}

func TestRetainedFinishedJobs(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{KeepCompleted: 2})
	q.Handle("work", func(ctx context.Context, job Job) error { return nil })
	run(t, q)
	for i := 0; i < 3; i++ {
		mustAdd(t, q, "work", i, JobOptions{})
	}
	drain(t, q)
	if c := q.Counts(); c.Completed != 2 {
		t.Fatalf("completed = %d, want 2 retained", c.Completed)
	}
}

func TestStopKeepsPendingJobs(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Options{})
	done := make(chan struct{}, 1)
	q.Handle("work", func(ctx context.Context, job Job) error {
		done <- struct{}{}
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustAdd(t, q, "work", nil, JobOptions{Delay: 200 * time.Millisecond})
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if q.Counts().Delayed != 1 {
		t.Fatalf("counts after stop = %+v", q.Counts())
	}
	run(t, q)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run after restart")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		base time.Duration
		max  time.Duration
		made int
		want time.Duration
	}{
		{name: "first retry", base: 2 * time.Second, made: 1, want: 2 * time.Second},
		{name: "second retry", base: 2 * time.Second, made: 2, want: 6 * time.Second},
		{name: "third retry", base: time.Second, made: 3, want: 7 * time.Second},
		{name: "capped", base: time.Second, max: 5 * time.Second, made: 4, want: 5 * time.Second},
		{name: "no base", base: 0, made: 3, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Backoff(tt.base, tt.max, tt.made); got != tt.want {
				t.Fatalf("Backoff(%s, %s, %d) = %s, want %s", tt.base, tt.max, tt.made, got, tt.want)
			}
		})
	}
}
