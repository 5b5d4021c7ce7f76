package trigger

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "recurd/pkg/logx"
)

const yearly = "0 0 1 1 *"

func started(t *testing.T) *Service {
	t.Helper()
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func info(s *Service, name string) ScheduleInfo {
	for _, it := range s.Schedules() {
		if it.Name == name {
			return it
		}
	}
	return ScheduleInfo{}
}

func TestFireSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := started(t)
	release := make(chan struct{})
	if err := s.AddCron("tick", yearly, 0, func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}

	if !s.Fire("tick") {
		t.Fatal("first Fire should start the job")
	}
	waitFor(t, "running", func() bool { return info(s, "tick").Running })
	if s.Fire("tick") {
		t.Fatal("second Fire should be skipped while running")
	}
	close(release)
	waitFor(t, "finish", func() bool { return !info(s, "tick").Running })

	it := info(s, "tick")
	if it.Runs != 1 || it.Skips != 1 || it.Next.IsZero() {
		t.Fatalf("info = %+v", it)
	}
	if s.Fire("missing") {
		t.Fatal("unknown schedule must not fire")
	}
}

func TestIntervalFires(t *testing.T) {
	t.Parallel()
	s := started(t)
	var n int32
	if err := s.AddInterval("fast", 20*time.Millisecond, 0, func(ctx context.Context) error {
		atomic.AddInt32(&n, 1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "interval run", func() bool { return atomic.LoadInt32(&n) > 0 })
}

func TestJobErrorsAndPanicsAreRecorded(t *testing.T) {
	t.Parallel()
	s := started(t)
	_ = s.AddCron("fails", yearly, 0, func(ctx context.Context) error { return errors.New("db down") })
	_ = s.AddCron("panics", yearly, 0, func(ctx context.Context) error { panic("nil template") })

	s.Fire("fails")
	s.Fire("panics")
	waitFor(t, "errors", func() bool {
		return info(s, "fails").LastErr == "db down" && strings.Contains(info(s, "panics").LastErr, "panic")
	})
}

func TestStopCancelsRunningJob(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	s.Start(context.Background())
	var canceled atomic.Bool
	_ = s.AddCron("long", yearly, 0, func(ctx context.Context) error {
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	})
	s.Fire("long")
	waitFor(t, "running", func() bool { return info(s, "long").Running })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if !canceled.Load() {
		t.Fatal("Stop should cancel and wait for the running job")
	}
	if s.Fire("long") {
		t.Fatal("Fire after Stop must not run")
	}
}

func TestRegistration(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	job := func(ctx context.Context) error { return nil }

	if err := s.AddCron("bad", "61 * * * *", 0, job); err == nil {
		t.Fatal("invalid cron should be rejected")
	}
	if err := s.AddCron(" ", yearly, 0, job); err == nil {
		t.Fatal("empty name should be rejected")
	}
	if err := s.AddDaily("purge", "25:00", 0, job); err == nil {
		t.Fatal("invalid time of day should be rejected")
	}
	if err := s.AddSchedule("sweep", "0 * * * *", 0, job); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("sweep", "15m", 0, job); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDaily("purge", "03:00", 0, job); err != nil {
		t.Fatal(err)
	}
	got := s.Schedules()
	if len(got) != 2 || info(s, "sweep").Spec != "@every 15m0s" || info(s, "purge").Spec != "0 3 * * *" {
		t.Fatalf("schedules = %+v", got)
	}
	if !s.Remove("sweep") || s.Remove("sweep") {
		t.Fatal("Remove should report existence once")
	}
}

func TestEveryWithPhase(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	sched, phase := everyWithPhase(time.Hour, now, "scheduler.pass")
	again, phase2 := everyWithPhase(time.Hour, now, "scheduler.pass")
	if phase != phase2 {
		t.Fatalf("phase not stable: %v vs %v", phase, phase2)
	}
	if phase < 0 || phase >= maxPhase {
		t.Fatalf("phase = %v, want [0, %v)", phase, maxPhase)
	}
	first := sched.Next(now)
	if want := now.Add(time.Hour + phase); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	// cron.Every drops sub-second precision after the first tick.
	if got, want := again.Next(first), first.Add(time.Hour).Truncate(time.Second); !got.Equal(want) {
		t.Fatalf("second = %v, want %v", got, want)
	}

	if _, p := everyWithPhase(0, now, "zero"); p != 0 {
		t.Fatalf("zero interval phase = %v", p)
	}
}
