package logx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type chanSink chan string

func (c chanSink) Alert(ctx context.Context, text string) error {
	c <- text
	return nil
}

func TestAlertForwardsErrorsOnly(t *testing.T) {
	t.Parallel()
	sink := make(chanSink, 4)
	svc, log := New(Config{Level: "info", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}}, sink)
	defer func() { _ = svc.Close() }()

	log.Warn("slow store")
	log.With(String("comp", "pipeline")).Error("template failed", Err(errors.New("boom")))

	select {
	case got := <-sink:
		if !strings.HasPrefix(got, "[ERROR] template failed") || !strings.Contains(got, "comp=pipeline") || !strings.Contains(got, "err=boom") {
			t.Fatalf("alert = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
	}
	select {
	case extra := <-sink:
		t.Fatalf("unexpected alert %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetSinkNilStopsAlerts(t *testing.T) {
	t.Parallel()
	sink := make(chanSink, 1)
	svc, log := New(Config{Alert: AlertConfig{Enabled: true}}, sink)
	defer func() { _ = svc.Close() }()

	svc.SetSink(nil)
	log.Error("dropped")
	select {
	case got := <-sink:
		t.Fatalf("alert after SetSink(nil): %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoggerHelpers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
	zero.Info("zero logger must not panic")

	if got := truncate(strings.Repeat("x", 20), 12); got != "xxxxxxxxx..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := formatAlertJSON([]byte("not json")); got != "not json" {
		t.Fatalf("formatAlertJSON = %q", got)
	}

	tests := map[string]Level{"warning": LevelWarn, " DEBUG ": LevelDebug, "": LevelInfo, "bogus": LevelInfo}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
