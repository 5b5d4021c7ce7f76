package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recurd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const memoryConfig = "storage:\n  driver: memory\nlogging:\n  level: error\n"

func TestConfigCheck(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	out, err := execute(t, "--config", path, "config", "check")
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "ok (scheduler.mode=cron, storage.driver=memory)") {
		t.Fatalf("out = %q", out)
	}

	bad := writeConfig(t, "scheduler:\n  mode: hourly\n")
	if _, err := execute(t, "--config", bad, "config", "check"); err == nil || !strings.Contains(err.Error(), "scheduler.mode") {
		t.Fatalf("invalid config err = %v", err)
	}
}

func TestRunOnceOnEmptyStore(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	out, err := execute(t, "--config", path, "run-once")
	if err != nil {
		t.Fatalf("run-once: %v", err)
	}
	if !strings.Contains(out, `"templates_processed": 0`) {
		t.Fatalf("out = %q", out)
	}
}

func TestScheduleExcludeRejectsBadDate(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	_, err := execute(t, "--config", path, "schedule", "exclude", "s1", "tomorrow")
	if err == nil || !strings.Contains(err.Error(), "YYYY-MM-DD") {
		t.Fatalf("err = %v", err)
	}
}

func TestArgsValidated(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	if _, err := execute(t, "--config", path, "process"); err == nil {
		t.Fatal("process without a template id should fail")
	}
}
