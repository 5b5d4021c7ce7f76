package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

const sampleYAML = `
scheduler:
  enabled: true
  mode: queue
  cron_interval: "0 9 * * *"
  job_timeout: 2m
notifications:
  email: true
  rate_per_sec: 5
smtp:
  host: smtp.example.com
  port: 587
  from: tasks@example.com
storage:
  driver: postgres
  dsn: postgres://recurd@localhost/recurd
audit:
  retention_days: 30
`

func TestDecodeYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("recurd.yaml", []byte(sampleYAML), noEnv)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Scheduler.Mode != "queue" || cfg.Scheduler.CronInterval != "0 9 * * *" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.MaxConcurrency != DefaultMaxConcurrency || cfg.Scheduler.RetryAttempts != 3 || cfg.Scheduler.RetryDelayMs != 1000 {
		t.Fatalf("defaults not applied: %+v", cfg.Scheduler)
	}
	if !cfg.Notifications.InAppEnabled() || !cfg.Notifications.PushEnabled() || !cfg.Audit.IsEnabled() {
		t.Fatal("in-app, push and audit default to enabled")
	}
	if cfg.Admin.Addr != DefaultAdminAddr || cfg.Audit.PurgeAt != DefaultPurgeAt || cfg.Logging.Level != "info" {
		t.Fatalf("admin/audit/logging defaults: %+v %+v %+v", cfg.Admin, cfg.Audit, cfg.Logging)
	}
	d, err := cfg.Durations()
	if err != nil {
		t.Fatalf("Durations: %v", err)
	}
	if d.JobTimeout != 2*time.Minute || d.MaxJitter != time.Minute || d.SMTPTimeout != 10*time.Second {
		t.Fatalf("durations = %+v", d)
	}
}

func TestDecodeJSONDefaultsToSQLite(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("recurd.conf", []byte(`{"scheduler": {"enabled": true}}`), noEnv)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != DefaultSQLitePath || cfg.Scheduler.Mode != "cron" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{name: "unknown field", path: "c.json", body: `{"schedular": {}}`, want: "unknown field"},
		{name: "trailing data", path: "c.json", body: `{} {}`, want: "trailing data"},
		{name: "mode", path: "c.json", body: `{"scheduler": {"mode": "hourly"}}`, want: "scheduler.mode must be one of"},
		{name: "cron", path: "c.json", body: `{"scheduler": {"cron_interval": "61 * * * *"}}`, want: "scheduler.cron_interval"},
		{name: "duration", path: "c.yaml", body: "scheduler:\n  job_timeout: soon\n", want: "scheduler.job_timeout"},
		{name: "email without smtp", path: "c.json", body: `{"notifications": {"email": true}}`, want: "requires an smtp section"},
		{name: "smtp from", path: "c.json", body: `{"smtp": {"host": "h", "from": "nope"}}`, want: "smtp.from must be a valid email"},
		{name: "postgres dsn", path: "c.json", body: `{"storage": {"driver": "postgres"}}`, want: "storage.dsn is required"},
		{name: "purge time", path: "c.json", body: `{"audit": {"purge_at": "25:00"}}`, want: "audit.purge_at must be HH:MM"},
		{name: "alert chats", path: "c.json", body: `{"logging": {"alert": {"enabled": true}}}`, want: "telegram.alert_chat_ids"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body), noEnv)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvStorageDSN:    "postgres://from-env",
		EnvTelegramToken: "123:abc",
		EnvSMTPPassword:  "hunter2",
		EnvAdminToken:    "  ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	body := `{"storage": {"driver": "postgres"}, "smtp": {"host": "h", "from": "a@example.com"}, "admin": {"token": "file"}}`
	cfg, err := Decode("c.json", []byte(body), lookup)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.DSN != "postgres://from-env" || cfg.SMTP.Password != "hunter2" {
		t.Fatalf("env not applied: %+v %+v", cfg.Storage, cfg.SMTP)
	}
	if cfg.Telegram == nil || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Admin.Token != "file" {
		t.Fatalf("blank env value must not override: %q", cfg.Admin.Token)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	base, err := Decode("c.json", []byte(`{"scheduler": {"enabled": true}}`), noEnv)
	if err != nil {
		t.Fatal(err)
	}
	next := *base
	next.Scheduler.RetryAttempts = 5
	next.Logging.Level = "debug"
	off := false
	next.Notifications.Push = &off

	ch := SummarizeConfigChange(base, &next)
	if got := strings.Join(ch.Sections, ","); got != "logging,notifications,scheduler" {
		t.Fatalf("sections = %s", got)
	}
	if len(ch.RestartRequired) != 0 {
		t.Fatalf("hot-reloadable change flagged restart: %v", ch.RestartRequired)
	}

	next.Scheduler.Mode = "queue"
	next.Admin.Token = "secret"
	ch = SummarizeConfigChange(base, &next)
	if got := strings.Join(ch.RestartRequired, ","); got != "scheduler.mode,admin" {
		t.Fatalf("restart = %s", got)
	}
	if !SummarizeConfigChange(base, base).Empty() {
		t.Fatal("identical configs should produce no change")
	}
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recurd.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("logging:\n  level: info\n")

	m := NewConfigManager(path)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// unchanged content is not republished
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged config was published")
	default:
	}

	write("logging:\n  level: debug\n")
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" || m.Get().Logging.Level != "debug" {
			t.Fatalf("published level = %s", cfg.Logging.Level)
		}
	default:
		t.Fatal("changed config was not published")
	}

	// an invalid file keeps the committed config
	write("scheduler:\n  mode: hourly\n")
	m.reload(context.Background())
	if m.Get().Logging.Level != "debug" {
		t.Fatal("invalid reload replaced the committed config")
	}
}
