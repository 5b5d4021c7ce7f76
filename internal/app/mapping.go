package app

import (
	"strings"
	"time"

	"recurd/internal/config"
	"recurd/internal/httpapi"
	"recurd/internal/notifier"
	"recurd/internal/retry"
	"recurd/internal/scheduler"
	"recurd/internal/storage"
	"recurd/internal/transport/telegram"
	logx "recurd/pkg/logx"
)

// The mappers below translate the file config into component configs. The
// config has already passed config.Validate, so they only convert.

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		DSN:         strings.TrimSpace(sc.DSN),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: d.BusyTimeout,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alert: logx.AlertConfig{
			// alerts need somewhere to go
			Enabled:    l.Alert.Enabled && cfg.Telegram != nil,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifications
	return notifier.Config{
		InApp:      n.InAppEnabled(),
		Email:      n.Email,
		Push:       n.PushEnabled(),
		RatePerSec: n.RatePerSec,
	}
}

func mapSMTPConfig(cfg *config.Config, d config.Durations) (notifier.SMTPConfig, bool) {
	s := cfg.SMTP
	if s == nil {
		return notifier.SMTPConfig{}, false
	}
	return notifier.SMTPConfig{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		From:     s.From,
		FromName: s.FromName,
		StartTLS: s.StartTLS,
		Timeout:  d.SMTPTimeout,
	}, true
}

func mapTelegramConfig(cfg *config.Config, d config.Durations) (telegram.Config, bool) {
	t := cfg.Telegram
	if t == nil || strings.TrimSpace(t.Token) == "" {
		return telegram.Config{}, false
	}
	return telegram.Config{
		Token:        t.Token,
		PollTimeout:  d.PollTimeout,
		Listen:       t.Listen,
		AlertChatIDs: t.AlertChatIDs,
	}, true
}

// mapRetryPolicy turns retry_attempts/retry_delay_ms into the persistence
// retry policy. The doubling factor is fixed.
func mapRetryPolicy(cfg *config.Config) retry.Policy {
	p := retry.Standard
	if n := cfg.Scheduler.RetryAttempts; n > 0 {
		p.MaxAttempts = n
	}
	if ms := cfg.Scheduler.RetryDelayMs; ms > 0 {
		p.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	return p
}

func mapSchedulerConfig(cfg *config.Config, d config.Durations) scheduler.Config {
	s := cfg.Scheduler
	jitter := d.MaxJitter
	if strings.TrimSpace(s.MaxJitter) == "0" || strings.TrimSpace(s.MaxJitter) == "0s" {
		jitter = -1
	}
	return scheduler.Config{
		Enabled:            s.Enabled,
		Mode:               scheduler.Mode(strings.ToLower(strings.TrimSpace(s.Mode))),
		CronInterval:       s.CronInterval,
		MaxConcurrency:     s.MaxConcurrency,
		JobTimeout:         d.JobTimeout,
		MaxJitter:          jitter,
		AuditRetentionDays: cfg.Audit.RetentionDays,
		PurgeAt:            cfg.Audit.PurgeAt,
	}
}

func mapAdminConfig(cfg *config.Config, d config.Durations) httpapi.Config {
	a := cfg.Admin
	return httpapi.Config{
		Enabled:      a.Enabled,
		Addr:         a.Addr,
		Token:        a.Token,
		Pprof:        a.Pprof,
		ReadTimeout:  d.ReadTimeout,
		WriteTimeout: d.WriteTimeout,
		IdleTimeout:  2 * d.ReadTimeout,
	}
}
