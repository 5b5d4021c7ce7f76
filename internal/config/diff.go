package config

import (
	"reflect"
	"sort"
	"strings"

	logx "recurd/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe structured log fields. Secrets are never included,
	// only whether they are set.
	Attrs []logx.Field
	// RestartRequired lists changed keys that only take effect on restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
	}
	restart := func(key string) { ch.RestartRequired = append(ch.RestartRequired, key) }

	// Scheduler: only the retry policy applies live.
	so, sn := oldCfg.Scheduler, newCfg.Scheduler
	if so != sn {
		mark("scheduler",
			logx.Bool("scheduler.enabled", sn.Enabled),
			logx.String("scheduler.mode", sn.Mode),
			logx.String("scheduler.cron_interval", sn.CronInterval),
			logx.Int("scheduler.max_concurrency", sn.MaxConcurrency),
			logx.Int("scheduler.retry_attempts", sn.RetryAttempts),
			logx.Int("scheduler.retry_delay_ms", sn.RetryDelayMs),
		)
		if so.Enabled != sn.Enabled {
			restart("scheduler.enabled")
		}
		if so.Mode != sn.Mode {
			restart("scheduler.mode")
		}
		if strings.TrimSpace(so.CronInterval) != strings.TrimSpace(sn.CronInterval) {
			restart("scheduler.cron_interval")
		}
		if so.MaxConcurrency != sn.MaxConcurrency {
			restart("scheduler.max_concurrency")
		}
		if so.JobTimeout != sn.JobTimeout || so.MaxJitter != sn.MaxJitter {
			restart("scheduler.job_timeout")
		}
	}

	on, nn := oldCfg.Notifications, newCfg.Notifications
	if on.InAppEnabled() != nn.InAppEnabled() || on.Email != nn.Email ||
		on.PushEnabled() != nn.PushEnabled() || on.RatePerSec != nn.RatePerSec {
		mark("notifications",
			logx.Bool("notifications.in_app", nn.InAppEnabled()),
			logx.Bool("notifications.email", nn.Email),
			logx.Bool("notifications.push", nn.PushEnabled()),
			logx.Int("notifications.rate_per_sec", nn.RatePerSec),
		)
	}

	oa, na := oldCfg.Audit, newCfg.Audit
	if oa.IsEnabled() != na.IsEnabled() || oa.RetentionDays != na.RetentionDays || oa.PurgeAt != na.PurgeAt {
		mark("audit",
			logx.Bool("audit.enabled", na.IsEnabled()),
			logx.Int("audit.retention_days", na.RetentionDays),
		)
		if oa.RetentionDays != na.RetentionDays || oa.PurgeAt != na.PurgeAt {
			restart("audit.retention_days")
		}
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost != nst {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nst.BusyTimeout)),
		)
		restart("storage")
	}

	if !reflect.DeepEqual(oldCfg.SMTP, newCfg.SMTP) {
		attrs := []logx.Field{logx.Bool("smtp.present", newCfg.SMTP != nil)}
		if s := newCfg.SMTP; s != nil {
			attrs = append(attrs,
				logx.String("smtp.host", s.Host),
				logx.Int("smtp.port", s.Port),
				logx.Bool("smtp.password_set", s.Password != ""),
			)
		}
		mark("smtp", attrs...)
		restart("smtp")
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		attrs := []logx.Field{logx.Bool("telegram.present", newCfg.Telegram != nil)}
		if t := newCfg.Telegram; t != nil {
			attrs = append(attrs,
				logx.String("telegram.poll_timeout", strings.TrimSpace(t.PollTimeout)),
				logx.Bool("telegram.listen", t.Listen),
				logx.Int("telegram.alert_chat_count", len(t.AlertChatIDs)),
			)
		}
		mark("telegram", attrs...)
		restart("telegram")
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	oad, nad := oldCfg.Admin, newCfg.Admin
	if oad != nad {
		mark("admin",
			logx.Bool("admin.enabled", nad.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nad.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(nad.Token) != ""),
		)
		restart("admin")
	}

	sort.Strings(ch.Sections)
	return ch
}
