package config

import (
	"os"
	"strings"
)

const (
	DefaultCronInterval   = "0 * * * *"
	DefaultMaxConcurrency = 4
	DefaultRetryAttempts  = 3
	DefaultRetryDelayMs   = 1000
	DefaultAdminAddr      = "127.0.0.1:8089"
	DefaultSQLitePath     = "./recurd.db"
	DefaultPurgeAt        = "03:00"
)

// Environment variables that override secrets from the file.
const (
	EnvStorageDSN    = "RECURD_STORAGE_DSN"
	EnvTelegramToken = "RECURD_TELEGRAM_TOKEN"
	EnvSMTPPassword  = "RECURD_SMTP_PASSWORD"
	EnvAdminToken    = "RECURD_ADMIN_TOKEN"
)

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(c *Config) {
	s := &c.Scheduler
	if strings.TrimSpace(s.Mode) == "" {
		s.Mode = "cron"
	}
	if strings.TrimSpace(s.CronInterval) == "" {
		s.CronInterval = DefaultCronInterval
	}
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = DefaultMaxConcurrency
	}
	if s.RetryAttempts == 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.RetryDelayMs == 0 {
		s.RetryDelayMs = DefaultRetryDelayMs
	}

	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if isSQLite(c.Storage.Driver) && strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultSQLitePath
	}

	if strings.TrimSpace(c.Audit.PurgeAt) == "" {
		c.Audit.PurgeAt = DefaultPurgeAt
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Admin.Addr) == "" {
		c.Admin.Addr = DefaultAdminAddr
	}
}

// ApplyEnv overrides secrets from the environment. lookup is os.LookupEnv
// when nil.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvStorageDSN); ok {
		c.Storage.DSN = v
	}
	if v, ok := get(EnvTelegramToken); ok {
		if c.Telegram == nil {
			c.Telegram = &TelegramConfig{}
		}
		c.Telegram.Token = v
	}
	if v, ok := get(EnvSMTPPassword); ok && c.SMTP != nil {
		c.SMTP.Password = v
	}
	if v, ok := get(EnvAdminToken); ok {
		c.Admin.Token = v
	}
}

func isSQLite(driver string) bool {
	d := strings.ToLower(strings.TrimSpace(driver))
	return d == "sqlite" || d == "sqlite3"
}
