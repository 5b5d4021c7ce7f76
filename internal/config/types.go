package config

// Config is the recurd configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets can be left out of the file and supplied through the
// environment (see ApplyEnv).
type Config struct {
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Notifications NotificationsConfig `json:"notifications"`
	Audit         AuditConfig         `json:"audit"`
	Storage       StorageConfig       `json:"storage"`
	SMTP          *SMTPConfig         `json:"smtp,omitempty"`
	Telegram      *TelegramConfig     `json:"telegram,omitempty"`
	Logging       LoggingConfig       `json:"logging"`
	Admin         AdminConfig         `json:"admin"`
}

// SchedulerConfig selects and tunes the scheduler backend.
//
// Defaults (when fields are omitted/zero):
//   - mode: "cron"
//   - cron_interval: "0 * * * *"
//   - max_concurrency: 4
//   - retry_attempts: 3
//   - retry_delay_ms: 1000
//   - job_timeout: "0s" (disabled)
//   - max_jitter: "60s"
type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode,omitempty" validate:"omitempty,oneof=cron queue"`

	// CronInterval is a cron expression or an interval ("@every 30m").
	// In cron mode the expression is local time in each template's zone.
	CronInterval   string `json:"cron_interval,omitempty" validate:"omitempty,schedule"`
	MaxConcurrency int    `json:"max_concurrency,omitempty" validate:"gte=0,lte=64"`

	// RetryAttempts and RetryDelayMs shape the retry policy of every
	// persistence call (the delay doubles after each failed attempt).
	RetryAttempts int `json:"retry_attempts,omitempty" validate:"gte=0,lte=10"`
	RetryDelayMs  int `json:"retry_delay_ms,omitempty" validate:"gte=0,lte=60000"`

	JobTimeout string `json:"job_timeout,omitempty" validate:"omitempty,duration"`
	MaxJitter  string `json:"max_jitter,omitempty" validate:"omitempty,duration"`
}

// NotificationsConfig holds the global channel switches. A channel that is
// switched on still honours each user's own preferences.
type NotificationsConfig struct {
	// InApp and Push default to true when omitted.
	InApp      *bool `json:"in_app,omitempty"`
	Email      bool  `json:"email"`
	Push       *bool `json:"push,omitempty"`
	RatePerSec int   `json:"rate_per_sec,omitempty" validate:"gte=0,lte=1000"`
}

func (n NotificationsConfig) InAppEnabled() bool { return n.InApp == nil || *n.InApp }

func (n NotificationsConfig) PushEnabled() bool { return n.Push == nil || *n.Push }

type AuditConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
	// RetentionDays > 0 purges older entries once a day at PurgeAt (UTC).
	RetentionDays int    `json:"retention_days,omitempty" validate:"gte=0"`
	PurgeAt       string `json:"purge_at,omitempty" validate:"omitempty,hhmm"`
}

func (a AuditConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// StorageConfig selects the data store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recurd.db" }
type StorageConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=postgres pgx postgresql sqlite sqlite3 memory none"`
	// DSN is the postgres connection string (or RECURD_STORAGE_DSN).
	DSN         string `json:"dsn,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite
}

type SMTPConfig struct {
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // or RECURD_SMTP_PASSWORD
	From     string `json:"from" validate:"required,email"`
	FromName string `json:"from_name,omitempty"`
	StartTLS bool   `json:"starttls,omitempty"`
	Timeout  string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"` // or RECURD_TELEGRAM_TOKEN
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty" validate:"omitempty,duration"`
	// Listen answers /start and /chatid so users can find their chat id.
	Listen bool `json:"listen,omitempty"`
	// AlertChatIDs receive log alerts (logging.alert).
	AlertChatIDs []int64 `json:"alert_chat_ids,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at or above MinLevel to the Telegram alert
// chats.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// AdminConfig controls the diagnostic HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"` // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"`                                   // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`                                   // mount net/http/pprof under /debug

	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
}
