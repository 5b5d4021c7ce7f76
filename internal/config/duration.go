package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations holds every duration field of a Config, parsed. Zero means
// disabled unless a default is noted.
type Durations struct {
	JobTimeout   time.Duration
	MaxJitter    time.Duration // default 60s
	BusyTimeout  time.Duration
	SMTPTimeout  time.Duration // default 10s
	PollTimeout  time.Duration // default 10s
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 30s
}

func (c *Config) Durations() (Durations, error) {
	var (
		d    Durations
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string, def time.Duration) {
		v, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	parse(&d.JobTimeout, "scheduler.job_timeout", c.Scheduler.JobTimeout, 0)
	parse(&d.MaxJitter, "scheduler.max_jitter", c.Scheduler.MaxJitter, 60*time.Second)
	parse(&d.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout, 0)
	d.SMTPTimeout = 10 * time.Second
	if c.SMTP != nil {
		parse(&d.SMTPTimeout, "smtp.timeout", c.SMTP.Timeout, 10*time.Second)
	}
	d.PollTimeout = 10 * time.Second
	if c.Telegram != nil {
		parse(&d.PollTimeout, "telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	}
	parse(&d.ReadTimeout, "admin.read_timeout", c.Admin.ReadTimeout, 10*time.Second)
	parse(&d.WriteTimeout, "admin.write_timeout", c.Admin.WriteTimeout, 30*time.Second)
	return d, errors.Join(errs...)
}
