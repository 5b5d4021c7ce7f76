// Package trigger fires process-level schedules (the recurring sweep, the
// audit retention purge) on robfig/cron, and maps a local-time cron interval
// onto per-zone activity with ZoneClock.
package trigger
