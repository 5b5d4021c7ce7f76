package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ZoneClock evaluates a cron interval against local wall time in many zones
// at once.
//
// A cron expression like "0 9 * * *" means 09:00 in every template's own
// zone. The process ticks hourly at the expression's minute (FireSpec) and
// on each tick asks Active for every zone: is there a fire time of the
// expression inside that zone's current local hour. Interval specs have no
// wall-clock meaning and are active everywhere.
type ZoneClock struct {
	raw      string
	spec     ParsedSpec
	sched    cron.Schedule
	fireSpec string
}

func NewZoneClock(raw string) (*ZoneClock, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	z := &ZoneClock{raw: raw, spec: ps}
	if ps.Kind == SpecInterval {
		z.fireSpec = fmt.Sprintf("@every %s", ps.Every)
		return z, nil
	}
	sched, err := cronParser.Parse(ps.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
	}
	z.sched = sched
	z.fireSpec = hourlyAt(ps.Cron)
	return z, nil
}

// FireSpec is the schedule the process trigger uses.
func (z *ZoneClock) FireSpec() string { return z.fireSpec }

func (z *ZoneClock) String() string { return z.raw }

// Interval reports whether the spec is a fixed interval.
func (z *ZoneClock) Interval() bool { return z.sched == nil }

// Active reports whether loc is due on the tick at now.
func (z *ZoneClock) Active(loc *time.Location, now time.Time) bool {
	if z.sched == nil || loc == nil || loc == time.UTC {
		return true
	}
	local := now.In(loc)
	hourStart := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	next := z.sched.Next(hourStart.Add(-time.Second))
	return !next.IsZero() && next.Before(hourStart.Add(time.Hour))
}

// hourlyAt keeps the minute (and optional seconds) fields of expr and
// widens the rest, so every zone gets a tick inside each of its local hours.
func hourlyAt(expr string) string {
	fields := strings.Fields(expr)
	switch {
	case len(fields) == 5:
		return fields[0] + " * * * *"
	case len(fields) == 6:
		return fields[0] + " " + fields[1] + " * * * *"
	default:
		// Descriptors (@hourly, @daily, ...) fire on the hour.
		return "0 * * * *"
	}
}
