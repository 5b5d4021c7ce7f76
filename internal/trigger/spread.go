package trigger

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

// maxPhase caps how far an "@every" trigger is shifted off the interval
// grid.
const maxPhase = 30 * time.Second

// phasedEvery is cron.Every shifted by a fixed offset for the first tick.
// Later ticks follow the interval from whenever the previous one fired.
type phasedEvery struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (p *phasedEvery) Next(t time.Time) time.Time {
	if t.Before(p.first) {
		return p.first
	}
	return p.every.Next(t)
}

// everyWithPhase builds the schedule for an "@every" trigger. The offset is
// derived from the trigger name, so the scheduler pass and the audit purge
// keep distinct, stable phases across restarts.
func everyWithPhase(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxPhase)
	if limit <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	phase := time.Duration(h.Sum64() % uint64(limit))
	return &phasedEvery{every: base, first: now.Add(every + phase)}, phase
}
