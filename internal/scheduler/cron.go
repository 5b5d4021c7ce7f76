package scheduler

import (
	"context"
	"fmt"
	"strings"

	"recurd/internal/audit"
	"recurd/internal/metrics"
	logx "recurd/pkg/logx"
)

// tick is the cron-mode trigger job.
func (s *Scheduler) tick(ctx context.Context) error {
	sum, err := s.pass(ctx, true)
	if err != nil {
		return err
	}
	if len(sum.Errors) > 0 {
		return fmt.Errorf("%d of %d templates failed", len(sum.Errors), sum.TemplatesProcessed)
	}
	return nil
}

// RunOnce runs one sequential pass over every eligible template regardless
// of its zone, as a cron tick would for UTC templates.
func (s *Scheduler) RunOnce(ctx context.Context) (PassSummary, error) {
	return s.pass(ctx, false)
}

func (s *Scheduler) pass(ctx context.Context, zoneFilter bool) (PassSummary, error) {
	timer := s.audit.StartTimer()
	now := s.now()
	sum := PassSummary{At: now}

	templates, err := s.fetchEligible(ctx, now)
	if err != nil {
		sum.Errors = []string{"fetch eligible templates: " + err.Error()}
		s.finishPass(ctx, &sum, timer)
		return sum, err
	}
	sum.Eligible = len(templates)

	for _, tpl := range templates {
		if ctx.Err() != nil {
			sum.Errors = append(sum.Errors, "pass interrupted: "+ctx.Err().Error())
			break
		}
		loc := s.pipe.ResolveLocation(tpl)
		if zoneFilter && !s.zone.Active(loc, now) {
			sum.OutOfZone++
			continue
		}
		res, err := s.pipe.ProcessTemplate(ctx, tpl, now)
		sum.TemplatesProcessed++
		sum.TasksCreated += res.Created
		if res.Denied {
			sum.Denied++
		}
		if err != nil {
			msg := err.Error()
			if !strings.Contains(msg, tpl.ID) {
				msg = "template " + tpl.ID + ": " + msg
			}
			sum.Errors = append(sum.Errors, msg)
		}
	}
	s.finishPass(ctx, &sum, timer)
	return sum, nil
}

func (s *Scheduler) finishPass(ctx context.Context, sum *PassSummary, timer audit.Timer) {
	sum.Duration = timer.Elapsed()
	s.audit.LogCronRun(ctx, audit.CronRun{
		TemplatesProcessed: sum.TemplatesProcessed,
		TasksCreated:       sum.TasksCreated,
		Errors:             sum.Errors,
		ExecutionTime:      sum.Duration,
		Details: map[string]any{
			"eligible":      sum.Eligible,
			"out_of_zone":   sum.OutOfZone,
			"denied":        sum.Denied,
			"cron_interval": s.cfg.CronInterval,
			"mode":          string(s.cfg.Mode),
		},
	})
	metrics.RecordCronTick(sum.Duration, len(sum.Errors))

	s.mu.Lock()
	last := *sum
	s.lastPass = &last
	s.mu.Unlock()
	s.publish("scheduler.pass", last)

	log := s.log.With(
		logx.Int("eligible", sum.Eligible),
		logx.Int("processed", sum.TemplatesProcessed),
		logx.Int("created", sum.TasksCreated),
		logx.Int("errors", len(sum.Errors)),
		logx.Duration("dur", sum.Duration),
	)
	if len(sum.Errors) > 0 {
		log.Warn("pass finished with errors", logx.Strings("errors", sum.Errors))
		return
	}
	log.Info("pass finished")
}
