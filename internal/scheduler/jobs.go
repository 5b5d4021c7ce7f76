package scheduler

import (
	"context"
	"errors"
	"fmt"

	"recurd/internal/pipeline"
	"recurd/internal/queue"
	"recurd/internal/retry"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

func (s *Scheduler) initQueues() {
	s.recurring = queue.New(queue.Options{
		Name:        QueueRecurring,
		Attempts:    s.cfg.Recurring.Attempts,
		Backoff:     s.cfg.Recurring.Backoff,
		Concurrency: s.cfg.MaxConcurrency,
		Timeout:     s.cfg.JobTimeout,
	}, s.log, s.bus)
	s.creation = queue.New(queue.Options{
		Name:        QueueCreation,
		Attempts:    s.cfg.Creation.Attempts,
		Backoff:     s.cfg.Creation.Backoff,
		Concurrency: s.cfg.MaxConcurrency,
		Timeout:     s.cfg.JobTimeout,
		// Creation jobs are the bulk of the history; keep more of it.
		KeepCompleted: 200,
		KeepFailed:    100,
	}, s.log, s.bus)

	s.recurring.Handle(JobScheduleAll, s.scheduleAll)
	s.recurring.Handle(JobProcessTemplate, s.processTemplate)
	s.creation.Handle(JobCreateTasks, s.createTasks)
}

// enqueueScheduleAll is the queue-mode trigger job.
func (s *Scheduler) enqueueScheduleAll(ctx context.Context) error {
	_, err := s.recurring.Add(ctx, JobScheduleAll, nil, queue.JobOptions{ID: JobScheduleAll})
	return err
}

// scheduleAll fans out one delayed process-template job per eligible
// template. Job ids are derived from the template so a retried fan-out
// does not duplicate work still pending.
func (s *Scheduler) scheduleAll(ctx context.Context, job queue.Job) error {
	templates, err := s.fetchEligible(ctx, s.now())
	if err != nil {
		return err
	}
	var errs []error
	added := 0
	for _, tpl := range templates {
		_, err := s.recurring.Add(ctx, JobProcessTemplate, tpl.ID, queue.JobOptions{
			ID:    "process-" + tpl.ID,
			Delay: s.jitter(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", tpl.ID, err))
			continue
		}
		added++
	}
	s.log.Info("templates scheduled", logx.Int("eligible", len(templates)), logx.Int("enqueued", added))
	return errors.Join(errs...)
}

func (s *Scheduler) processTemplate(ctx context.Context, job queue.Job) error {
	id, ok := job.Data.(string)
	if !ok || id == "" {
		return queue.NoRetry(fmt.Errorf("%s: unexpected payload %T", JobProcessTemplate, job.Data))
	}
	tpl, err := retry.DoConditional(ctx, s.retryPolicy(), "fetch template "+id, func(ctx context.Context) (storage.Template, error) {
		return s.store.FetchTemplate(ctx, id)
	})
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Info("template vanished before processing", logx.String("template_id", id))
		return queue.NoRetry(err)
	}
	if err != nil {
		return err
	}

	plan, err := s.pipe.PlanTemplate(ctx, tpl, s.now())
	if err != nil {
		// Planning fails only on malformed rules; another attempt reads the same row.
		return queue.NoRetry(err)
	}
	if plan.Denied || len(plan.Dates) == 0 {
		return nil
	}
	dates := plan.DateStrings()
	_, err = s.creation.Add(ctx, JobCreateTasks, plan, queue.JobOptions{
		ID:       fmt.Sprintf("create-%s-%s-%s", tpl.ID, dates[0], dates[len(dates)-1]),
		Priority: createPriority,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", JobCreateTasks, tpl.ID, err)
	}
	return nil
}

func (s *Scheduler) createTasks(ctx context.Context, job queue.Job) error {
	plan, ok := job.Data.(pipeline.Plan)
	if !ok {
		return queue.NoRetry(fmt.Errorf("%s: unexpected payload %T", JobCreateTasks, job.Data))
	}
	res, err := s.pipe.CreatePlanned(ctx, plan)
	if err != nil {
		return err
	}
	s.log.Debug("occurrences materialized", logx.String("template_id", res.TemplateID), logx.Int("created", res.Created), logx.Int("skipped", res.Skipped))
	return nil
}
