// Package scheduler drives the template pipeline from one of two backends.
//
// In cron mode a single trigger walks every eligible template in sequence.
// In queue mode a repeating schedule-all job fans out one process-template
// job per template, and planned occurrences are materialized by
// create-tasks jobs on a second queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"recurd/internal/audit"
	"recurd/internal/eventbus"
	"recurd/internal/pipeline"
	"recurd/internal/queue"
	"recurd/internal/retry"
	"recurd/internal/storage"
	"recurd/internal/trigger"
	logx "recurd/pkg/logx"
)

var (
	ErrManualRunUnsupported = errors.New("manual run is only supported in queue mode")
	ErrNotStarted           = errors.New("scheduler not started")
)

type Mode string

const (
	ModeCron  Mode = "cron"
	ModeQueue Mode = "queue"
)

// Schedule and job names.
const (
	QueueRecurring = "recurring-tasks"
	QueueCreation  = "task-creation"

	JobScheduleAll     = "schedule-all"
	JobProcessTemplate = "process-template"
	JobCreateTasks     = "create-tasks"

	scheduleCronTick   = "recurring-tasks"
	scheduleAuditPurge = "audit-purge"

	createPriority = 10
)

// Store is what the scheduler reads on top of the pipeline's own needs.
type Store interface {
	pipeline.Store
	FetchEligibleTemplates(ctx context.Context, today string) ([]storage.Template, error)
}

type Deps struct {
	Store        Store
	Gate         pipeline.Gate
	Materializer pipeline.Materializer
	Notifier     pipeline.Notifier
	Audit        *audit.Recorder
	Policy       retry.Policy
	Bus          eventbus.Bus
	Log          logx.Logger
}

// QueueOptions tunes one of the two job queues.
type QueueOptions struct {
	Attempts int
	Backoff  time.Duration
}

type Config struct {
	Enabled bool
	Mode    Mode
	// CronInterval is a cron expression or interval. In cron mode it is
	// read as local time in each template's zone.
	CronInterval   string
	MaxConcurrency int
	JobTimeout     time.Duration
	// MaxJitter bounds the random delay of process-template jobs.
	// Negative disables it.
	MaxJitter time.Duration

	Recurring QueueOptions
	Creation  QueueOptions

	AuditRetentionDays int
	// PurgeAt is the daily HH:MM (UTC) of the audit purge.
	PurgeAt string
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeCron
	}
	if strings.TrimSpace(c.CronInterval) == "" {
		c.CronInterval = "0 * * * *"
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.MaxJitter == 0 {
		c.MaxJitter = 60 * time.Second
	}
	if c.Recurring.Attempts <= 0 {
		c.Recurring.Attempts = 3
	}
	if c.Recurring.Backoff <= 0 {
		c.Recurring.Backoff = 2 * time.Second
	}
	if c.Creation.Attempts <= 0 {
		c.Creation.Attempts = 5
	}
	if c.Creation.Backoff <= 0 {
		c.Creation.Backoff = time.Second
	}
	if strings.TrimSpace(c.PurgeAt) == "" {
		c.PurgeAt = "03:00"
	}
	return c
}

// QueueStats carries the job counts of both queues.
type QueueStats struct {
	RecurringTasks queue.Counts      `json:"recurring_tasks"`
	TaskCreation   queue.Counts      `json:"task_creation"`
	Breakers       map[string]string `json:"breakers,omitempty"`
}

type Status struct {
	Enabled   bool                   `json:"enabled"`
	Mode      Mode                   `json:"mode"`
	Started   bool                   `json:"started"`
	Queue     *QueueStats            `json:"queue_stats,omitempty"`
	Schedules []trigger.ScheduleInfo `json:"schedules,omitempty"`
	LastPass  *PassSummary           `json:"last_pass,omitempty"`
}

// PassSummary describes one sweep over the eligible templates.
type PassSummary struct {
	At                 time.Time     `json:"at"`
	Eligible           int           `json:"eligible"`
	OutOfZone          int           `json:"out_of_zone"`
	TemplatesProcessed int           `json:"templates_processed"`
	Denied             int           `json:"denied"`
	TasksCreated       int           `json:"tasks_created"`
	Errors             []string      `json:"errors,omitempty"`
	Duration           time.Duration `json:"duration"`
}

type Scheduler struct {
	cfg   Config
	store Store
	audit *audit.Recorder
	bus   eventbus.Bus
	log   logx.Logger
	pipe  *pipeline.Pipeline
	zone  *trigger.ZoneClock
	trig  *trigger.Service

	recurring *queue.Queue
	creation  *queue.Queue

	now    func() time.Time
	jitter func() time.Duration

	pmu    sync.RWMutex
	policy retry.Policy

	mu       sync.Mutex
	started  bool
	lastPass *PassSummary
}

// New validates cfg and builds a stopped scheduler.
func New(d Deps, cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.Mode != ModeCron && cfg.Mode != ModeQueue {
		return nil, fmt.Errorf("unknown scheduler mode %q", cfg.Mode)
	}
	if d.Store == nil {
		return nil, errors.New("scheduler: store required")
	}
	zone, err := trigger.NewZoneClock(cfg.CronInterval)
	if err != nil {
		return nil, fmt.Errorf("cron_interval: %w", err)
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"), logx.String("mode", string(cfg.Mode)))

	processedBy := "cron_job"
	if cfg.Mode == ModeQueue {
		processedBy = "job_queue"
	}
	s := &Scheduler{
		cfg:   cfg,
		store: d.Store,
		audit: d.Audit,
		bus:   d.Bus,
		log:   log,
		zone:  zone,
		pipe: pipeline.New(pipeline.Deps{
			Store:        d.Store,
			Gate:         d.Gate,
			Materializer: d.Materializer,
			Notifier:     d.Notifier,
			Audit:        d.Audit,
			Policy:       d.Policy,
			Log:          d.Log,
			ProcessedBy:  processedBy,
		}),
		trig:   trigger.New(trigger.Config{Timezone: "UTC"}, d.Log, d.Bus),
		now:    time.Now,
		policy: d.Policy.WithLogger(log),
	}
	s.jitter = func() time.Duration {
		if s.cfg.MaxJitter <= 0 {
			return 0
		}
		return rand.N(s.cfg.MaxJitter + 1)
	}
	if cfg.Mode == ModeQueue {
		s.initQueues()
	}
	return s, nil
}

// Pipeline exposes the shared pipeline for one-off reprocessing.
func (s *Scheduler) Pipeline() *pipeline.Pipeline { return s.pipe }

// SetPolicy swaps the operation-level retry policy.
func (s *Scheduler) SetPolicy(p retry.Policy) {
	s.pmu.Lock()
	s.policy = p.WithLogger(s.log)
	s.pmu.Unlock()
	s.pipe.SetPolicy(p)
}

func (s *Scheduler) retryPolicy() retry.Policy {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	return s.policy
}

// Start registers the schedules and starts the queues. A disabled
// scheduler starts as a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	switch s.cfg.Mode {
	case ModeQueue:
		if err := s.recurring.Start(ctx); err != nil {
			return err
		}
		if err := s.creation.Start(ctx); err != nil {
			_ = s.recurring.Stop(ctx)
			return err
		}
		if err := s.trig.AddSchedule(JobScheduleAll, s.cfg.CronInterval, s.cfg.JobTimeout, s.enqueueScheduleAll); err != nil {
			s.stopQueues(ctx)
			return fmt.Errorf("register %s: %w", JobScheduleAll, err)
		}
	default:
		if err := s.trig.AddSchedule(scheduleCronTick, s.zone.FireSpec(), s.cfg.JobTimeout, s.tick); err != nil {
			return fmt.Errorf("register %s: %w", scheduleCronTick, err)
		}
	}
	if s.cfg.AuditRetentionDays > 0 && s.audit != nil {
		if err := s.trig.AddDaily(scheduleAuditPurge, s.cfg.PurgeAt, s.cfg.JobTimeout, s.purgeAudit); err != nil {
			s.log.Warn("audit purge not scheduled", logx.String("at", s.cfg.PurgeAt), logx.Err(err))
		}
	}
	s.trig.Start(ctx)
	s.started = true
	s.log.Info("scheduler started",
		logx.String("cron_interval", s.cfg.CronInterval),
		logx.String("fire_spec", s.zone.FireSpec()),
		logx.Int("max_concurrency", s.cfg.MaxConcurrency),
	)
	return nil
}

// Stop halts the trigger, then the queues, bounded by ctx. Pending queue
// jobs are kept for a later Start.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.trig.Stop(ctx)
	if s.cfg.Mode == ModeQueue {
		s.stopQueues(ctx)
	}
	s.started = false
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) stopQueues(ctx context.Context) {
	for _, q := range []*queue.Queue{s.recurring, s.creation} {
		if err := q.Stop(ctx); err != nil {
			s.log.Warn("queue stop failed", logx.String("queue", q.Name()), logx.Err(err))
		}
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Enabled: s.cfg.Enabled,
		Mode:    s.cfg.Mode,
		Started: s.started,
	}
	if s.lastPass != nil {
		p := *s.lastPass
		st.LastPass = &p
	}
	s.mu.Unlock()

	st.Schedules = s.trig.Schedules()
	if s.cfg.Mode == ModeQueue {
		rs, cs := s.recurring.Snapshot(), s.creation.Snapshot()
		st.Queue = &QueueStats{
			RecurringTasks: rs.Counts,
			TaskCreation:   cs.Counts,
			Breakers:       map[string]string{rs.Name: rs.Breaker, cs.Name: cs.Breaker},
		}
	}
	return st
}

// Queues returns the diagnostic snapshots of both queues, or nil in cron
// mode.
func (s *Scheduler) Queues() []queue.Snapshot {
	if s.cfg.Mode != ModeQueue {
		return nil
	}
	return []queue.Snapshot{s.recurring.Snapshot(), s.creation.Snapshot()}
}

// TriggerManualRun enqueues an immediate schedule-all pass.
func (s *Scheduler) TriggerManualRun(ctx context.Context) error {
	if s.cfg.Mode != ModeQueue {
		return ErrManualRunUnsupported
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	id, err := s.recurring.Add(ctx, JobScheduleAll, nil, queue.JobOptions{ID: JobScheduleAll})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", JobScheduleAll, err)
	}
	s.log.Info("manual run enqueued", logx.String("job_id", id))
	return nil
}

func (s *Scheduler) purgeAudit(ctx context.Context) error {
	_, err := s.audit.Purge(ctx, s.cfg.AuditRetentionDays)
	return err
}

func (s *Scheduler) fetchEligible(ctx context.Context, now time.Time) ([]storage.Template, error) {
	today := now.UTC().Format("2006-01-02")
	return retry.DoConditional(ctx, s.retryPolicy(), "fetch eligible templates", func(ctx context.Context) ([]storage.Template, error) {
		return s.store.FetchEligibleTemplates(ctx, today)
	})
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
	}
}
