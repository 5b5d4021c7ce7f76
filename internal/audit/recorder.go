// Package audit records the engine's significant operations.
//
// Recording is best effort: persistence failures are logged and reported
// as an Outcome, never returned as errors.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

type OperationType string

const (
	OpCronJobRun          OperationType = "cron_job_run"
	OpTemplateCreated     OperationType = "template_created"
	OpTemplateUpdated     OperationType = "template_updated"
	OpTemplateDeleted     OperationType = "template_deleted"
	OpScheduleCreated     OperationType = "schedule_created"
	OpScheduleUpdated     OperationType = "schedule_updated"
	OpScheduleDeleted     OperationType = "schedule_deleted"
	OpTasksCreated        OperationType = "tasks_created"
	OpTasksCreationFailed OperationType = "tasks_creation_failed"
)

// Outcome is the result of a best-effort write.
type Outcome int

const (
	OutcomeRecorded Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store is the subset of storage.Store the recorder uses.
type Store interface {
	InsertAuditEntry(ctx context.Context, e storage.AuditEntry) error
	QueryAuditSummary(ctx context.Context, since time.Time) ([]storage.AuditSummaryRow, error)
	QueryRecentErrors(ctx context.Context, limit int) ([]storage.AuditEntry, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}

// Entry is what callers hand to Log. Details is marshaled to JSON.
type Entry struct {
	OperationType OperationType
	TemplateID    string
	ScheduleID    string
	TaskID        string
	TemplateName  string
	Success       bool
	ErrorMessage  string
	Details       any
	CreatedCount  int
	FailedCount   int
	ExecutionTime time.Duration
	CreatedBy     string
}

// OutcomeHook observes every write; metrics use it.
type OutcomeHook func(op OperationType, o Outcome)

type Recorder struct {
	store   Store
	log     logx.Logger
	enabled atomic.Bool
	now     func() time.Time
	hook    OutcomeHook
}

func New(store Store, enabled bool, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{store: store, log: log.With(logx.String("comp", "audit")), now: time.Now}
	r.enabled.Store(enabled)
	return r
}

// SetEnabled toggles persistence at runtime.
func (r *Recorder) SetEnabled(v bool) { r.enabled.Store(v) }

func (r *Recorder) Enabled() bool { return r.enabled.Load() }

func (r *Recorder) OnOutcome(h OutcomeHook) { r.hook = h }

// Timer measures one pipeline pass.
type Timer struct{ start time.Time }

func (r *Recorder) StartTimer() Timer { return Timer{start: time.Now()} }

func (t Timer) Elapsed() time.Duration { return time.Since(t.start) }

// Log persists one entry.
func (r *Recorder) Log(ctx context.Context, e Entry) Outcome {
	o := r.write(ctx, e)
	if r != nil && r.hook != nil {
		r.hook(e.OperationType, o)
	}
	return o
}

func (r *Recorder) write(ctx context.Context, e Entry) Outcome {
	if r == nil || r.store == nil || !r.enabled.Load() {
		return OutcomeSkipped
	}
	row := storage.AuditEntry{
		OperationType:   string(e.OperationType),
		TemplateID:      e.TemplateID,
		ScheduleID:      e.ScheduleID,
		TaskID:          e.TaskID,
		TemplateName:    e.TemplateName,
		Success:         e.Success,
		ErrorMessage:    e.ErrorMessage,
		CreatedCount:    e.CreatedCount,
		FailedCount:     e.FailedCount,
		ExecutionTimeMS: e.ExecutionTime.Milliseconds(),
		CreatedBy:       e.CreatedBy,
		CreatedAt:       r.now(),
	}
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			r.log.Warn("audit details not serializable", logx.String("op", string(e.OperationType)), logx.Err(err))
		} else {
			row.Details = b
		}
	}

	// Auditing must outlive a cancelled job context.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.InsertAuditEntry(wctx, row); err != nil {
		r.log.Error("audit write failed",
			logx.String("op", string(e.OperationType)),
			logx.String("template_id", e.TemplateID),
			logx.Bool("success", e.Success),
			logx.Err(err),
		)
		return OutcomeFailed
	}
	return OutcomeRecorded
}

// CronRun summarizes one polling tick.
type CronRun struct {
	TemplatesProcessed int
	TasksCreated       int
	Errors             []string
	ExecutionTime      time.Duration
	Details            map[string]any
}

func (r *Recorder) LogCronRun(ctx context.Context, run CronRun) Outcome {
	details := map[string]any{
		"templates_processed": run.TemplatesProcessed,
		"errors":              run.Errors,
	}
	for k, v := range run.Details {
		details[k] = v
	}
	e := Entry{
		OperationType: OpCronJobRun,
		Success:       len(run.Errors) == 0,
		CreatedCount:  run.TasksCreated,
		FailedCount:   len(run.Errors),
		ExecutionTime: run.ExecutionTime,
		Details:       details,
		CreatedBy:     "system",
	}
	if len(run.Errors) > 0 {
		e.ErrorMessage = fmt.Sprintf("%d template(s) failed: %s", len(run.Errors), strings.Join(run.Errors, "; "))
	}
	return r.Log(ctx, e)
}

// TemplateRun describes one template's materialization.
type TemplateRun struct {
	TemplateID    string
	TemplateName  string
	ScheduleID    string
	Created       int
	Failed        int
	Err           error
	ExecutionTime time.Duration
	Details       map[string]any
}

func (r *Recorder) LogTemplateProcessing(ctx context.Context, run TemplateRun) Outcome {
	e := Entry{
		OperationType: OpTasksCreated,
		TemplateID:    run.TemplateID,
		TemplateName:  run.TemplateName,
		ScheduleID:    run.ScheduleID,
		Success:       run.Err == nil && run.Failed == 0,
		CreatedCount:  run.Created,
		FailedCount:   run.Failed,
		ExecutionTime: run.ExecutionTime,
		CreatedBy:     "system",
	}
	if run.Details != nil {
		e.Details = run.Details
	}
	if run.Err != nil {
		e.OperationType = OpTasksCreationFailed
		e.ErrorMessage = run.Err.Error()
	}
	return r.Log(ctx, e)
}

// LogPermissionDenied records a skipped template.
func (r *Recorder) LogPermissionDenied(ctx context.Context, templateID, templateName, scheduleID, reason string, details map[string]any) Outcome {
	return r.Log(ctx, Entry{
		OperationType: OpTasksCreationFailed,
		TemplateID:    templateID,
		TemplateName:  templateName,
		ScheduleID:    scheduleID,
		Success:       false,
		ErrorMessage:  "Permission denied: " + reason,
		Details:       details,
		CreatedBy:     "system",
	})
}

// ScheduleChange describes a mutation of a schedule.
type ScheduleChange struct {
	Operation  OperationType // schedule_created|schedule_updated|schedule_deleted
	ScheduleID string
	TemplateID string
	Actor      string
	Changes    map[string]any
}

func (r *Recorder) LogScheduleChange(ctx context.Context, c ScheduleChange) Outcome {
	op := c.Operation
	switch op {
	case OpScheduleCreated, OpScheduleUpdated, OpScheduleDeleted:
	default:
		op = OpScheduleUpdated
	}
	return r.Log(ctx, Entry{
		OperationType: op,
		ScheduleID:    c.ScheduleID,
		TemplateID:    c.TemplateID,
		Success:       true,
		Details:       map[string]any{"changes": c.Changes},
		CreatedBy:     c.Actor,
	})
}

// Summary aggregates the trailing window of days.
func (r *Recorder) Summary(ctx context.Context, days int) ([]storage.AuditSummaryRow, error) {
	if r.store == nil {
		return nil, storage.ErrDisabled
	}
	if days <= 0 {
		days = 7
	}
	return r.store.QueryAuditSummary(ctx, r.now().AddDate(0, 0, -days))
}

// RecentErrors returns the newest failed entries first.
func (r *Recorder) RecentErrors(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	if r.store == nil {
		return nil, storage.ErrDisabled
	}
	if limit <= 0 {
		limit = 10
	}
	return r.store.QueryRecentErrors(ctx, limit)
}

// Purge deletes entries older than retentionDays. Zero keeps everything.
func (r *Recorder) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if r.store == nil || retentionDays <= 0 {
		return 0, nil
	}
	n, err := r.store.PurgeAudit(ctx, r.now().AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("audit entries purged", logx.Int64("rows", n), logx.Int("retention_days", retentionDays))
	}
	return n, nil
}
