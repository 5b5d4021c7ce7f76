// Package pipeline runs one template through gate, planner, materializer,
// notifier and audit. Both scheduler backends drive it, so they reach the
// same end state for the same input.
//
// The work splits in two halves so the queue backend can run them as
// separate jobs:
//
//	PlanTemplate   permission check, occurrence planning, last_checked_at
//	CreatePlanned  materialization, notification, audit
//
// ProcessTemplate runs both back to back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"recurd/internal/audit"
	"recurd/internal/materializer"
	"recurd/internal/metrics"
	"recurd/internal/notifier"
	"recurd/internal/permission"
	"recurd/internal/recurrence"
	"recurd/internal/retry"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// Store is the subset of storage.Store the pipeline touches directly.
type Store interface {
	FetchTemplate(ctx context.Context, templateID string) (storage.Template, error)
	UpdateRuleCursor(ctx context.Context, scheduleID string, lastCheckedAt time.Time, lastCreatedEndDate *string) error
}

type Gate interface {
	ValidateTemplate(ctx context.Context, templateID string) permission.Result
}

type Materializer interface {
	Materialize(ctx context.Context, tpl storage.Template, dates []time.Time) (materializer.Result, error)
}

type Notifier interface {
	NotifyCreated(ctx context.Context, c notifier.Created) notifier.Report
}

type Deps struct {
	Store        Store
	Gate         Gate
	Materializer Materializer
	Notifier     Notifier // optional
	Audit        *audit.Recorder
	Policy       retry.Policy
	Log          logx.Logger
	// ProcessedBy tags audit details ("cron_job" or "job_queue").
	ProcessedBy string
}

// Plan is the output of PlanTemplate and the input of CreatePlanned. It is
// self-contained so it can travel inside a queued job.
type Plan struct {
	Template  storage.Template
	Location  *time.Location
	Dates     []time.Time
	CheckedAt time.Time
	Denied    bool
	Reason    string
}

// DateStrings renders the plan dates as YYYY-MM-DD.
func (p Plan) DateStrings() []string {
	out := make([]string, len(p.Dates))
	for i, d := range p.Dates {
		out[i] = d.Format(recurrence.DateLayout)
	}
	return out
}

// TemplateResult summarizes one template pass.
type TemplateResult struct {
	TemplateID string
	Timezone   string
	Planned    int
	Created    int
	Skipped    int
	Failed     int
	Denied     bool
	Reason     string
	Fallback   bool
	Notify     notifier.Report
}

type Pipeline struct {
	store  Store
	gate   Gate
	mat    Materializer
	notify Notifier
	audit  *audit.Recorder
	log    logx.Logger
	now    func() time.Time
	source string

	pmu    sync.RWMutex
	policy retry.Policy
}

func New(d Deps) *Pipeline {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "pipeline"))
	return &Pipeline{
		store:  d.Store,
		gate:   d.Gate,
		mat:    d.Materializer,
		notify: d.Notifier,
		audit:  d.Audit,
		policy: d.Policy.WithLogger(log),
		log:    log,
		now:    time.Now,
		source: d.ProcessedBy,
	}
}

// SetPolicy replaces the retry policy (config reload).
func (p *Pipeline) SetPolicy(pol retry.Policy) {
	p.pmu.Lock()
	p.policy = pol.WithLogger(p.log)
	p.pmu.Unlock()
}

func (p *Pipeline) retryPolicy() retry.Policy {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return p.policy
}

// ResolveLocation picks the schedule zone, then the reporter's zone, then
// UTC. Invalid zone names are logged and skipped.
func (p *Pipeline) ResolveLocation(tpl storage.Template) *time.Location {
	return ResolveLocation(tpl, p.log)
}

func ResolveLocation(tpl storage.Template, log logx.Logger) *time.Location {
	for _, name := range []string{tpl.Schedule.Timezone, tpl.ReporterTimezone} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			log.Warn("invalid timezone, falling back",
				logx.String("template_id", tpl.ID),
				logx.String("timezone", name),
				logx.Err(err),
			)
			continue
		}
		return loc
	}
	return time.UTC
}

// ProcessTemplate runs the full path for one template. A permission
// denial is not an error: it is audited and reported in the result.
func (p *Pipeline) ProcessTemplate(ctx context.Context, tpl storage.Template, now time.Time) (TemplateResult, error) {
	plan, err := p.PlanTemplate(ctx, tpl, now)
	if err != nil || plan.Denied {
		return resultOf(plan), err
	}
	return p.CreatePlanned(ctx, plan)
}

// PlanTemplate validates permissions, plans occurrences and records
// last_checked_at.
func (p *Pipeline) PlanTemplate(ctx context.Context, tpl storage.Template, now time.Time) (Plan, error) {
	start := p.now()
	loc := ResolveLocation(tpl, p.log)
	plan := Plan{Template: tpl, Location: loc, CheckedAt: now}
	log := p.log.With(logx.String("template_id", tpl.ID), logx.String("timezone", loc.String()))

	if p.gate != nil {
		perm := p.gate.ValidateTemplate(ctx, tpl.ID)
		if !perm.HasPermission {
			plan.Denied = true
			plan.Reason = perm.Reason
			log.Info("template skipped: permission denied", logx.String("reason", perm.Reason))
			p.audit.LogPermissionDenied(ctx, tpl.ID, tpl.Name, tpl.Schedule.ID, perm.Reason, map[string]any{
				"permissionCheck": perm,
				"processedBy":     p.source,
				"timezone":        loc.String(),
			})
			metrics.RecordTemplateRun("denied", 0, 0, 0, false, p.now().Sub(start))
			return plan, nil
		}
	}

	in, err := planInput(tpl, loc, now)
	if err != nil {
		p.fail(ctx, tpl, loc, nil, err, start)
		return plan, err
	}
	plan.Dates = recurrence.Plan(in)
	log.Debug("occurrences planned", logx.Int("count", len(plan.Dates)))

	if err := p.updateCursor(ctx, tpl.Schedule.ID, now, nil); err != nil {
		log.Warn("last_checked_at not updated", logx.Err(err))
	}
	return plan, nil
}

// CreatePlanned materializes a plan, notifies recipients and audits.
func (p *Pipeline) CreatePlanned(ctx context.Context, plan Plan) (TemplateResult, error) {
	start := p.now()
	tpl := plan.Template
	loc := plan.Location
	if loc == nil {
		loc = ResolveLocation(tpl, p.log)
	}
	res := resultOf(plan)
	if len(plan.Dates) == 0 {
		metrics.RecordTemplateRun("empty", 0, 0, 0, false, p.now().Sub(start))
		return res, nil
	}
	log := p.log.With(logx.String("template_id", tpl.ID), logx.String("schedule_id", tpl.Schedule.ID))
	timer := p.audit.StartTimer()

	mres, err := p.mat.Materialize(ctx, tpl, plan.Dates)
	res.Created = len(mres.Created)
	res.Skipped = mres.Skipped
	res.Failed = len(mres.Failed)
	res.Fallback = mres.Fallback

	if len(mres.Created) > 0 && p.notify != nil {
		res.Notify = p.notify.NotifyCreated(ctx, notifier.Created{
			TemplateName: tpl.Name,
			ProjectID:    tpl.ProjectID,
			ScheduleID:   tpl.Schedule.ID,
			Tasks:        mres.Created,
			AssigneeIDs:  mres.AssigneeUserIDs,
			ReporterID:   tpl.ReporterID,
		})
	}

	// After a hard failure it is unknown which dates exist; the cursor
	// then falls back to the newest task row.
	if err == nil {
		if last := lastExisting(plan.DateStrings(), mres.Failed); last != "" {
			if cerr := p.updateCursor(ctx, tpl.Schedule.ID, plan.CheckedAt, &last); cerr != nil {
				log.Warn("materialization cursor not updated", logx.Err(cerr))
			}
		}
	}

	details := map[string]any{
		"timezone":    loc.String(),
		"endDates":    plan.DateStrings(),
		"processedBy": p.source,
		"skipped":     mres.Skipped,
		"fallback":    mres.Fallback,
		"dropped":     mres.DroppedAssignees,
		"linkFails":   mres.LinkFailures,
	}
	p.audit.LogTemplateProcessing(ctx, audit.TemplateRun{
		TemplateID:    tpl.ID,
		TemplateName:  tpl.Name,
		ScheduleID:    tpl.Schedule.ID,
		Created:       res.Created,
		Failed:        res.Failed,
		Err:           err,
		ExecutionTime: timer.Elapsed(),
		Details:       details,
	})

	result := "created"
	switch {
	case err != nil:
		result = "error"
	case res.Created == 0:
		result = "empty"
	}
	metrics.RecordTemplateRun(result, res.Created, res.Skipped, res.Failed, res.Fallback, p.now().Sub(start))

	if err != nil {
		log.Error("materialization incomplete", logx.Int("created", res.Created), logx.Int("failed", res.Failed), logx.Err(err))
		return res, fmt.Errorf("template %s: %w", tpl.ID, err)
	}
	log.Info("template processed",
		logx.Int("planned", res.Planned),
		logx.Int("created", res.Created),
		logx.Int("skipped", res.Skipped),
	)
	return res, nil
}

// Reprocess re-reads a template by id and runs the full path. A vanished
// template yields storage.ErrNotFound.
func (p *Pipeline) Reprocess(ctx context.Context, templateID string, now time.Time) (TemplateResult, error) {
	tpl, err := retry.DoConditional(ctx, p.retryPolicy(), "fetch template "+templateID, func(ctx context.Context) (storage.Template, error) {
		return p.store.FetchTemplate(ctx, templateID)
	})
	if err != nil {
		return TemplateResult{TemplateID: templateID}, err
	}
	return p.ProcessTemplate(ctx, tpl, now)
}

func (p *Pipeline) updateCursor(ctx context.Context, scheduleID string, checkedAt time.Time, lastCreated *string) error {
	return retry.Exec(ctx, p.retryPolicy(), "update schedule "+scheduleID, func(ctx context.Context) error {
		err := p.store.UpdateRuleCursor(ctx, scheduleID, checkedAt, lastCreated)
		if errors.Is(err, storage.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *Pipeline) fail(ctx context.Context, tpl storage.Template, loc *time.Location, dates []string, err error, start time.Time) {
	p.log.Error("template failed", logx.String("template_id", tpl.ID), logx.Err(err))
	p.audit.LogTemplateProcessing(ctx, audit.TemplateRun{
		TemplateID:    tpl.ID,
		TemplateName:  tpl.Name,
		ScheduleID:    tpl.Schedule.ID,
		Err:           err,
		ExecutionTime: p.now().Sub(start),
		Details:       map[string]any{"timezone": loc.String(), "endDates": dates, "processedBy": p.source},
	})
	metrics.RecordTemplateRun("error", 0, 0, 0, false, p.now().Sub(start))
}

func planInput(tpl storage.Template, loc *time.Location, now time.Time) (recurrence.PlanInput, error) {
	rule, err := recurrence.NewRule(tpl.Schedule.Fields())
	if err != nil {
		return recurrence.PlanInput{}, fmt.Errorf("schedule %s: %w", tpl.Schedule.ID, err)
	}
	in := recurrence.PlanInput{
		Rule:          rule,
		Location:      loc,
		Now:           now,
		Cursor:        tpl.CreatedAt,
		HorizonAnchor: tpl.CreatedAt,
		Excluded:      tpl.Schedule.ExcludedDates,
	}
	if s := tpl.Schedule.LastCreatedTaskEndDate; s != nil && *s != "" {
		c, err := recurrence.ParseDate(*s, loc)
		if err != nil {
			return recurrence.PlanInput{}, fmt.Errorf("schedule %s cursor %q: %w", tpl.Schedule.ID, *s, err)
		}
		in.Cursor = c
	}
	if tpl.Schedule.LastCheckedAt != nil && !tpl.Schedule.LastCheckedAt.IsZero() {
		in.HorizonAnchor = *tpl.Schedule.LastCheckedAt
	}
	if s := tpl.Schedule.EndDate; s != nil && *s != "" {
		end, err := recurrence.ParseDate(*s, loc)
		if err != nil {
			return recurrence.PlanInput{}, fmt.Errorf("schedule %s end date %q: %w", tpl.Schedule.ID, *s, err)
		}
		in.EndDate = &end
	}
	return in, nil
}

// lastExisting returns the latest planned date that now exists as a task.
func lastExisting(planned, failed []string) string {
	bad := make(map[string]struct{}, len(failed))
	for _, f := range failed {
		bad[f] = struct{}{}
	}
	last := ""
	for _, d := range planned {
		if _, ok := bad[d]; ok {
			continue
		}
		if d > last {
			last = d
		}
	}
	return last
}

func resultOf(plan Plan) TemplateResult {
	return TemplateResult{
		TemplateID: plan.Template.ID,
		Timezone:   locName(plan.Location),
		Planned:    len(plan.Dates),
		Denied:     plan.Denied,
		Reason:     plan.Reason,
	}
}

func locName(loc *time.Location) string {
	if loc == nil {
		return ""
	}
	return loc.String()
}
