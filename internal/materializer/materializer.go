// Package materializer persists planned occurrences as task rows.
//
// The batch path creates every occurrence in one store call. If that call
// fails outright, creation degrades to one occurrence at a time with an
// existence check, which converges on the same end state.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"recurd/internal/recurrence"
	"recurd/internal/retry"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// Store is the subset of storage.Store used for materialization.
type Store interface {
	BatchCreateTasks(ctx context.Context, specs []storage.TaskSpec) ([]storage.CreateResult, error)
	CreateTaskIfAbsent(ctx context.Context, spec storage.TaskSpec) (*storage.TaskRef, error)
	BatchLinkAssignees(ctx context.Context, links []storage.AssigneeLink) error
	BatchLinkLabels(ctx context.Context, links []storage.LabelLink) error
	LinkAssignee(ctx context.Context, taskID, teamMemberID string) error
	LinkLabel(ctx context.Context, taskID, labelID string) error
}

// AssigneeFilter drops assignees that may not receive tasks in a project.
type AssigneeFilter interface {
	FilterAssignees(ctx context.Context, assignees []storage.Assignee, projectID string) (valid, invalid []storage.Assignee)
}

// Result describes what one Materialize call did. Created may be shorter
// than the input: existing occurrences are skipped, not errors.
type Result struct {
	Created          []storage.TaskRef
	Skipped          int
	Failed           []string // end dates that could not be created
	Fallback         bool
	DroppedAssignees int
	LinkFailures     int
	// AssigneeUserIDs are the users of the assignees that survived the
	// permission filter. Only they may be told about Created.
	AssigneeUserIDs []string
}

type Materializer struct {
	store  Store
	filter AssigneeFilter
	log    logx.Logger

	pmu    sync.RWMutex
	policy retry.Policy
}

func New(store Store, filter AssigneeFilter, policy retry.Policy, log logx.Logger) *Materializer {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "materializer"))
	return &Materializer{store: store, filter: filter, policy: policy.WithLogger(log), log: log}
}

// SetPolicy replaces the retry policy (config reload).
func (m *Materializer) SetPolicy(p retry.Policy) {
	m.pmu.Lock()
	m.policy = p.WithLogger(m.log)
	m.pmu.Unlock()
}

func (m *Materializer) retryPolicy() retry.Policy {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	return m.policy
}

// Specs builds one task spec per date from the template snapshot.
func Specs(tpl storage.Template, dates []time.Time) []storage.TaskSpec {
	specs := make([]storage.TaskSpec, 0, len(dates))
	for _, d := range dates {
		specs = append(specs, storage.TaskSpec{
			Name:       tpl.Name,
			PriorityID: tpl.PriorityID,
			ProjectID:  tpl.ProjectID,
			ReporterID: tpl.ReporterID,
			StatusID:   tpl.StatusID,
			EndDate:    d.Format(recurrence.DateLayout),
			ScheduleID: tpl.Schedule.ID,
		})
	}
	return specs
}

// Materialize creates tasks for dates. The returned error is non-nil only
// when some occurrence could not be created on the fallback path; Result
// is valid either way.
func (m *Materializer) Materialize(ctx context.Context, tpl storage.Template, dates []time.Time) (Result, error) {
	if len(dates) == 0 {
		return Result{}, nil
	}
	specs := Specs(tpl, dates)
	policy := m.retryPolicy()
	log := m.log.With(logx.String("template_id", tpl.ID), logx.String("schedule_id", tpl.Schedule.ID))

	results, err := retry.Do(ctx, policy, "batch create tasks", func(ctx context.Context) ([]storage.CreateResult, error) {
		return m.store.BatchCreateTasks(ctx, specs)
	})
	if err == nil && len(results) != len(specs) {
		err = fmt.Errorf("batch create returned %d results for %d specs", len(results), len(specs))
	}
	if err != nil {
		log.Warn("batch create failed, falling back to sequential creation", logx.Int("count", len(specs)), logx.Err(err))
		return m.sequential(ctx, tpl, specs, policy, log)
	}

	var res Result
	for i, r := range results {
		switch {
		case r.Created:
			res.Created = append(res.Created, r.Task)
		case r.Err != "":
			log.Warn("task not created", logx.String("end_date", specs[i].EndDate), logx.String("err", r.Err))
			res.Failed = append(res.Failed, specs[i].EndDate)
		default:
			res.Skipped++
		}
	}
	if len(res.Created) == 0 {
		return res, nil
	}

	assignees := m.assignees(ctx, tpl, &res)
	if links := assigneeLinks(res.Created, assignees); len(links) > 0 {
		if err := retry.Exec(ctx, policy, "link assignees", func(ctx context.Context) error {
			return m.store.BatchLinkAssignees(ctx, links)
		}); err != nil {
			res.LinkFailures += len(links)
			log.Error("assignee links failed", logx.Int("links", len(links)), logx.Err(err))
		}
	}
	if links := labelLinks(res.Created, tpl.LabelIDs); len(links) > 0 {
		if err := retry.Exec(ctx, policy, "link labels", func(ctx context.Context) error {
			return m.store.BatchLinkLabels(ctx, links)
		}); err != nil {
			res.LinkFailures += len(links)
			log.Error("label links failed", logx.Int("links", len(links)), logx.Err(err))
		}
	}
	return res, nil
}

func (m *Materializer) sequential(ctx context.Context, tpl storage.Template, specs []storage.TaskSpec, policy retry.Policy, log logx.Logger) (Result, error) {
	res := Result{Fallback: true}
	var errs []error
	var assignees []storage.Assignee
	assigneesResolved := false

	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		spec := spec
		ref, err := retry.Do(ctx, policy, "create task "+spec.EndDate, func(ctx context.Context) (*storage.TaskRef, error) {
			return m.store.CreateTaskIfAbsent(ctx, spec)
		})
		if err != nil {
			log.Error("sequential create failed", logx.String("end_date", spec.EndDate), logx.Err(err))
			res.Failed = append(res.Failed, spec.EndDate)
			errs = append(errs, fmt.Errorf("%s: %w", spec.EndDate, err))
			continue
		}
		if ref == nil {
			res.Skipped++
			continue
		}
		res.Created = append(res.Created, *ref)

		if !assigneesResolved {
			assignees = m.assignees(ctx, tpl, &res)
			assigneesResolved = true
		}
		for _, a := range assignees {
			if err := m.store.LinkAssignee(ctx, ref.ID, a.TeamMemberID); err != nil {
				res.LinkFailures++
				log.Warn("assignee link failed", logx.String("task_id", ref.ID), logx.String("team_member_id", a.TeamMemberID), logx.Err(err))
			}
		}
		for _, l := range tpl.LabelIDs {
			if err := m.store.LinkLabel(ctx, ref.ID, l); err != nil {
				res.LinkFailures++
				log.Warn("label link failed", logx.String("task_id", ref.ID), logx.String("label_id", l), logx.Err(err))
			}
		}
	}
	return res, errors.Join(errs...)
}

func (m *Materializer) assignees(ctx context.Context, tpl storage.Template, res *Result) []storage.Assignee {
	if len(tpl.Assignees) == 0 {
		return nil
	}
	if m.filter == nil {
		res.AssigneeUserIDs = storage.AssigneeUserIDs(tpl.Assignees)
		return tpl.Assignees
	}
	valid, invalid := m.filter.FilterAssignees(ctx, tpl.Assignees, tpl.ProjectID)
	if len(invalid) > 0 {
		res.DroppedAssignees = len(invalid)
		m.log.Info("dropping ineligible assignees", logx.String("template_id", tpl.ID), logx.Int("dropped", len(invalid)))
	}
	res.AssigneeUserIDs = storage.AssigneeUserIDs(valid)
	return valid
}

func assigneeLinks(tasks []storage.TaskRef, assignees []storage.Assignee) []storage.AssigneeLink {
	links := make([]storage.AssigneeLink, 0, len(tasks)*len(assignees))
	for _, t := range tasks {
		for _, a := range assignees {
			links = append(links, storage.AssigneeLink{TaskID: t.ID, TeamMemberID: a.TeamMemberID})
		}
	}
	return links
}

func labelLinks(tasks []storage.TaskRef, labels []string) []storage.LabelLink {
	links := make([]storage.LabelLink, 0, len(tasks)*len(labels))
	for _, t := range tasks {
		for _, l := range labels {
			links = append(links, storage.LabelLink{TaskID: t.ID, LabelID: l})
		}
	}
	return links
}
