package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Seed it with the Put* methods.
type Memory struct {
	mu sync.Mutex

	now func() time.Time

	projects  map[string]memProject
	users     map[string]memUser
	members   map[string]Membership // project|user
	templates map[string]Template
	schedules map[string]Schedule

	tasks      map[string]memTask
	taskByDate map[string]string // schedule|end_date -> task id
	assignees  map[string][]string
	labels     map[string][]string

	audit         []AuditEntry
	prefs         map[string]NotificationPreference
	notifications []Notification
	push          map[string][]int64
}

type memProject struct{ Active, Archived bool }

type memUser struct {
	Name, Email, Timezone string
	Active                bool
}

type memTask struct {
	Spec      TaskSpec
	ID        string
	CreatedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		projects:   map[string]memProject{},
		users:      map[string]memUser{},
		members:    map[string]Membership{},
		templates:  map[string]Template{},
		schedules:  map[string]Schedule{},
		tasks:      map[string]memTask{},
		taskByDate: map[string]string{},
		assignees:  map[string][]string{},
		labels:     map[string][]string{},
		prefs:      map[string]NotificationPreference{},
		push:       map[string][]int64{},
	}
}

// SetClock overrides the timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// ---- seeding ----

func (m *Memory) PutProject(id string, active, archived bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[id] = memProject{Active: active, Archived: archived}
}

func (m *Memory) PutUser(id, name, email, timezone string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = memUser{Name: name, Email: email, Timezone: timezone, Active: active}
}

func (m *Memory) PutMembership(projectID, userID string, mb Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb.IsMember = true
	m.members[projectID+"|"+userID] = mb
}

// PutTemplate stores t and its schedule.
func (m *Memory) PutTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Schedule.ID == "" {
		t.Schedule.ID = "sched-" + t.ID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	if t.Schedule.CreatedAt.IsZero() {
		t.Schedule.CreatedAt = t.CreatedAt
	}
	m.schedules[t.Schedule.ID] = t.Schedule
	t.Schedule = Schedule{ID: t.Schedule.ID}
	m.templates[t.ID] = t
}

func (m *Memory) DeleteTemplate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.templates, id)
}

func (m *Memory) PutPreference(p NotificationPreference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = p
}

func (m *Memory) PutPushTarget(userID string, chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push[userID] = append(m.push[userID], chatID)
}

// ---- inspection ----

// Tasks returns all materialized tasks ordered by end date.
func (m *Memory) Tasks() []TaskRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRef, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, TaskRef{ID: t.ID, Name: t.Spec.Name, EndDate: t.Spec.EndDate})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndDate != out[j].EndDate {
			return out[i].EndDate < out[j].EndDate
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) TaskAssignees(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.assignees[taskID]...)
}

func (m *Memory) TaskLabels(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.labels[taskID]...)
}

func (m *Memory) AuditEntries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.notifications...)
}

// ---- Store ----

func (m *Memory) Close() error { return nil }

func (m *Memory) joined(t Template) Template {
	t.Schedule = m.schedules[t.Schedule.ID]
	if t.Schedule.LastCreatedTaskEndDate == nil {
		var maxEnd string
		for _, task := range m.tasks {
			if task.Spec.ScheduleID == t.Schedule.ID && task.Spec.EndDate > maxEnd {
				maxEnd = task.Spec.EndDate
			}
		}
		if maxEnd != "" {
			t.Schedule.LastCreatedTaskEndDate = &maxEnd
		}
	}
	if u, ok := m.users[t.ReporterID]; ok {
		t.ReporterTimezone = u.Timezone
	}
	t.Assignees = append([]Assignee(nil), t.Assignees...)
	t.LabelIDs = append([]string(nil), t.LabelIDs...)
	t.Schedule.ExcludedDates = append([]string(nil), t.Schedule.ExcludedDates...)
	return t
}

func (m *Memory) FetchEligibleTemplates(ctx context.Context, today string) ([]Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		jt := m.joined(t)
		if jt.Schedule.EndDate != nil && *jt.Schedule.EndDate < today {
			continue
		}
		out = append(out, jt)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) FetchTemplate(ctx context.Context, templateID string) (Template, error) {
	if err := ctx.Err(); err != nil {
		return Template{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[templateID]
	if !ok {
		return Template{}, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	return m.joined(t), nil
}

func (m *Memory) ListTemplateIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.templates))
	for id := range m.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) TemplateOrigin(ctx context.Context, templateID string) (Origin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[templateID]
	if !ok {
		return Origin{}, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	return Origin{ProjectID: t.ProjectID, ReporterID: t.ReporterID}, nil
}

func (m *Memory) FetchRule(ctx context.Context, scheduleID string) (Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.Schedule.ID == scheduleID {
			return m.joined(t).Schedule, nil
		}
	}
	return Schedule{}, fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
}

func (m *Memory) UpdateRuleCursor(ctx context.Context, scheduleID string, lastCheckedAt time.Time, lastCreatedEndDate *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	at := lastCheckedAt
	s.LastCheckedAt = &at
	if lastCreatedEndDate != nil {
		d := *lastCreatedEndDate
		s.LastCreatedTaskEndDate = &d
	}
	m.schedules[scheduleID] = s
	return nil
}

func (m *Memory) AddExcludedDate(ctx context.Context, scheduleID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	for _, d := range s.ExcludedDates {
		if d == date {
			return nil
		}
	}
	s.ExcludedDates = append(append([]string(nil), s.ExcludedDates...), date)
	m.schedules[scheduleID] = s
	return nil
}

func (m *Memory) createLocked(spec TaskSpec) *TaskRef {
	key := spec.ScheduleID + "|" + spec.EndDate
	if _, exists := m.taskByDate[key]; exists {
		return nil
	}
	id := uuid.NewString()
	m.tasks[id] = memTask{Spec: spec, ID: id, CreatedAt: m.now()}
	m.taskByDate[key] = id
	return &TaskRef{ID: id, Name: spec.Name, EndDate: spec.EndDate}
}

func (m *Memory) BatchCreateTasks(ctx context.Context, specs []TaskSpec) ([]CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CreateResult, len(specs))
	for i, spec := range specs {
		if ref := m.createLocked(spec); ref != nil {
			out[i] = CreateResult{Created: true, Task: *ref}
		} else {
			out[i] = CreateResult{Task: TaskRef{Name: spec.Name, EndDate: spec.EndDate}}
		}
	}
	return out, nil
}

func (m *Memory) CreateTaskIfAbsent(ctx context.Context, spec TaskSpec) (*TaskRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(spec), nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func (m *Memory) BatchLinkAssignees(ctx context.Context, links []AssigneeLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range links {
		if _, ok := m.tasks[l.TaskID]; !ok {
			return fmt.Errorf("task %s: %w", l.TaskID, ErrNotFound)
		}
	}
	for _, l := range links {
		m.assignees[l.TaskID] = appendUnique(m.assignees[l.TaskID], l.TeamMemberID)
	}
	return nil
}

func (m *Memory) BatchLinkLabels(ctx context.Context, links []LabelLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range links {
		if _, ok := m.tasks[l.TaskID]; !ok {
			return fmt.Errorf("task %s: %w", l.TaskID, ErrNotFound)
		}
	}
	for _, l := range links {
		m.labels[l.TaskID] = appendUnique(m.labels[l.TaskID], l.LabelID)
	}
	return nil
}

func (m *Memory) LinkAssignee(ctx context.Context, taskID, teamMemberID string) error {
	return m.BatchLinkAssignees(ctx, []AssigneeLink{{TaskID: taskID, TeamMemberID: teamMemberID}})
}

func (m *Memory) LinkLabel(ctx context.Context, taskID, labelID string) error {
	return m.BatchLinkLabels(ctx, []LabelLink{{TaskID: taskID, LabelID: labelID}})
}

func (m *Memory) CheckProjectActive(ctx context.Context, projectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	return ok && p.Active && !p.Archived, nil
}

func (m *Memory) CheckUserActive(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	return ok && u.Active, nil
}

func (m *Memory) CheckProjectMembership(ctx context.Context, userID, projectID string) (Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[projectID+"|"+userID], nil
}

func (m *Memory) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) QueryAuditSummary(ctx context.Context, since time.Time) ([]AuditSummaryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := map[string]*AuditSummaryRow{}
	totals := map[string]int64{}
	for _, e := range m.audit {
		if e.CreatedAt.Before(since) {
			continue
		}
		r := rows[e.OperationType]
		if r == nil {
			r = &AuditSummaryRow{OperationType: e.OperationType}
			rows[e.OperationType] = r
		}
		r.Total++
		if e.Success {
			r.Successful++
		} else {
			r.Failed++
		}
		r.TotalCreated += e.CreatedCount
		r.TotalFailed += e.FailedCount
		totals[e.OperationType] += e.ExecutionTimeMS
	}
	out := make([]AuditSummaryRow, 0, len(rows))
	for op, r := range rows {
		r.AvgExecutionMS = float64(totals[op]) / float64(r.Total)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationType < out[j].OperationType })
	return out, nil
}

func (m *Memory) QueryRecentErrors(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if !m.audit[i].Success {
			out = append(out, m.audit[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var n int64
	for _, e := range m.audit {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return n, nil
}

func (m *Memory) FetchNotificationPreferences(ctx context.Context, userIDs []string) ([]NotificationPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []NotificationPreference
	for _, id := range userIDs {
		if p, ok := m.prefs[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) InsertNotification(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) FetchUserContacts(ctx context.Context, userIDs []string) ([]Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Contact
	for _, id := range userIDs {
		if u, ok := m.users[id]; ok && u.Active && u.Email != "" {
			out = append(out, Contact{UserID: id, Name: u.Name, Email: u.Email})
		}
	}
	return out, nil
}

func (m *Memory) FetchPushTargets(ctx context.Context, userIDs []string) ([]PushTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PushTarget
	for _, id := range userIDs {
		for _, chat := range m.push[id] {
			out = append(out, PushTarget{UserID: id, ChatID: chat})
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*sqlStore)(nil)
