package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "recurd/pkg/logx"
)

// sqlStore implements Store on database/sql for both SQL dialects.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, now: time.Now}
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for migrations and diagnostics.
func (s *sqlStore) DB() *sql.DB { return s.db }

type txFn func(ctx context.Context, tx *sql.Tx) error

// inTx runs fn in a transaction, rolling back on error or panic.
func (s *sqlStore) inTx(ctx context.Context, fn txFn) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error("rollback after panic failed", logx.Err(rbErr), logx.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", logx.Err(rbErr), logx.String("original", err.Error()))
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) q(query string) string { return s.d.rebind(query) }

// ---- templates & schedules ----

const templateColumns = `t.id, t.task_id, t.name, COALESCE(t.priority_id, ''), t.project_id, t.reporter_id, COALESCE(t.status_id, ''),
	t.assignees, t.labels, t.created_at,
	s.id, s.schedule_type, s.days_of_week, s.day_of_month, s.date_of_month, s.week_of_month,
	s.interval_days, s.interval_weeks, s.interval_months, COALESCE(s.timezone, ''), s.end_date, s.excluded_dates,
	s.last_checked_at,
	COALESCE(s.last_created_task_end_date, (SELECT MAX(k.end_date) FROM tasks k WHERE k.schedule_id = s.id)),
	s.created_at,
	COALESCE(u.timezone, '')
FROM task_recurring_templates t
JOIN task_recurring_schedules s ON s.id = t.schedule_id
LEFT JOIN users u ON u.id = t.reporter_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(r rowScanner) (Template, error) {
	var (
		t                         Template
		assignees, labels         jsonText
		createdAt, schedCreatedAt nullTime
		daysOfWeek, excluded      jsonText
		dayOfMonth, dateOfMonth   sql.NullInt64
		weekOfMonth, ivDays       sql.NullInt64
		ivWeeks, ivMonths         sql.NullInt64
		endDate, lastCreated      nullDate
		lastChecked               nullTime
	)
	err := r.Scan(
		&t.ID, &t.TaskID, &t.Name, &t.PriorityID, &t.ProjectID, &t.ReporterID, &t.StatusID,
		&assignees, &labels, &createdAt,
		&t.Schedule.ID, &t.Schedule.Type, &daysOfWeek, &dayOfMonth, &dateOfMonth, &weekOfMonth,
		&ivDays, &ivWeeks, &ivMonths, &t.Schedule.Timezone, &endDate, &excluded,
		&lastChecked, &lastCreated, &schedCreatedAt,
		&t.ReporterTimezone,
	)
	if err != nil {
		return Template{}, err
	}
	t.CreatedAt = createdAt.Time
	if len(assignees) > 0 {
		if err := json.Unmarshal(assignees, &t.Assignees); err != nil {
			return Template{}, fmt.Errorf("template %s assignees: %w", t.ID, err)
		}
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &t.LabelIDs); err != nil {
			return Template{}, fmt.Errorf("template %s labels: %w", t.ID, err)
		}
	}
	sc := &t.Schedule
	if len(daysOfWeek) > 0 {
		if err := json.Unmarshal(daysOfWeek, &sc.DaysOfWeek); err != nil {
			return Template{}, fmt.Errorf("schedule %s days_of_week: %w", sc.ID, err)
		}
	}
	if len(excluded) > 0 {
		if err := json.Unmarshal(excluded, &sc.ExcludedDates); err != nil {
			return Template{}, fmt.Errorf("schedule %s excluded_dates: %w", sc.ID, err)
		}
	}
	sc.DayOfMonth = intPtr(dayOfMonth)
	sc.DateOfMonth = intPtr(dateOfMonth)
	sc.WeekOfMonth = intPtr(weekOfMonth)
	sc.IntervalDays = intPtr(ivDays)
	sc.IntervalWeeks = intPtr(ivWeeks)
	sc.IntervalMonths = intPtr(ivMonths)
	sc.EndDate = endDate.ptr()
	sc.LastCheckedAt = lastChecked.ptr()
	sc.LastCreatedTaskEndDate = lastCreated.ptr()
	sc.CreatedAt = schedCreatedAt.Time
	return t, nil
}

func (s *sqlStore) FetchEligibleTemplates(ctx context.Context, today string) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+templateColumns+`
WHERE s.end_date IS NULL OR s.end_date >= ?
ORDER BY t.created_at, t.id`), today)
	if err != nil {
		return nil, fmt.Errorf("fetch eligible templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) FetchTemplate(ctx context.Context, templateID string) (Template, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+templateColumns+` WHERE t.id = ?`), templateID)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	if err != nil {
		return Template{}, fmt.Errorf("fetch template %s: %w", templateID, err)
	}
	return t, nil
}

func (s *sqlStore) ListTemplateIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM task_recurring_templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) TemplateOrigin(ctx context.Context, templateID string) (Origin, error) {
	var o Origin
	err := s.db.QueryRowContext(ctx, s.q(`SELECT project_id, reporter_id FROM task_recurring_templates WHERE id = ?`), templateID).
		Scan(&o.ProjectID, &o.ReporterID)
	if errors.Is(err, sql.ErrNoRows) {
		return Origin{}, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	return o, err
}

func (s *sqlStore) FetchRule(ctx context.Context, scheduleID string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+templateColumns+` WHERE s.id = ?`), scheduleID)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("fetch schedule %s: %w", scheduleID, err)
	}
	return t.Schedule, nil
}

func (s *sqlStore) UpdateRuleCursor(ctx context.Context, scheduleID string, lastCheckedAt time.Time, lastCreatedEndDate *string) error {
	var (
		res sql.Result
		err error
	)
	if lastCreatedEndDate != nil {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE task_recurring_schedules
SET last_checked_at = ?, last_created_task_end_date = ?
WHERE id = ?`), s.d.ts(lastCheckedAt), *lastCreatedEndDate, scheduleID)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE task_recurring_schedules SET last_checked_at = ? WHERE id = ?`),
			s.d.ts(lastCheckedAt), scheduleID)
	}
	if err != nil {
		return fmt.Errorf("update schedule cursor %s: %w", scheduleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) AddExcludedDate(ctx context.Context, scheduleID, date string) error {
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var raw jsonText
		err := tx.QueryRowContext(ctx, s.q(`SELECT excluded_dates FROM task_recurring_schedules WHERE id = ?`), scheduleID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var dates []string
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &dates); err != nil {
				return fmt.Errorf("schedule %s excluded_dates: %w", scheduleID, err)
			}
		}
		for _, d := range dates {
			if d == date {
				return nil
			}
		}
		dates = append(dates, date)
		b, _ := json.Marshal(dates)
		_, err = tx.ExecContext(ctx, s.q(`UPDATE task_recurring_schedules SET excluded_dates = ? WHERE id = ?`), string(b), scheduleID)
		return err
	})
}

// ---- tasks ----

const insertTaskSQL = `INSERT INTO tasks(id, name, priority_id, project_id, reporter_id, status_id, end_date, schedule_id, created_at)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT (schedule_id, end_date) DO NOTHING
RETURNING id, name`

func (s *sqlStore) insertTask(ctx context.Context, tx *sql.Tx, spec TaskSpec) (*TaskRef, error) {
	ref := TaskRef{EndDate: spec.EndDate}
	err := tx.QueryRowContext(ctx, s.q(insertTaskSQL),
		uuid.NewString(), spec.Name, nullStr(spec.PriorityID), spec.ProjectID, spec.ReporterID,
		nullStr(spec.StatusID), spec.EndDate, spec.ScheduleID, s.d.ts(s.now()),
	).Scan(&ref.ID, &ref.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *sqlStore) BatchCreateTasks(ctx context.Context, specs []TaskSpec) ([]CreateResult, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]CreateResult, len(specs))
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i, spec := range specs {
			ref, err := s.insertTask(ctx, tx, spec)
			if err != nil {
				return fmt.Errorf("insert task %q (%s): %w", spec.Name, spec.EndDate, err)
			}
			if ref == nil {
				out[i] = CreateResult{Task: TaskRef{Name: spec.Name, EndDate: spec.EndDate}}
				continue
			}
			out[i] = CreateResult{Created: true, Task: *ref}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch create tasks: %w", err)
	}
	return out, nil
}

func (s *sqlStore) CreateTaskIfAbsent(ctx context.Context, spec TaskSpec) (*TaskRef, error) {
	var created *TaskRef
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM tasks WHERE schedule_id = ? AND end_date = ?`), spec.ScheduleID, spec.EndDate).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		created, err = s.insertTask(ctx, tx, spec)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task %q (%s): %w", spec.Name, spec.EndDate, err)
	}
	return created, nil
}

func (s *sqlStore) BatchLinkAssignees(ctx context.Context, links []AssigneeLink) error {
	if len(links) == 0 {
		return nil
	}
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, l := range links {
			if err := s.linkAssignee(ctx, tx, l.TaskID, l.TeamMemberID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) BatchLinkLabels(ctx context.Context, links []LabelLink) error {
	if len(links) == 0 {
		return nil
	}
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, l := range links {
			if err := s.linkLabel(ctx, tx, l.TaskID, l.LabelID); err != nil {
				return err
			}
		}
		return nil
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) linkAssignee(ctx context.Context, ex execer, taskID, teamMemberID string) error {
	_, err := ex.ExecContext(ctx, s.q(`INSERT INTO tasks_assignees(task_id, team_member_id, created_at) VALUES(?,?,?)
ON CONFLICT (task_id, team_member_id) DO NOTHING`), taskID, teamMemberID, s.d.ts(s.now()))
	if err != nil {
		return fmt.Errorf("link assignee %s to task %s: %w", teamMemberID, taskID, err)
	}
	return nil
}

func (s *sqlStore) linkLabel(ctx context.Context, ex execer, taskID, labelID string) error {
	_, err := ex.ExecContext(ctx, s.q(`INSERT INTO task_labels(task_id, label_id) VALUES(?,?)
ON CONFLICT (task_id, label_id) DO NOTHING`), taskID, labelID)
	if err != nil {
		return fmt.Errorf("link label %s to task %s: %w", labelID, taskID, err)
	}
	return nil
}

func (s *sqlStore) LinkAssignee(ctx context.Context, taskID, teamMemberID string) error {
	return s.linkAssignee(ctx, s.db, taskID, teamMemberID)
}

func (s *sqlStore) LinkLabel(ctx context.Context, taskID, labelID string) error {
	return s.linkLabel(ctx, s.db, taskID, labelID)
}

// ---- permissions ----

func (s *sqlStore) CheckProjectActive(ctx context.Context, projectID string) (bool, error) {
	var active, archived bool
	err := s.db.QueryRowContext(ctx, s.q(`SELECT active, archived FROM projects WHERE id = ?`), projectID).Scan(&active, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check project %s: %w", projectID, err)
	}
	return active && !archived, nil
}

func (s *sqlStore) CheckUserActive(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, s.q(`SELECT active FROM users WHERE id = ?`), userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user %s: %w", userID, err)
	}
	return active, nil
}

func (s *sqlStore) CheckProjectMembership(ctx context.Context, userID, projectID string) (Membership, error) {
	var (
		role      sql.NullString
		canCreate sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT role_name, can_create_tasks FROM project_members WHERE user_id = ? AND project_id = ?`),
		userID, projectID).Scan(&role, &canCreate)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, nil
	}
	if err != nil {
		return Membership{}, fmt.Errorf("check membership %s in %s: %w", userID, projectID, err)
	}
	m := Membership{IsMember: true, RoleName: role.String, CanCreateTasks: true}
	if canCreate.Valid {
		m.CanCreateTasks = canCreate.Bool
	}
	return m, nil
}

// ---- audit ----

func (s *sqlStore) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO recurring_tasks_audit_log(
	id, operation_type, template_id, schedule_id, task_id, template_name, success, error_message,
	details, created_tasks_count, failed_tasks_count, execution_time_ms, created_by, created_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, e.OperationType, nullStr(e.TemplateID), nullStr(e.ScheduleID), nullStr(e.TaskID), nullStr(e.TemplateName),
		e.Success, nullStr(e.ErrorMessage), jsonText(e.Details), e.CreatedCount, e.FailedCount, e.ExecutionTimeMS,
		nullStr(e.CreatedBy), s.d.ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *sqlStore) QueryAuditSummary(ctx context.Context, since time.Time) ([]AuditSummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT operation_type,
	COUNT(*),
	CAST(COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS BIGINT),
	CAST(COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS BIGINT),
	CAST(COALESCE(AVG(execution_time_ms), 0) AS DOUBLE PRECISION),
	CAST(COALESCE(SUM(created_tasks_count), 0) AS BIGINT),
	CAST(COALESCE(SUM(failed_tasks_count), 0) AS BIGINT)
FROM recurring_tasks_audit_log
WHERE created_at >= ?
GROUP BY operation_type
ORDER BY operation_type`), s.d.ts(since))
	if err != nil {
		return nil, fmt.Errorf("query audit summary: %w", err)
	}
	defer rows.Close()

	var out []AuditSummaryRow
	for rows.Next() {
		var r AuditSummaryRow
		if err := rows.Scan(&r.OperationType, &r.Total, &r.Successful, &r.Failed, &r.AvgExecutionMS, &r.TotalCreated, &r.TotalFailed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) QueryRecentErrors(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, operation_type, COALESCE(template_id, ''), COALESCE(schedule_id, ''),
	COALESCE(task_id, ''), COALESCE(template_name, ''), success, COALESCE(error_message, ''), details,
	created_tasks_count, failed_tasks_count, execution_time_ms, COALESCE(created_by, ''), created_at
FROM recurring_tasks_audit_log
WHERE NOT success
ORDER BY created_at DESC
LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent errors: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			details jsonText
			at      nullTime
		)
		if err := rows.Scan(&e.ID, &e.OperationType, &e.TemplateID, &e.ScheduleID, &e.TaskID, &e.TemplateName,
			&e.Success, &e.ErrorMessage, &details, &e.CreatedCount, &e.FailedCount, &e.ExecutionTimeMS,
			&e.CreatedBy, &at); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		e.CreatedAt = at.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM recurring_tasks_audit_log WHERE created_at < ?`), s.d.ts(before))
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	return res.RowsAffected()
}

// ---- notifications ----

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (s *sqlStore) FetchNotificationPreferences(ctx context.Context, userIDs []string) ([]NotificationPreference, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT user_id, email_enabled, push_enabled, popup_enabled
FROM notification_settings WHERE user_id IN (`+placeholders(len(userIDs))+`)`), idArgs(userIDs)...)
	if err != nil {
		return nil, fmt.Errorf("fetch notification preferences: %w", err)
	}
	defer rows.Close()

	var out []NotificationPreference
	for rows.Next() {
		var (
			p                  NotificationPreference
			email, push, inApp sql.NullBool
		)
		if err := rows.Scan(&p.UserID, &email, &push, &inApp); err != nil {
			return nil, err
		}
		p.Email, p.Push, p.InApp = boolPtr(email), boolPtr(push), boolPtr(inApp)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertNotification(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO user_notifications(id, user_id, message, payload, created_at) VALUES(?,?,?,?,?)`),
		n.ID, n.UserID, n.Message, jsonText(n.Payload), s.d.ts(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification for %s: %w", n.UserID, err)
	}
	return nil
}

func (s *sqlStore) FetchUserContacts(ctx context.Context, userIDs []string) ([]Contact, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, COALESCE(name, ''), COALESCE(email, '')
FROM users WHERE id IN (`+placeholders(len(userIDs))+`) AND active`), idArgs(userIDs)...)
	if err != nil {
		return nil, fmt.Errorf("fetch user contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UserID, &c.Name, &c.Email); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.Email) != "" {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func (s *sqlStore) FetchPushTargets(ctx context.Context, userIDs []string) ([]PushTarget, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT user_id, chat_id FROM user_push_tokens WHERE user_id IN (`+placeholders(len(userIDs))+`)`),
		idArgs(userIDs)...)
	if err != nil {
		return nil, fmt.Errorf("fetch push targets: %w", err)
	}
	defer rows.Close()

	var out []PushTarget
	for rows.Next() {
		var p PushTarget
		if err := rows.Scan(&p.UserID, &p.ChatID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
