package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "recurd/pkg/logx"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "none", in: "SELECT 1", want: "SELECT 1"},
		{name: "two", in: "SELECT * FROM t WHERE a = ? AND b = ?", want: "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{name: "quoted", in: "SELECT '?' FROM t WHERE a = ?", want: "SELECT '?' FROM t WHERE a = $1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, dialectPostgres.rebind(tt.in))
			assert.Equal(t, tt.in, dialectSQLite.rebind(tt.in))
		})
	}
}

func TestNullTimeScan(t *testing.T) {
	t.Parallel()
	var n nullTime
	require.NoError(t, n.Scan("2024-03-01T10:00:00.000000Z"))
	require.True(t, n.Valid)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), n.Time)

	require.NoError(t, n.Scan(nil))
	assert.False(t, n.Valid)
	assert.Nil(t, n.ptr())

	var d nullDate
	require.NoError(t, d.Scan(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, d.ptr())
	assert.Equal(t, "2024-02-29", *d.ptr())
}

func openTestSQLite(t *testing.T) *sqlStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recurd.db")
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	s, ok := st.(*sqlStore)
	require.True(t, ok)
	return s
}

func seedSQLite(t *testing.T, s *sqlStore) {
	t.Helper()
	ctx := context.Background()
	stmts := []string{
		`INSERT INTO projects(id, name, active, archived) VALUES('p1', 'Ops', 1, 0)`,
		`INSERT INTO projects(id, name, active, archived) VALUES('p2', 'Old', 1, 1)`,
		`INSERT INTO users(id, name, email, timezone, active) VALUES('u1', 'Reporter', 'rep@example.com', 'Asia/Tokyo', 1)`,
		`INSERT INTO users(id, name, email, timezone, active) VALUES('u2', 'Gone', 'gone@example.com', NULL, 0)`,
		`INSERT INTO project_members(project_id, user_id, role_name, can_create_tasks) VALUES('p1', 'u1', 'member', NULL)`,
		`INSERT INTO project_members(project_id, user_id, role_name, can_create_tasks) VALUES('p1', 'u2', 'viewer', 0)`,
		`INSERT INTO task_recurring_schedules(id, schedule_type, days_of_week, excluded_dates, created_at)
		 VALUES('s1', 'weekly', '[1,3]', '["2024-01-10"]', '2024-01-01T00:00:00.000000Z')`,
		`INSERT INTO task_recurring_schedules(id, schedule_type, end_date, created_at)
		 VALUES('s2', 'daily', '2023-12-31', '2023-01-01T00:00:00.000000Z')`,
		`INSERT INTO task_recurring_templates(id, task_id, schedule_id, name, project_id, reporter_id, assignees, labels, created_at)
		 VALUES('t1', 'task-1', 's1', 'Standup notes', 'p1', 'u1', '[{"team_member_id":"tm1","user_id":"u1"}]', '["l1"]', '2024-01-01T00:00:00.000000Z')`,
		`INSERT INTO task_recurring_templates(id, task_id, schedule_id, name, project_id, reporter_id, created_at)
		 VALUES('t2', 'task-2', 's2', 'Expired', 'p1', 'u1', '2023-01-01T00:00:00.000000Z')`,
		`INSERT INTO notification_settings(user_id, email_enabled, push_enabled, popup_enabled) VALUES('u1', 1, NULL, 0)`,
		`INSERT INTO user_push_tokens(user_id, chat_id) VALUES('u1', 4242)`,
	}
	for _, q := range stmts {
		_, err := s.db.ExecContext(ctx, q)
		require.NoError(t, err, q)
	}
}

func TestSQLiteTemplates(t *testing.T) {
	t.Parallel()
	s := openTestSQLite(t)
	seedSQLite(t, s)
	ctx := context.Background()

	eligible, err := s.FetchEligibleTemplates(ctx, "2024-01-05")
	require.NoError(t, err)
	require.Len(t, eligible, 1)

	tpl := eligible[0]
	assert.Equal(t, "t1", tpl.ID)
	assert.Equal(t, "Asia/Tokyo", tpl.ReporterTimezone)
	assert.Equal(t, []int{1, 3}, tpl.Schedule.DaysOfWeek)
	assert.Equal(t, []string{"2024-01-10"}, tpl.Schedule.ExcludedDates)
	assert.Equal(t, []Assignee{{TeamMemberID: "tm1", UserID: "u1"}}, tpl.Assignees)
	assert.Equal(t, []string{"l1"}, tpl.LabelIDs)
	assert.Nil(t, tpl.Schedule.LastCreatedTaskEndDate)

	_, err = s.FetchTemplate(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	origin, err := s.TemplateOrigin(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Origin{ProjectID: "p1", ReporterID: "u1"}, origin)
}

func TestSQLiteBatchCreateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestSQLite(t)
	seedSQLite(t, s)
	ctx := context.Background()

	specs := []TaskSpec{
		{Name: "Standup notes", ProjectID: "p1", ReporterID: "u1", EndDate: "2024-01-08", ScheduleID: "s1"},
		{Name: "Standup notes", ProjectID: "p1", ReporterID: "u1", EndDate: "2024-01-10", ScheduleID: "s1"},
	}
	first, err := s.BatchCreateTasks(ctx, specs)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.True(t, first[0].Created)
	assert.True(t, first[1].Created)
	assert.NotEmpty(t, first[0].Task.ID)

	second, err := s.BatchCreateTasks(ctx, specs)
	require.NoError(t, err)
	assert.False(t, second[0].Created)
	assert.False(t, second[1].Created)
	assert.Empty(t, second[0].Err)

	ref, err := s.CreateTaskIfAbsent(ctx, specs[0])
	require.NoError(t, err)
	assert.Nil(t, ref)

	ref, err = s.CreateTaskIfAbsent(ctx, TaskSpec{Name: "Standup notes", ProjectID: "p1", ReporterID: "u1", EndDate: "2024-01-15", ScheduleID: "s1"})
	require.NoError(t, err)
	require.NotNil(t, ref)

	require.NoError(t, s.BatchLinkAssignees(ctx, []AssigneeLink{{TaskID: ref.ID, TeamMemberID: "tm1"}}))
	require.NoError(t, s.LinkAssignee(ctx, ref.ID, "tm1"))
	require.NoError(t, s.BatchLinkLabels(ctx, []LabelLink{{TaskID: ref.ID, LabelID: "l1"}}))
	require.NoError(t, s.LinkLabel(ctx, ref.ID, "l1"))

	// The cursor falls back to the newest materialized end date.
	tpl, err := s.FetchTemplate(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, tpl.Schedule.LastCreatedTaskEndDate)
	assert.Equal(t, "2024-01-15", *tpl.Schedule.LastCreatedTaskEndDate)
}

func TestSQLiteCursorAndExclusions(t *testing.T) {
	t.Parallel()
	s := openTestSQLite(t)
	seedSQLite(t, s)
	ctx := context.Background()

	checked := time.Date(2024, 1, 5, 11, 0, 0, 0, time.UTC)
	end := "2024-01-08"
	require.NoError(t, s.UpdateRuleCursor(ctx, "s1", checked, &end))
	require.ErrorIs(t, s.UpdateRuleCursor(ctx, "nope", checked, nil), ErrNotFound)

	require.NoError(t, s.AddExcludedDate(ctx, "s1", "2024-01-15"))
	require.NoError(t, s.AddExcludedDate(ctx, "s1", "2024-01-15"))

	rule, err := s.FetchRule(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rule.LastCheckedAt)
	assert.True(t, rule.LastCheckedAt.Equal(checked))
	require.NotNil(t, rule.LastCreatedTaskEndDate)
	assert.Equal(t, end, *rule.LastCreatedTaskEndDate)
	assert.Equal(t, []string{"2024-01-10", "2024-01-15"}, rule.ExcludedDates)
}

func TestSQLitePermissions(t *testing.T) {
	t.Parallel()
	s := openTestSQLite(t)
	seedSQLite(t, s)
	ctx := context.Background()

	ok, err := s.CheckProjectActive(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CheckProjectActive(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CheckUserActive(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := s.CheckProjectMembership(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, Membership{IsMember: true, RoleName: "member", CanCreateTasks: true}, m)

	m, err = s.CheckProjectMembership(ctx, "u2", "p1")
	require.NoError(t, err)
	assert.False(t, m.CanCreateTasks)

	m, err = s.CheckProjectMembership(ctx, "u1", "p2")
	require.NoError(t, err)
	assert.False(t, m.IsMember)
}

func TestSQLiteAuditAndNotifications(t *testing.T) {
	t.Parallel()
	s := openTestSQLite(t)
	seedSQLite(t, s)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	entries := []AuditEntry{
		{OperationType: "cron_job_run", Success: true, ExecutionTimeMS: 100, CreatedCount: 3, CreatedAt: base},
		{OperationType: "cron_job_run", Success: false, ExecutionTimeMS: 300, ErrorMessage: "boom", CreatedAt: base.Add(time.Minute)},
		{OperationType: "tasks_created", TemplateID: "t1", Success: true, CreatedCount: 2, Details: []byte(`{"dates":["2024-01-08"]}`), CreatedAt: base.Add(2 * time.Minute)},
		{OperationType: "tasks_creation_failed", TemplateID: "t1", Success: false, ErrorMessage: "denied", CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, s.InsertAuditEntry(ctx, e))
	}

	summary, err := s.QueryAuditSummary(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, summary, 3)
	assert.Equal(t, AuditSummaryRow{OperationType: "cron_job_run", Total: 2, Successful: 1, Failed: 1, AvgExecutionMS: 200, TotalCreated: 3}, summary[0])

	recent, err := s.QueryRecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "denied", recent[0].ErrorMessage)
	assert.Equal(t, "boom", recent[1].ErrorMessage)

	n, err := s.PurgeAudit(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	prefs, err := s.FetchNotificationPreferences(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	require.NotNil(t, prefs[0].Email)
	assert.True(t, *prefs[0].Email)
	assert.Nil(t, prefs[0].Push)
	require.NotNil(t, prefs[0].InApp)
	assert.False(t, *prefs[0].InApp)

	require.NoError(t, s.InsertNotification(ctx, Notification{UserID: "u1", Message: "hi", Payload: []byte(`{"type":"recurring_task_created"}`)}))

	contacts, err := s.FetchUserContacts(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, []Contact{{UserID: "u1", Name: "Reporter", Email: "rep@example.com"}}, contacts)

	targets, err := s.FetchPushTargets(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, []PushTarget{{UserID: "u1", ChatID: 4242}}, targets)
}

func TestMemoryBatchCreateIsIdempotent(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.PutTemplate(Template{ID: "t1", Name: "Report", ProjectID: "p1", ReporterID: "u1", Schedule: Schedule{ID: "s1", Type: "daily"}})
	ctx := context.Background()

	specs := []TaskSpec{{Name: "Report", EndDate: "2024-01-02", ScheduleID: "s1"}}
	first, err := m.BatchCreateTasks(ctx, specs)
	require.NoError(t, err)
	assert.True(t, first[0].Created)

	second, err := m.BatchCreateTasks(ctx, specs)
	require.NoError(t, err)
	assert.False(t, second[0].Created)
	assert.Len(t, m.Tasks(), 1)

	tpl, err := m.FetchTemplate(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, tpl.Schedule.LastCreatedTaskEndDate)
	assert.Equal(t, "2024-01-02", *tpl.Schedule.LastCreatedTaskEndDate)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(context.Background(), Config{}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)
}
