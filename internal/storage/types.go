package storage

import (
	"encoding/json"
	"errors"
	"time"

	"recurd/internal/recurrence"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "postgres": DSN is a pgx connection string
//   - "sqlite":   Path is the database file
//   - "memory":   nothing persists
type Config struct {
	Driver      string
	DSN         string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Schedule is the persisted recurrence rule row.
type Schedule struct {
	ID             string
	Type           string
	DaysOfWeek     []int
	DayOfMonth     *int
	DateOfMonth    *int
	WeekOfMonth    *int
	IntervalDays   *int
	IntervalWeeks  *int
	IntervalMonths *int
	Timezone       string
	EndDate        *string // YYYY-MM-DD
	ExcludedDates  []string
	LastCheckedAt  *time.Time
	// LastCreatedTaskEndDate is the materialization cursor (YYYY-MM-DD).
	LastCreatedTaskEndDate *string
	CreatedAt              time.Time
}

// Fields converts the row into recurrence input.
func (s Schedule) Fields() recurrence.Fields {
	return recurrence.Fields{
		Type:           s.Type,
		DaysOfWeek:     s.DaysOfWeek,
		DayOfMonth:     s.DayOfMonth,
		DateOfMonth:    s.DateOfMonth,
		WeekOfMonth:    s.WeekOfMonth,
		IntervalDays:   s.IntervalDays,
		IntervalWeeks:  s.IntervalWeeks,
		IntervalMonths: s.IntervalMonths,
	}
}

// Assignee is a template assignee. TeamMemberID is what gets linked to the
// task; UserID is what permissions and notifications are keyed on.
type Assignee struct {
	TeamMemberID string `json:"team_member_id"`
	UserID       string `json:"user_id"`
}

// Template is the snapshot used to stamp new occurrences, joined with its
// schedule and the reporter's timezone.
type Template struct {
	ID         string
	TaskID     string
	Name       string
	PriorityID string
	ProjectID  string
	ReporterID string
	StatusID   string
	Assignees  []Assignee
	LabelIDs   []string
	CreatedAt  time.Time

	Schedule         Schedule
	ReporterTimezone string
}

// AssigneeUserIDs returns the user ids of as, in order. Assignees without
// a user id are skipped.
func AssigneeUserIDs(as []Assignee) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		if a.UserID != "" {
			out = append(out, a.UserID)
		}
	}
	return out
}

// TaskSpec describes one task row to materialize.
type TaskSpec struct {
	Name       string
	PriorityID string
	ProjectID  string
	ReporterID string
	StatusID   string
	EndDate    string // YYYY-MM-DD
	ScheduleID string
}

// TaskRef identifies a created task.
type TaskRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	EndDate string `json:"end_date,omitempty"`
}

// CreateResult is the per-spec outcome of BatchCreateTasks. Created=false
// with an empty Err means the (schedule, end date) row already existed.
type CreateResult struct {
	Created bool
	Task    TaskRef
	Err     string
}

type AssigneeLink struct {
	TaskID       string
	TeamMemberID string
}

type LabelLink struct {
	TaskID  string
	LabelID string
}

// Origin is the project and reporter a template was created from.
type Origin struct {
	ProjectID  string
	ReporterID string
}

// Membership is the reporter's (or assignee's) standing in a project.
type Membership struct {
	IsMember       bool
	RoleName       string
	CanCreateTasks bool
}

// AuditEntry is one immutable audit row.
type AuditEntry struct {
	ID              string
	OperationType   string
	TemplateID      string
	ScheduleID      string
	TaskID          string
	TemplateName    string
	Success         bool
	ErrorMessage    string
	Details         json.RawMessage
	CreatedCount    int
	FailedCount     int
	ExecutionTimeMS int64
	CreatedBy       string
	CreatedAt       time.Time
}

// AuditSummaryRow aggregates audit rows of one operation type.
type AuditSummaryRow struct {
	OperationType  string  `json:"operation_type"`
	Total          int     `json:"total_operations"`
	Successful     int     `json:"successful_operations"`
	Failed         int     `json:"failed_operations"`
	AvgExecutionMS float64 `json:"avg_execution_time_ms"`
	TotalCreated   int     `json:"total_tasks_created"`
	TotalFailed    int     `json:"total_tasks_failed"`
}

// NotificationPreference holds a user's channel toggles. A nil field means
// the user never set it.
type NotificationPreference struct {
	UserID string
	Email  *bool
	Push   *bool
	InApp  *bool
}

type Notification struct {
	ID        string
	UserID    string
	Message   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Contact is a user's addressable identity for email.
type Contact struct {
	UserID string
	Name   string
	Email  string
}

// PushTarget is a Telegram chat registered for a user.
type PushTarget struct {
	UserID string
	ChatID int64
}
