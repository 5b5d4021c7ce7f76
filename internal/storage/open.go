package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "recurd/pkg/logx"
)

// Store is the data store surface the engine consumes.
type Store interface {
	// FetchEligibleTemplates returns templates whose schedule has no end
	// date or an end date on or after today (YYYY-MM-DD).
	FetchEligibleTemplates(ctx context.Context, today string) ([]Template, error)
	FetchTemplate(ctx context.Context, templateID string) (Template, error)
	ListTemplateIDs(ctx context.Context) ([]string, error)
	TemplateOrigin(ctx context.Context, templateID string) (Origin, error)

	FetchRule(ctx context.Context, scheduleID string) (Schedule, error)
	// UpdateRuleCursor sets last_checked_at and, when non-nil, the
	// last created task end date.
	UpdateRuleCursor(ctx context.Context, scheduleID string, lastCheckedAt time.Time, lastCreatedEndDate *string) error
	AddExcludedDate(ctx context.Context, scheduleID, date string) error

	// BatchCreateTasks returns one result per spec, in order.
	BatchCreateTasks(ctx context.Context, specs []TaskSpec) ([]CreateResult, error)
	// CreateTaskIfAbsent returns nil when a task with the same schedule and
	// end date already exists.
	CreateTaskIfAbsent(ctx context.Context, spec TaskSpec) (*TaskRef, error)
	BatchLinkAssignees(ctx context.Context, links []AssigneeLink) error
	BatchLinkLabels(ctx context.Context, links []LabelLink) error
	LinkAssignee(ctx context.Context, taskID, teamMemberID string) error
	LinkLabel(ctx context.Context, taskID, labelID string) error

	CheckProjectActive(ctx context.Context, projectID string) (bool, error)
	CheckUserActive(ctx context.Context, userID string) (bool, error)
	CheckProjectMembership(ctx context.Context, userID, projectID string) (Membership, error)

	InsertAuditEntry(ctx context.Context, e AuditEntry) error
	QueryAuditSummary(ctx context.Context, since time.Time) ([]AuditSummaryRow, error)
	QueryRecentErrors(ctx context.Context, limit int) ([]AuditEntry, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)

	FetchNotificationPreferences(ctx context.Context, userIDs []string) ([]NotificationPreference, error)
	InsertNotification(ctx context.Context, n Notification) error
	FetchUserContacts(ctx context.Context, userIDs []string) ([]Contact, error)
	FetchPushTargets(ctx context.Context, userIDs []string) ([]PushTarget, error)

	Close() error
}

// Open initializes the configured store and applies migrations.
// It returns (nil, ErrDisabled) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "postgres", "pgx", "postgresql":
		return openPostgres(ctx, cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
