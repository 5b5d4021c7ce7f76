// Package permission decides whether a template may still create tasks.
//
// Every check fails closed: a store error is a denial.
package permission

import (
	"context"

	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

const (
	ReasonProjectInactive  = "Project is not active or archived"
	ReasonReporterInactive = "Original task reporter is no longer active"
	ReasonNotMember        = "User is not a member of the project"
	ReasonRoleCannotCreate = "User role does not have permission to create tasks"
	ReasonCheckFailed      = "Error validating template permissions"
)

// Result is a transient permission decision.
type Result struct {
	HasPermission bool   `json:"has_permission"`
	Reason        string `json:"reason,omitempty"`
	ProjectRole   string `json:"project_role,omitempty"`
}

func allow(role string) Result {
	return Result{HasPermission: true, ProjectRole: role}
}

func deny(reason string) Result {
	return Result{Reason: reason}
}

// Store is the subset of storage.Store the gate reads.
type Store interface {
	TemplateOrigin(ctx context.Context, templateID string) (storage.Origin, error)
	ListTemplateIDs(ctx context.Context) ([]string, error)
	CheckProjectActive(ctx context.Context, projectID string) (bool, error)
	CheckUserActive(ctx context.Context, userID string) (bool, error)
	CheckProjectMembership(ctx context.Context, userID, projectID string) (storage.Membership, error)
}

type Gate struct {
	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: store, log: log.With(logx.String("comp", "permission"))}
}

// ValidateTemplate checks the template's project, reporter and the
// reporter's membership, in that order.
func (g *Gate) ValidateTemplate(ctx context.Context, templateID string) Result {
	origin, err := g.store.TemplateOrigin(ctx, templateID)
	if err != nil {
		g.log.Error("template permission lookup failed", logx.String("template_id", templateID), logx.Err(err))
		return deny(ReasonCheckFailed)
	}

	active, err := g.store.CheckProjectActive(ctx, origin.ProjectID)
	if err != nil {
		g.log.Error("project check failed", logx.String("template_id", templateID), logx.String("project_id", origin.ProjectID), logx.Err(err))
		return deny(ReasonCheckFailed)
	}
	if !active {
		return deny(ReasonProjectInactive)
	}

	userActive, err := g.store.CheckUserActive(ctx, origin.ReporterID)
	if err != nil {
		g.log.Error("reporter check failed", logx.String("template_id", templateID), logx.String("user_id", origin.ReporterID), logx.Err(err))
		return deny(ReasonCheckFailed)
	}
	if !userActive {
		return deny(ReasonReporterInactive)
	}

	return g.CanCreateTasksInProject(ctx, origin.ReporterID, origin.ProjectID)
}

// CanCreateTasksInProject checks membership and the member's role.
func (g *Gate) CanCreateTasksInProject(ctx context.Context, userID, projectID string) Result {
	m, err := g.store.CheckProjectMembership(ctx, userID, projectID)
	if err != nil {
		g.log.Error("membership check failed", logx.String("user_id", userID), logx.String("project_id", projectID), logx.Err(err))
		return deny(ReasonCheckFailed)
	}
	if !m.IsMember {
		return deny(ReasonNotMember)
	}
	if !m.CanCreateTasks {
		return Result{Reason: ReasonRoleCannotCreate, ProjectRole: m.RoleName}
	}
	return allow(m.RoleName)
}

// ValidateAssignees returns the assignees that may not receive tasks in
// projectID. An assignee whose check errors counts as invalid.
func (g *Gate) ValidateAssignees(ctx context.Context, assignees []storage.Assignee, projectID string) []storage.Assignee {
	var invalid []storage.Assignee
	for _, a := range assignees {
		if a.UserID == "" {
			invalid = append(invalid, a)
			continue
		}
		if r := g.CanCreateTasksInProject(ctx, a.UserID, projectID); !r.HasPermission {
			g.log.Debug("assignee dropped", logx.String("user_id", a.UserID), logx.String("project_id", projectID), logx.String("reason", r.Reason))
			invalid = append(invalid, a)
		}
	}
	return invalid
}

// FilterAssignees returns assignees minus the invalid ones, keeping order.
func (g *Gate) FilterAssignees(ctx context.Context, assignees []storage.Assignee, projectID string) (valid, invalid []storage.Assignee) {
	invalid = g.ValidateAssignees(ctx, assignees, projectID)
	if len(invalid) == 0 {
		return assignees, nil
	}
	drop := make(map[storage.Assignee]bool, len(invalid))
	for _, a := range invalid {
		drop[a] = true
	}
	for _, a := range assignees {
		if !drop[a] {
			valid = append(valid, a)
		}
	}
	return valid, invalid
}

// TemplateIssue reports a template that would currently be denied.
type TemplateIssue struct {
	TemplateID string `json:"template_id"`
	Reason     string `json:"reason"`
}

// TemplatesWithPermissionIssues validates every template.
func (g *Gate) TemplatesWithPermissionIssues(ctx context.Context) ([]TemplateIssue, error) {
	ids, err := g.store.ListTemplateIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []TemplateIssue
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if r := g.ValidateTemplate(ctx, id); !r.HasPermission {
			out = append(out, TemplateIssue{TemplateID: id, Reason: r.Reason})
		}
	}
	return out, nil
}
