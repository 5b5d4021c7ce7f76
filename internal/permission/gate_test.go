package permission

import (
	"context"
	"errors"
	"testing"

	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

type failingStore struct {
	*storage.Memory
	failMembership bool
	failProject    bool
}

func (f failingStore) CheckProjectActive(ctx context.Context, projectID string) (bool, error) {
	if f.failProject {
		return false, errors.New("connection reset by peer")
	}
	return f.Memory.CheckProjectActive(ctx, projectID)
}

func (f failingStore) CheckProjectMembership(ctx context.Context, userID, projectID string) (storage.Membership, error) {
	if f.failMembership && userID != "reporter" {
		return storage.Membership{}, errors.New("boom")
	}
	return f.Memory.CheckProjectMembership(ctx, userID, projectID)
}

func seed(projectActive, projectArchived, reporterActive bool, member *storage.Membership) *storage.Memory {
	m := storage.NewMemory()
	m.PutProject("p1", projectActive, projectArchived)
	m.PutUser("reporter", "Rita", "rita@example.com", "UTC", reporterActive)
	if member != nil {
		m.PutMembership("p1", "reporter", *member)
	}
	m.PutTemplate(storage.Template{ID: "t1", Name: "Weekly report", ProjectID: "p1", ReporterID: "reporter"})
	return m
}

func TestValidateTemplate(t *testing.T) {
	t.Parallel()
	member := &storage.Membership{RoleName: "member", CanCreateTasks: true}
	viewer := &storage.Membership{RoleName: "viewer", CanCreateTasks: false}

	tests := []struct {
		name   string
		store  Store
		tpl    string
		ok     bool
		reason string
		role   string
	}{
		{name: "allowed", store: seed(true, false, true, member), tpl: "t1", ok: true, role: "member"},
		{name: "archived project", store: seed(true, true, true, member), tpl: "t1", reason: ReasonProjectInactive},
		{name: "inactive project", store: seed(false, false, true, member), tpl: "t1", reason: ReasonProjectInactive},
		{name: "inactive reporter", store: seed(true, false, false, member), tpl: "t1", reason: ReasonReporterInactive},
		{name: "not a member", store: seed(true, false, true, nil), tpl: "t1", reason: ReasonNotMember},
		{name: "role cannot create", store: seed(true, false, true, viewer), tpl: "t1", reason: ReasonRoleCannotCreate, role: "viewer"},
		{name: "unknown template fails closed", store: seed(true, false, true, member), tpl: "nope", reason: ReasonCheckFailed},
		{name: "store error fails closed", store: failingStore{Memory: seed(true, false, true, member), failProject: true}, tpl: "t1", reason: ReasonCheckFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New(tt.store, logx.Nop())
			got := g.ValidateTemplate(context.Background(), tt.tpl)
			if got.HasPermission != tt.ok {
				t.Fatalf("HasPermission = %v, want %v (reason %q)", got.HasPermission, tt.ok, got.Reason)
			}
			if got.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", got.Reason, tt.reason)
			}
			if got.ProjectRole != tt.role {
				t.Fatalf("ProjectRole = %q, want %q", got.ProjectRole, tt.role)
			}
		})
	}
}

func TestFilterAssignees(t *testing.T) {
	t.Parallel()
	m := seed(true, false, true, &storage.Membership{RoleName: "member", CanCreateTasks: true})
	m.PutMembership("p1", "alice", storage.Membership{RoleName: "member", CanCreateTasks: true})
	m.PutMembership("p1", "bob", storage.Membership{RoleName: "guest", CanCreateTasks: false})

	assignees := []storage.Assignee{
		{TeamMemberID: "tm-alice", UserID: "alice"},
		{TeamMemberID: "tm-bob", UserID: "bob"},
		{TeamMemberID: "tm-carol", UserID: "carol"},
		{TeamMemberID: "tm-ghost"},
	}
	g := New(m, logx.Nop())
	valid, invalid := g.FilterAssignees(context.Background(), assignees, "p1")
	if len(valid) != 1 || valid[0].UserID != "alice" {
		t.Fatalf("valid = %+v, want only alice", valid)
	}
	if len(invalid) != 3 {
		t.Fatalf("invalid = %+v, want 3 entries", invalid)
	}
}

func TestValidateAssigneesErrorCountsAsInvalid(t *testing.T) {
	t.Parallel()
	m := seed(true, false, true, &storage.Membership{RoleName: "member", CanCreateTasks: true})
	m.PutMembership("p1", "alice", storage.Membership{RoleName: "member", CanCreateTasks: true})
	g := New(failingStore{Memory: m, failMembership: true}, logx.Nop())

	invalid := g.ValidateAssignees(context.Background(), []storage.Assignee{{TeamMemberID: "tm-alice", UserID: "alice"}}, "p1")
	if len(invalid) != 1 {
		t.Fatalf("invalid = %+v, want alice", invalid)
	}
}

func TestTemplatesWithPermissionIssues(t *testing.T) {
	t.Parallel()
	m := seed(true, false, true, &storage.Membership{RoleName: "member", CanCreateTasks: true})
	m.PutProject("p2", true, true)
	m.PutTemplate(storage.Template{ID: "t2", Name: "Archived", ProjectID: "p2", ReporterID: "reporter"})

	issues, err := New(m, logx.Nop()).TemplatesWithPermissionIssues(context.Background())
	if err != nil {
		t.Fatalf("TemplatesWithPermissionIssues error: %v", err)
	}
	if len(issues) != 1 || issues[0].TemplateID != "t2" || issues[0].Reason != ReasonProjectInactive {
		t.Fatalf("issues = %+v", issues)
	}
}
