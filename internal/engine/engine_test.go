package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/migrate"
	"flowdesk/internal/notify"
	"flowdesk/internal/repo"
	"flowdesk/internal/scheme"
	"flowdesk/internal/workflow"
)

const org = "acme"

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := New(conn, config.Default(org), Options{Webhooks: notify.WebhookPoster{MaxElapsed: 100 * time.Millisecond}})
	_, err = e.InitOrganization(context.Background(), org, "Acme", "owner")
	require.NoError(t, err)
	return e
}

func startDef() config.WorkflowDef {
	return config.WorkflowDef{
		Name: "Simple",
		Statuses: []config.StatusDef{
			{Name: "Todo", Category: domain.CategoryTodo},
			{Name: "InProgress", Category: domain.CategoryInProgress},
			{Name: "Done", Category: domain.CategoryDone},
		},
		InitialStatus: "Todo",
		Transitions: []config.TransitionDef{
			{Name: "Start", From: "Todo", To: "InProgress", Conditions: []domain.RuleRef{{Name: "actorIsAssignee"}}},
			{Name: "Finish", From: "InProgress", To: "Done"},
			{Name: "Skip", From: "Todo", To: "Done"},
		},
	}
}

func setupProject(t *testing.T, e *Engine, def config.WorkflowDef) (domain.Workflow, domain.Project) {
	t.Helper()
	ctx := context.Background()
	wf, err := e.CreateWorkflow(ctx, org, def, "owner")
	require.NoError(t, err)
	p, err := e.CreateProject(ctx, ProjectCreateOptions{ID: "PRJ", OrgID: org, Name: "Project", WorkflowID: wf.ID, ActorID: "owner"})
	require.NoError(t, err)
	return wf, p
}

func statusID(t *testing.T, wf domain.Workflow, name string) string {
	t.Helper()
	for _, s := range wf.Statuses {
		if s.Name == name {
			return s.ID
		}
	}
	t.Fatalf("status %s not in workflow", name)
	return ""
}

func TestInitInstallsDefaultWorkflow(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	wfs, err := e.ListWorkflows(ctx, org)
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	assert.True(t, wfs[0].IsDefault)

	p, err := e.CreateProject(ctx, ProjectCreateOptions{OrgID: org, Name: "Defaulted", ActorID: "owner"})
	require.NoError(t, err)
	assert.Equal(t, wfs[0].ID, p.WorkflowID)

	problems, err := e.ValidateWorkflow(ctx, wfs[0].ID, org)
	require.NoError(t, err)
	assert.Empty(t, problems)

	_, err = e.InitOrganization(ctx, org, "Acme", "owner")
	require.NoError(t, err)
	wfs, err = e.ListWorkflows(ctx, org)
	require.NoError(t, err)
	assert.Len(t, wfs, 1)
}

func TestStartTransitionRequiresAssignee(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	wf, p := setupProject(t, e, startDef())
	issue, err := e.CreateIssue(ctx, IssueCreateOptions{ProjectID: p.ID, OrgID: org, Title: "Bug", AssigneeID: "alice", ActorID: "owner"})
	require.NoError(t, err)
	assert.Equal(t, statusID(t, wf, "Todo"), issue.StatusID)

	_, err = e.TransitionIssue(ctx, issue.ID, org, "Start", "bob", nil)
	var cond domain.ConditionFailedError
	require.True(t, errors.As(err, &cond), "got %v", err)
	assert.Equal(t, "actorIsAssignee", cond.Condition)
	stored, err := e.GetIssue(ctx, issue.ID, org, "bob")
	require.NoError(t, err)
	assert.Equal(t, statusID(t, wf, "Todo"), stored.StatusID)

	res, err := e.TransitionIssue(ctx, issue.ID, org, "Start", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, statusID(t, wf, "InProgress"), res.Issue.StatusID)
	assert.Equal(t, int64(2), res.Issue.Version)
	assert.Empty(t, res.PostFunctionErrors)

	_, err = e.TransitionIssue(ctx, issue.ID, org, "Start", "alice", nil)
	var invalid domain.InvalidTransitionError
	assert.True(t, errors.As(err, &invalid))

	evts, err := e.ListEvents(ctx, 10, 0, repo.EventFilters{Type: "issue.transitioned", EntityID: issue.ID})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, org, evts[0].OrgID)
}

func TestAvailableTransitionsInDeclarationOrder(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	_, p := setupProject(t, e, startDef())
	issue, err := e.CreateIssue(ctx, IssueCreateOptions{ProjectID: p.ID, Title: "Bug", ActorID: "owner"})
	require.NoError(t, err)
	ts, err := e.AvailableTransitions(ctx, issue.ID, org, "owner")
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "Start", ts[0].Name)
	assert.Equal(t, "Skip", ts[1].Name)
}

func TestCommitDetectsStaleStatus(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	wf, p := setupProject(t, e, startDef())
	issue, err := e.CreateIssue(ctx, IssueCreateOptions{ProjectID: p.ID, Title: "Bug", AssigneeID: "alice", ActorID: "owner"})
	require.NoError(t, err)

	_, err = e.TransitionIssue(ctx, issue.ID, org, "Skip", "alice", nil)
	require.NoError(t, err)

	// A second caller still holding the Todo snapshot loses the race.
	_, err = e.Workflow.ExecuteTransition(ctx, issue, wf, "Start", "alice", workflow.RuleContext{})
	var conflict domain.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, issue.StatusID, conflict.ExpectedStatusID)

	_, err = e.CommitIssueStatus(ctx, workflow.StatusCommit{IssueID: "missing", NewStatusID: "x", ExpectedStatusID: "y"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCommitRejectsSnapshotFromEarlierVersion(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	def := startDef()
	def.Transitions = append(def.Transitions, config.TransitionDef{Name: "Back", From: "InProgress", To: "Todo"})
	wf, p := setupProject(t, e, def)
	stale, err := e.CreateIssue(ctx, IssueCreateOptions{ProjectID: p.ID, Title: "Bug", AssigneeID: "alice", ActorID: "owner"})
	require.NoError(t, err)

	_, err = e.TransitionIssue(ctx, stale.ID, org, "Start", "alice", nil)
	require.NoError(t, err)
	res, err := e.TransitionIssue(ctx, stale.ID, org, "Back", "alice", nil)
	require.NoError(t, err)
	require.Equal(t, stale.StatusID, res.Issue.StatusID)
	require.Equal(t, int64(3), res.Issue.Version)

	// Same status as the snapshot, but two commits later.
	_, err = e.Workflow.ExecuteTransition(ctx, stale, wf, "Skip", "alice", workflow.RuleContext{})
	var conflict domain.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, int64(1), conflict.ExpectedVersion)

	current, err := e.GetIssue(ctx, stale.ID, org, "alice")
	require.NoError(t, err)
	assert.Equal(t, statusID(t, wf, "Todo"), current.StatusID)
	assert.Equal(t, int64(3), current.Version)
}

func TestPostFunctionFailureKeepsCommit(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer hook.Close()

	def := startDef()
	def.Transitions[1].PostFunctions = []domain.RuleRef{
		{Name: "webhook", Params: map[string]string{"url": hook.URL}},
		{Name: "setField", Params: map[string]string{"field": "resolution", "from_input": "resolution"}},
	}
	def.Transitions[1].Validators = []domain.RuleRef{{Name: "fieldRequired", Params: map[string]string{"field": "resolution"}}}

	e := setupEngine(t)
	ctx := context.Background()
	wf, p := setupProject(t, e, def)
	issue, err := e.CreateIssue(ctx, IssueCreateOptions{ProjectID: p.ID, Title: "Bug", AssigneeID: "alice", ActorID: "owner"})
	require.NoError(t, err)
	_, err = e.TransitionIssue(ctx, issue.ID, org, "Start", "alice", nil)
	require.NoError(t, err)

	_, err = e.TransitionIssue(ctx, issue.ID, org, "Finish", "alice", nil)
	var vf domain.ValidationFailedError
	require.True(t, errors.As(err, &vf))
	assert.Equal(t, "resolution is required", vf.Reason)

	res, err := e.TransitionIssue(ctx, issue.ID, org, "Finish", "alice", map[string]string{"resolution": "fixed"})
	require.NoError(t, err)
	assert.Equal(t, statusID(t, wf, "Done"), res.Issue.StatusID)
	assert.Equal(t, "fixed", res.Issue.Resolution)
	require.Len(t, res.PostFunctionErrors, 1)
	assert.Equal(t, "webhook", res.PostFunctionErrors[0].PostFunction)
}

func TestHasPermissionFollowsPermissionScheme(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	wfs, err := e.ListWorkflows(ctx, org)
	require.NoError(t, err)
	p, err := e.CreateProject(ctx, ProjectCreateOptions{ID: "P2", OrgID: org, Name: "Default flow", WorkflowID: wfs[0].ID, ActorID: "owner"})
	require.NoError(t, err)
	require.NoError(t, e.GrantProjectRole(ctx, org, p.ID, "carol", "developer", "owner"))

	perms, err := e.Schemes.Permission.CreateScheme(ctx, scheme.CreateInput[domain.PermissionGrant]{
		OrgID: org, Name: "Devs move issues",
		Entries: []domain.PermissionGrant{{Permission: "issue.transition", HolderType: domain.HolderRole, HolderParam: "developer"}},
	})
	require.NoError(t, err)
	_, err = e.AssignScheme(ctx, domain.SchemePermission, perms.ID, p.ID, org, "owner")
	require.NoError(t, err)

	issue, err := e.CreateIssue(ctx, IssueCreateOptions{ProjectID: p.ID, Title: "Task", ActorID: "owner"})
	require.NoError(t, err)

	_, err = e.TransitionIssue(ctx, issue.ID, org, "Start", "dave", nil)
	var cond domain.ConditionFailedError
	require.True(t, errors.As(err, &cond))
	assert.Equal(t, "hasPermission", cond.Condition)

	res, err := e.TransitionIssue(ctx, issue.ID, org, "Start", "carol", nil)
	require.NoError(t, err)
	assert.Empty(t, res.PostFunctionErrors)
	require.NotNil(t, res.Issue.AssigneeID)
	assert.Equal(t, "carol", *res.Issue.AssigneeID)
}

func TestRecipientsFromNotificationScheme(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	_, p := setupProject(t, e, startDef())
	require.NoError(t, e.GrantProjectRole(ctx, org, p.ID, "lead", "admin", "owner"))
	s, err := e.Schemes.Notification.CreateScheme(ctx, scheme.CreateInput[domain.NotificationRule]{
		OrgID: org, Name: "Notify",
		Entries: []domain.NotificationRule{
			{Event: "issue.transitioned", RecipientType: domain.HolderAssignee, Channels: []string{"email"}},
			{Event: "issue.transitioned", RecipientType: domain.HolderRole, RecipientParam: "admin", Channels: []string{"chat"}},
			{Event: "issue.transitioned", RecipientType: domain.HolderUser, RecipientParam: "alice", Channels: []string{"chat"}},
			{Event: "issue.created", RecipientType: domain.HolderReporter},
		},
	})
	require.NoError(t, err)
	_, err = e.AssignScheme(ctx, domain.SchemeNotification, s.ID, p.ID, org, "owner")
	require.NoError(t, err)

	issue, err := e.CreateIssue(ctx, IssueCreateOptions{ProjectID: p.ID, Title: "Bug", AssigneeID: "alice", ActorID: "owner"})
	require.NoError(t, err)
	got, err := e.Recipients(ctx, issue, "issue.transitioned")
	require.NoError(t, err)
	assert.Equal(t, []notify.Recipient{
		{ActorID: "alice", Channels: []string{"email", "chat"}},
		{ActorID: "lead", Channels: []string{"chat"}},
	}, got)
}

func TestSecurityLevelHidesIssue(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	_, p := setupProject(t, e, startDef())
	s, err := e.Schemes.Security.CreateScheme(ctx, scheme.CreateInput[domain.SecurityLevelMember]{
		OrgID: org, Name: "Levels",
		Entries: []domain.SecurityLevelMember{
			{Level: "internal", MemberType: domain.HolderUser, MemberParam: "alice"},
			{Level: "internal", MemberType: domain.HolderReporter},
		},
	})
	require.NoError(t, err)
	_, err = e.AssignScheme(ctx, domain.SchemeSecurity, s.ID, p.ID, org, "owner")
	require.NoError(t, err)

	issue, err := e.CreateIssue(ctx, IssueCreateOptions{ProjectID: p.ID, Title: "Secret", SecurityLevel: "internal", ActorID: "rita"})
	require.NoError(t, err)

	for _, actor := range []string{"alice", "rita"} {
		_, err := e.GetIssue(ctx, issue.ID, org, actor)
		assert.NoError(t, err, actor)
	}
	_, err = e.GetIssue(ctx, issue.ID, org, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.GetIssue(ctx, issue.ID, "other-org", "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := e.ListIssues(ctx, p.ID, org, "mallory", repo.IssueFilters{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateWorkflowReportsEveryProblem(t *testing.T) {
	e := setupEngine(t)
	def := startDef()
	def.Name = "Broken"
	def.Statuses = append(def.Statuses, config.StatusDef{Name: "Limbo", Category: domain.CategoryTodo})
	def.Transitions = append(def.Transitions, config.TransitionDef{Name: "Jump", From: "Todo", To: "Nowhere", Conditions: []domain.RuleRef{{Name: "noSuchRule"}}})

	_, err := e.CreateWorkflow(context.Background(), org, def, "owner")
	var invalid InvalidWorkflowError
	require.True(t, errors.As(err, &invalid), "got %v", err)
	codes := map[workflow.GraphErrorCode]bool{}
	for _, p := range invalid.Problems {
		codes[p.Code] = true
	}
	assert.True(t, codes[workflow.GraphUnknownStatus])
	assert.True(t, codes[workflow.GraphOrphanStatus])
	assert.True(t, codes[workflow.GraphUnknownRule])

	wfs, err := e.ListWorkflows(context.Background(), org)
	require.NoError(t, err)
	assert.Len(t, wfs, 1)
}

func TestAddAndRemoveTransition(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	wf, _ := setupProject(t, e, startDef())
	todo, done := statusID(t, wf, "Todo"), statusID(t, wf, "Done")

	_, err := e.AddTransition(ctx, wf.ID, org, TransitionInput{Name: "Skip", FromStatusID: todo, ToStatusID: done}, "owner")
	var dup domain.DuplicateTransitionError
	require.True(t, errors.As(err, &dup))

	added, err := e.AddTransition(ctx, wf.ID, org, TransitionInput{Name: "Close", FromStatusID: todo, ToStatusID: done}, "owner")
	require.NoError(t, err)
	got, err := e.GetWorkflow(ctx, wf.ID, org)
	require.NoError(t, err)
	require.Len(t, got.Transitions, 4)
	assert.Equal(t, "Close", got.Transitions[3].Name)

	candidates, err := workflow.NewGraph(got).FindTransition(todo, done)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	require.NoError(t, e.RemoveTransition(ctx, wf.ID, org, added.ID, "owner"))
	assert.ErrorIs(t, e.RemoveTransition(ctx, wf.ID, org, added.ID, "owner"), domain.ErrNotFound)
}

func TestDeleteWorkflowBlockedWhileBound(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	wf, p := setupProject(t, e, startDef())

	err := e.DeleteWorkflow(ctx, wf.ID, org, "owner")
	var blocked domain.DeleteBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, 1, blocked.ProjectCount)

	wfs, err := e.ListWorkflows(ctx, org)
	require.NoError(t, err)
	var defaultID string
	for _, w := range wfs {
		if w.IsDefault {
			defaultID = w.ID
		}
	}
	binding, err := e.BindWorkflow(ctx, p.ID, org, defaultID, "owner")
	require.NoError(t, err)
	assert.Equal(t, defaultID, binding.WorkflowID)
	require.NoError(t, e.DeleteWorkflow(ctx, wf.ID, org, "owner"))
}

func TestCloneAssignCountThroughBinding(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	_, p := setupProject(t, e, startDef())
	src, err := e.Schemes.Permission.CreateScheme(ctx, scheme.CreateInput[domain.PermissionGrant]{
		OrgID: org, Name: "Base", IsDefault: true,
		Entries: []domain.PermissionGrant{{Permission: "issue.read", HolderType: domain.HolderAnyone}},
	})
	require.NoError(t, err)
	clone, err := e.Schemes.Permission.CloneScheme(ctx, src.ID, "Team", org, "owner")
	require.NoError(t, err)

	n, err := e.Schemes.Permission.CountProjectsUsing(ctx, clone.ID, org)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 2; i++ {
		binding, err := e.AssignScheme(ctx, domain.SchemePermission, clone.ID, p.ID, org, "owner")
		require.NoError(t, err)
		assert.Equal(t, clone.ID, binding.Schemes[domain.SchemePermission])
	}
	n, err = e.Schemes.Permission.CountProjectsUsing(ctx, clone.ID, org)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
