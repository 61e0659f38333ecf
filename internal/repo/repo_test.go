package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/events"
	"flowdesk/internal/migrate"
)

const now = "2026-01-02T03:04:05Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := Repo{DB: conn, Dialect: db.SQLite}
	require.NoError(t, r.EnsureOrg(context.Background(), nil, "org-a", "Org A", now))
	require.NoError(t, r.EnsureOrg(context.Background(), nil, "org-b", "Org B", now))
	return r
}

func seedWorkflow(t *testing.T, r Repo) domain.Workflow {
	t.Helper()
	ctx := context.Background()
	var statuses []domain.Status
	for _, s := range []struct{ id, name string }{{"st-open", "Open"}, {"st-prog", "In Progress"}, {"st-done", "Done"}} {
		st := domain.Status{ID: s.id, OrgID: "org-a", Name: s.name, Category: domain.CategoryTodo, CreatedAt: now}
		require.NoError(t, r.InsertStatus(ctx, nil, st))
		statuses = append(statuses, st)
	}
	wf := domain.Workflow{
		ID: "wf-1", OrgID: "org-a", Name: "Default", InitialStatusID: "st-open", IsDefault: true,
		Statuses: statuses, CreatedAt: now,
		Transitions: []domain.Transition{
			{ID: "tr-start", Name: "Start", FromStatusID: "st-open", ToStatusID: "st-prog",
				Conditions: []domain.RuleRef{{Name: "actorIsAssignee"}}},
			{ID: "tr-finish", Name: "Finish", FromStatusID: "st-prog", ToStatusID: "st-done",
				PostFunctions: []domain.RuleRef{{Name: "setField", Params: map[string]string{"field": "resolution", "value": "fixed"}}}},
		},
	}
	require.NoError(t, r.InsertWorkflow(ctx, nil, wf))
	return wf
}

func TestWorkflowRoundTripKeepsDeclarationOrder(t *testing.T) {
	r := newTestRepo(t)
	seedWorkflow(t, r)
	ctx := context.Background()

	got, err := r.GetWorkflow(ctx, nil, "wf-1", "org-a")
	require.NoError(t, err)
	assert.True(t, got.IsDefault)
	require.Len(t, got.Statuses, 3)
	assert.Equal(t, "st-open", got.Statuses[0].ID)
	require.Len(t, got.Transitions, 2)
	assert.Equal(t, "Start", got.Transitions[0].Name)
	assert.Equal(t, "actorIsAssignee", got.Transitions[0].Conditions[0].Name)
	assert.Equal(t, "fixed", got.Transitions[1].PostFunctions[0].Params["value"])
	assert.Empty(t, got.Transitions[1].Conditions)

	_, err = r.GetWorkflow(ctx, nil, "wf-1", "org-b")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := r.DefaultWorkflowID(ctx, nil, "org-a")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", id)

	pos, err := r.NextTransitionPosition(ctx, nil, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	require.NoError(t, r.DeleteTransition(ctx, nil, "wf-1", "tr-start"))
	assert.ErrorIs(t, r.DeleteTransition(ctx, nil, "wf-1", "tr-start"), ErrNotFound)
}

func TestCompareAndSwapStatus(t *testing.T) {
	r := newTestRepo(t)
	seedWorkflow(t, r)
	ctx := context.Background()
	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{ID: "p-1", OrgID: "org-a", Name: "P", WorkflowID: "wf-1", CreatedAt: now}))
	require.NoError(t, r.InsertIssue(ctx, nil, domain.Issue{ID: "i-1", ProjectID: "p-1", Title: "Bug", StatusID: "st-open", ReporterID: "alice", CreatedAt: now, UpdatedAt: now}))

	ok, err := r.CompareAndSwapStatus(ctx, nil, "i-1", "st-prog", "st-open", 2, now)
	require.NoError(t, err)
	assert.False(t, ok, "version mismatch")

	ok, err = r.CompareAndSwapStatus(ctx, nil, "i-1", "st-prog", "st-open", 1, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CompareAndSwapStatus(ctx, nil, "i-1", "st-prog", "st-open", 2, now)
	require.NoError(t, err)
	assert.False(t, ok)

	issue, err := r.GetIssue(ctx, nil, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "st-prog", issue.StatusID)
	assert.Equal(t, int64(2), issue.Version)
	assert.Nil(t, issue.AssigneeID)

	require.NoError(t, r.SetIssueField(ctx, nil, "i-1", "assignee", "bob", now))
	issue, err = r.GetIssue(ctx, nil, "i-1")
	require.NoError(t, err)
	require.NotNil(t, issue.AssigneeID)
	assert.Equal(t, "bob", *issue.AssigneeID)
	assert.Error(t, r.SetIssueField(ctx, nil, "i-1", "status", "st-done", now))
}

func TestProjectSchemeBinding(t *testing.T) {
	r := newTestRepo(t)
	seedWorkflow(t, r)
	ctx := context.Background()
	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{ID: "p-1", OrgID: "org-a", Name: "P", WorkflowID: "wf-1", CreatedAt: now}))
	require.NoError(t, r.InsertScheme(ctx, nil, SchemeRow{ID: "s-1", OrgID: "org-a", Kind: domain.SchemePermission, Name: "Perms", CreatedAt: now}))

	changed, err := r.UpsertProjectScheme(ctx, nil, "p-1", domain.SchemePermission, "s-1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.UpsertProjectScheme(ctx, nil, "p-1", domain.SchemePermission, "s-1")
	require.NoError(t, err)
	assert.False(t, changed)

	n, err := r.CountProjectsUsingScheme(ctx, nil, "s-1", "org-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	binding, err := r.ProjectSchemes(ctx, nil, "p-1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.SchemeKind]string{domain.SchemePermission: "s-1"}, binding)

	_, err = r.GetScheme(ctx, nil, "s-1", "org-b", domain.SchemePermission)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsFilterAndCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{Dialect: r.Dialect}
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for _, typ := range []string{"issue.created", "issue.transitioned", "issue.transitioned"} {
		require.NoError(t, w.Append(ctx, tx, events.Record{Type: typ, OrgID: "org-a", ProjectID: "p-1", EntityKind: "issue", EntityID: "i-1", ActorID: "alice"}, events.EventPayload{"k": "v"}))
	}
	require.NoError(t, tx.Commit())

	latest, err := r.LatestEvents(ctx, 10, 0, EventFilters{Type: "issue.transitioned"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID)
	assert.JSONEq(t, `{"k":"v"}`, latest[0].Payload)

	after, err := r.EventsAfter(ctx, 10, latest[1].ID, EventFilters{ProjectID: "p-1"})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, latest[0].ID, after[0].ID)

	max, err := r.LatestEventID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, latest[0].ID, max)
}
