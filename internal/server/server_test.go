package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
)

const (
	testOrg    = "acme"
	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default(testOrg), engine.Options{})
	_, err = e.InitOrganization(context.Background(), testOrg, "Acme", "owner")
	require.NoError(t, err)

	handler, err := New(Config{
		Engine: e,
		OrgID:  testOrg,
		Auth:   AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, AllowDevLogin: true},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/v1", Engine: e, client: &http.Client{}}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func simpleWorkflow() config.WorkflowDef {
	return config.WorkflowDef{
		Name: "Simple",
		Statuses: []config.StatusDef{
			{Name: "Todo", Category: domain.CategoryTodo},
			{Name: "Doing", Category: domain.CategoryInProgress},
			{Name: "Done", Category: domain.CategoryDone},
		},
		InitialStatus: "Todo",
		Transitions: []config.TransitionDef{
			{Name: "Start", From: "Todo", To: "Doing", Conditions: []domain.RuleRef{{Name: "actorIsAssignee"}}},
			{Name: "Finish", From: "Doing", To: "Done", Validators: []domain.RuleRef{{Name: "fieldRequired", Params: map[string]string{"field": "resolution"}}}},
		},
	}
}

func setupProject(t *testing.T, s *testServer) (domain.Workflow, domain.Project) {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/workflows", simpleWorkflow(), as("owner"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	wf := decode[domain.Workflow](t, data)

	res, data = s.do(t, http.MethodPost, "/projects", CreateProjectRequest{ID: "WEB", Name: "Web", WorkflowID: wf.ID}, as("owner"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return wf, decode[domain.Project](t, data)
}

func TestHealthIsPublicAndRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	res, _ := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := s.do(t, http.MethodGet, "/projects", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = s.do(t, http.MethodGet, "/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTransitionOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, p := setupProject(t, s)
	for _, actor := range []string{"alice", "bob"} {
		require.NoError(t, s.Engine.GrantOrgRole(ctx, testOrg, actor, "developer", "owner"))
	}

	res, data := s.do(t, http.MethodPost, "/projects/"+p.ID+"/issues", CreateIssueRequest{Title: "Login broken", AssigneeID: "alice"}, as("bob"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	issue := decode[domain.Issue](t, data)

	res, data = s.do(t, http.MethodGet, "/issues/"+issue.ID+"/transitions", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	available := decode[[]domain.Transition](t, data)
	require.Len(t, available, 1)
	assert.Equal(t, "Start", available[0].Name)

	res, data = s.do(t, http.MethodPost, "/issues/"+issue.ID+"/transitions", TransitionIssueRequest{Transition: "Start"}, as("bob"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "condition_failed", env.Error.Code)
	assert.Equal(t, "actorIsAssignee", env.Error.Details["condition"])

	res, data = s.do(t, http.MethodPost, "/issues/"+issue.ID+"/transitions", TransitionIssueRequest{Transition: "Start"}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	moved := decode[TransitionResponse](t, data)
	assert.Equal(t, issue.StatusID, moved.FromStatusID)
	assert.NotEqual(t, issue.StatusID, moved.Issue.StatusID)
	assert.Empty(t, moved.PostFunctionErrors)

	res, data = s.do(t, http.MethodPost, "/issues/"+issue.ID+"/transitions", TransitionIssueRequest{Transition: "Start"}, as("alice"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decode[errorEnvelope](t, data).Error.Code)

	res, data = s.do(t, http.MethodPost, "/issues/"+issue.ID+"/transitions", TransitionIssueRequest{Transition: "Finish"}, as("alice"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env = decode[errorEnvelope](t, data)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Equal(t, "resolution is required", env.Error.Details["reason"])

	res, data = s.do(t, http.MethodPost, "/issues/"+issue.ID+"/transitions",
		TransitionIssueRequest{Transition: "Finish", Fields: map[string]string{"resolution": "fixed"}}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodGet, "/events?type=issue.transitioned", nil, as("owner"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[paginatedEvents](t, data).Items, 2)
}

func TestIssueOfAnotherOrganizationIsNotFound(t *testing.T) {
	s := newTestServer(t)
	_, p := setupProject(t, s)
	res, data := s.do(t, http.MethodPost, "/projects/"+p.ID+"/issues", CreateIssueRequest{Title: "Private"}, as("owner"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	issue := decode[domain.Issue](t, data)

	_, err := s.Engine.InitOrganization(context.Background(), "globex", "Globex", "hank")
	require.NoError(t, err)
	res, data = s.do(t, http.MethodGet, "/issues/"+issue.ID, nil, map[string]string{"X-Actor-Id": "hank", "X-Org-Id": "globex"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestCreateWorkflowReportsGraphProblems(t *testing.T) {
	s := newTestServer(t)
	def := simpleWorkflow()
	def.Statuses = append(def.Statuses, config.StatusDef{Name: "Island", Category: domain.CategoryTodo})
	res, data := s.do(t, http.MethodPost, "/workflows", def, as("owner"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "invalid_workflow", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details["problems"])

	res, _ = s.do(t, http.MethodPost, "/workflows", simpleWorkflow(), as("mallory"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestSchemeCloneAssignAndDeleteBlocked(t *testing.T) {
	s := newTestServer(t)
	_, p := setupProject(t, s)

	res, data := s.do(t, http.MethodPost, "/schemes/permission", CreateSchemeRequest[domain.PermissionGrant]{
		Name:    "Base",
		Entries: []domain.PermissionGrant{{Permission: "issue.transition", HolderType: domain.HolderRole, HolderParam: "developer"}},
	}, as("owner"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	src := decode[domain.Scheme[domain.PermissionGrant]](t, data)

	res, data = s.do(t, http.MethodPost, "/schemes/permission/"+src.ID+"/clone", CloneSchemeRequest{}, as("owner"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	clone := decode[domain.Scheme[domain.PermissionGrant]](t, data)
	assert.Equal(t, "Copy of Base", clone.Name)
	require.NotNil(t, clone.ParentID)
	assert.Equal(t, src.ID, *clone.ParentID)
	assert.Equal(t, src.Entries, clone.Entries)

	res, data = s.do(t, http.MethodPost, "/schemes/permission/"+src.ID+"/clone", CloneSchemeRequest{}, as("owner"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Equal(t, "Copy of Base (2)", decode[domain.Scheme[domain.PermissionGrant]](t, data).Name)

	res, data = s.do(t, http.MethodPost, "/schemes/permission/"+src.ID+"/clone", CloneSchemeRequest{Name: "Base"}, as("owner"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "name_taken", decode[errorEnvelope](t, data).Error.Code)

	for i := 0; i < 2; i++ {
		res, data = s.do(t, http.MethodPut, "/projects/"+p.ID+"/schemes/permission", AssignSchemeRequest{SchemeID: clone.ID}, as("owner"))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	binding := decode[domain.ProjectBinding](t, data)
	assert.Equal(t, clone.ID, binding.Schemes[domain.SchemePermission])

	res, data = s.do(t, http.MethodGet, "/schemes/permission/"+clone.ID+"/projects/count", nil, as("owner"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 1, decode[SchemeCountResponse](t, data).ProjectCount)

	res, data = s.do(t, http.MethodDelete, "/schemes/permission/"+clone.ID, nil, as("owner"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "delete_blocked", env.Error.Code)
	assert.EqualValues(t, 1, env.Error.Details["project_count"])

	res, _ = s.do(t, http.MethodDelete, "/schemes/permission/"+src.ID, nil, as("owner"))
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, _ = s.do(t, http.MethodGet, "/schemes/notification/"+clone.ID, nil, as("owner"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestJWTBoundToOrganization(t *testing.T) {
	s := newTestServer(t)
	token, err := SignToken(testSecret, "owner", testOrg, nil, nil, time.Minute)
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	res, data := s.do(t, http.MethodGet, "/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	who := decode[WhoAmIResponse](t, data)
	assert.Equal(t, testOrg, who.OrgID)
	assert.Contains(t, who.Roles, "owner")

	bearer["X-Org-Id"] = "globex"
	res, _ = s.do(t, http.MethodGet, "/projects", nil, bearer)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = s.do(t, http.MethodPost, "/auth/dev/login", DevLoginRequest{ActorID: "dev", Permissions: []string{"scheme.admin"}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	dev := decode[DevLoginResponse](t, data)
	res, data = s.do(t, http.MethodGet, "/schemes/security", nil, map[string]string{"Authorization": "Bearer " + dev.Token})
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestAPIKeyAuthentication(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodPost, "/me/api-keys", CreateAPIKeyRequest{Name: "ci"}, as("owner"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	key := decode[APIKeyResponse](t, data)
	require.NotEmpty(t, key.Key)

	res, data = s.do(t, http.MethodGet, "/workflows", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Workflow](t, data), 1)

	res, _ = s.do(t, http.MethodGet, "/workflows", nil, map[string]string{"X-Api-Key": "fd_wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestWebhookDispatcherDeliversMatchingEvents(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	var mu sync.Mutex
	var got []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, r.Header.Get("X-Flowdesk-Event")+":"+evt.EntityKind)
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(s.Engine.Repo, testOrg, []config.WebhookConfig{{URL: hook.URL, Events: []string{"issue.created"}}}, nil)
	require.True(t, d.Active())
	d.DispatchOnce(ctx)

	_, p := setupProject(t, s)
	_, err := s.Engine.CreateIssue(ctx, engine.IssueCreateOptions{ProjectID: p.ID, OrgID: testOrg, Title: "Hooked", ActorID: "owner"})
	require.NoError(t, err)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"issue.created:issue"}, got)
}
