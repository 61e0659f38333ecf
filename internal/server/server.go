package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/engine/auth"
	"flowdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	// OrgID is used when neither the token nor X-Org-Id names an organization.
	OrgID  string
	Auth   AuthConfig
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"condition_failed"`
	Message string         `json:"message" example:"condition actorIsAssignee failed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"condition\":\"actorIsAssignee\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyOutput[T any] struct {
	Body T
}

func respond[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

// orgHeader is embedded in every organization-scoped input.
type orgHeader struct {
	OrgID string `header:"X-Org-Id" doc:"Organization; defaults to the token's org claim or the server default"`
}

type handlers struct {
	e      *engine.Engine
	orgID  string
	auth   AuthConfig
	logger *slog.Logger
}

// New returns an HTTP handler exposing the flowdesk API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	orgID := cfg.OrgID
	if orgID == "" && cfg.Engine.Config != nil {
		orgID = cfg.Engine.Config.Organization.ID
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are bad requests, 422 is reserved for rule failures.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("flowdesk API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{e: cfg.Engine, orgID: orgID, auth: cfg.Auth, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerStatuses(group)
	h.registerWorkflows(group)
	h.registerProjects(group)
	h.registerIssues(group)
	registerSchemeKind(group, h, cfg.Engine.Schemes.Permission)
	registerSchemeKind(group, h, cfg.Engine.Schemes.Notification)
	registerSchemeKind(group, h, cfg.Engine.Schemes.Security)
	h.registerEvents(group)
	h.registerMe(group)
	h.registerRBAC(group)
	if cfg.Auth.AllowDevLogin {
		h.registerDevAuth(group)
	}
	registerOpenAPI(router, api, basePath)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var (
		forbidden  auth.ForbiddenError
		condition  domain.ConditionFailedError
		validation domain.ValidationFailedError
		conflict   domain.ConflictError
		invalidTr  domain.InvalidTransitionError
		blocked    domain.DeleteBlockedError
		duplicate  domain.DuplicateTransitionError
		nameTaken  domain.NameTakenError
		invalidWf  engine.InvalidWorkflowError
	)
	switch {
	case errors.As(err, &forbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": forbidden.Permission})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &condition):
		return newAPIError(http.StatusUnprocessableEntity, "condition_failed", err.Error(), map[string]any{"condition": condition.Condition})
	case errors.As(err, &validation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"validator": validation.Validator, "reason": validation.Reason})
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"issue_id": conflict.IssueID, "expected_status_id": conflict.ExpectedStatusID, "expected_version": conflict.ExpectedVersion})
	case errors.As(err, &invalidTr):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"status_id": invalidTr.StatusID, "transition": invalidTr.Transition})
	case errors.As(err, &blocked):
		return newAPIError(http.StatusConflict, "delete_blocked", err.Error(), map[string]any{"project_count": blocked.ProjectCount})
	case errors.As(err, &duplicate):
		return newAPIError(http.StatusConflict, "duplicate_transition", err.Error(), map[string]any{"name": duplicate.Key.Name, "from_status_id": duplicate.Key.From, "to_status_id": duplicate.Key.To})
	case errors.As(err, &nameTaken):
		return newAPIError(http.StatusConflict, "name_taken", err.Error(), map[string]any{"kind": nameTaken.Kind, "name": nameTaken.Name})
	case errors.As(err, &invalidWf):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_workflow", err.Error(), map[string]any{"problems": invalidWf.Problems})
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "required"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "already exists"),
		strings.Contains(lowered, "not editable"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// org resolves the organization of a request. A token bound to one
// organization cannot be pointed at another through the header.
func (h *handlers) org(ctx context.Context, in orgHeader) (string, error) {
	header := strings.TrimSpace(in.OrgID)
	if p, ok := principalFromContext(ctx); ok && p.OrgID != "" {
		if header != "" && header != p.OrgID {
			return "", newAPIError(http.StatusForbidden, "forbidden", "token is not valid for organization "+header, nil)
		}
		return p.OrgID, nil
	}
	if header != "" {
		return header, nil
	}
	if h.orgID == "" {
		return "", newAPIError(http.StatusBadRequest, "bad_request", "X-Org-Id header required", nil)
	}
	return h.orgID, nil
}

// require checks perm for the caller. Token permissions short-circuit the RBAC lookup.
func (h *handlers) require(ctx context.Context, orgID, projectID, perm string) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if slices.Contains(p.Permissions, perm) {
		return p, nil
	}
	if err := h.e.Auth.Require(ctx, orgID, projectID, p.ActorID, perm); err != nil {
		return Principal{}, handleError(err)
	}
	return p, nil
}

// scope resolves the organization and checks perm in one step.
func (h *handlers) scope(ctx context.Context, in orgHeader, projectID, perm string) (string, Principal, error) {
	orgID, err := h.org(ctx, in)
	if err != nil {
		return "", Principal{}, err
	}
	p, err := h.require(ctx, orgID, projectID, perm)
	if err != nil {
		return "", Principal{}, err
	}
	return orgID, p, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>flowdesk API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key. Select the organization with X-Org-Id.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func (h *handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		orgHeader
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"organization,status,workflow,project,issue,scheme,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		orgID, _, err := h.scope(ctx, input.orgHeader, input.ProjectID, auth.PermEventsRead)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.ListEvents(ctx, limit+1, cursorID, repo.EventFilters{
			OrgID:      orgID,
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return respond(resp), nil
	})
}

func (h *handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor roles and permissions",
	}, func(ctx context.Context, input *struct {
		orgHeader
		ProjectID string `query:"project_id"`
	}) (*bodyOutput[WhoAmIResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		orgID, err := h.org(ctx, input.orgHeader)
		if err != nil {
			return nil, err
		}
		roles, err := h.e.Auth.ActorRoles(ctx, nil, orgID, input.ProjectID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := h.e.Auth.ActorPermissions(ctx, nil, orgID, input.ProjectID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, perm := range p.Permissions {
			if !slices.Contains(perms, perm) {
				perms = append(perms, perm)
			}
		}
		return respond(WhoAmIResponse{
			ActorID:     p.ActorID,
			OrgID:       orgID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Create an API key for the current actor",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*bodyOutput[APIKeyResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := h.e.CreateAPIKey(ctx, p.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}), nil
	})
}

func (h *handlers) registerRBAC(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/rbac/grants",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgHeader
		Body GrantRoleRequest
	}) (*struct{}, error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, input.Body.ProjectID, auth.PermProjectAdmin)
		if err != nil {
			return nil, err
		}
		if input.Body.ProjectID == "" {
			err = h.e.GrantOrgRole(ctx, orgID, input.Body.ActorID, input.Body.Role, p.ActorID)
		} else {
			err = h.e.GrantProjectRole(ctx, orgID, input.Body.ProjectID, input.Body.ActorID, input.Body.Role, p.ActorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h *handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*bodyOutput[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(h.auth.JWTSecret, actor, strings.TrimSpace(input.Body.OrgID), input.Body.Roles, input.Body.Permissions, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
