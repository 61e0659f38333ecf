package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/engine/auth"
)

type projectPath struct {
	orgHeader
	ProjectID string `path:"project_id"`
}

func (h *handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a project bound to a workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		orgHeader
		Body CreateProjectRequest
	}) (*bodyOutput[domain.Project], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermProjectAdmin)
		if err != nil {
			return nil, err
		}
		proj, err := h.e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:         input.Body.ID,
			OrgID:      orgID,
			Name:       input.Body.Name,
			WorkflowID: input.Body.WorkflowID,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(proj), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct{ orgHeader }) (*bodyOutput[[]domain.Project], error) {
		orgID, err := h.org(ctx, input.orgHeader)
		if err != nil {
			return nil, err
		}
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.ListProjects(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyOutput[domain.Project], error) {
		orgID, err := h.org(ctx, input.orgHeader)
		if err != nil {
			return nil, err
		}
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		proj, err := h.e.GetProject(ctx, input.ProjectID, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(proj), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-binding",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/binding",
		Summary:     "Workflow and schemes bound to a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyOutput[domain.ProjectBinding], error) {
		orgID, err := h.org(ctx, input.orgHeader)
		if err != nil {
			return nil, err
		}
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		b, err := h.e.Binding(ctx, input.ProjectID, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bind-workflow",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/workflow",
		Summary:     "Point a project at another workflow",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		projectPath
		Body BindWorkflowRequest
	}) (*bodyOutput[domain.ProjectBinding], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, input.ProjectID, auth.PermProjectAdmin)
		if err != nil {
			return nil, err
		}
		b, err := h.e.BindWorkflow(ctx, input.ProjectID, orgID, input.Body.WorkflowID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-scheme",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/schemes/{kind}",
		Summary:     "Assign a scheme to a project",
		Description: "Assigning the scheme that is already bound is a no-op.",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		projectPath
		Kind domain.SchemeKind `path:"kind" enum:"permission,notification,security"`
		Body AssignSchemeRequest
	}) (*bodyOutput[domain.ProjectBinding], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, input.ProjectID, auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		b, err := h.e.AssignScheme(ctx, input.Kind, input.Body.SchemeID, input.ProjectID, orgID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(b), nil
	})
}
