package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/engine/auth"
	"flowdesk/internal/workflow"
)

var adminErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func (h *handlers) registerStatuses(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-status",
		Method:        http.MethodPost,
		Path:          "/statuses",
		Summary:       "Create a status in the organization catalog",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		orgHeader
		Body CreateStatusRequest
	}) (*bodyOutput[domain.Status], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermWorkflowAdmin)
		if err != nil {
			return nil, err
		}
		st, err := h.e.CreateStatus(ctx, orgID, input.Body.Name, input.Body.Category, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-statuses",
		Method:      http.MethodGet,
		Path:        "/statuses",
		Summary:     "List statuses",
	}, func(ctx context.Context, input *struct{ orgHeader }) (*bodyOutput[[]domain.Status], error) {
		orgID, err := h.org(ctx, input.orgHeader)
		if err != nil {
			return nil, err
		}
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.ListStatuses(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})
}

func (h *handlers) registerWorkflows(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create a workflow from a definition",
		Description:   "Statuses are referenced by name and reused from the catalog when they already exist. Every graph problem is reported at once.",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		orgHeader
		Body config.WorkflowDef
	}) (*bodyOutput[domain.Workflow], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermWorkflowAdmin)
		if err != nil {
			return nil, err
		}
		wf, err := h.e.CreateWorkflow(ctx, orgID, input.Body, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wf), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct{ orgHeader }) (*bodyOutput[[]domain.Workflow], error) {
		orgID, err := h.org(ctx, input.orgHeader)
		if err != nil {
			return nil, err
		}
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.ListWorkflows(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	type workflowPath struct {
		orgHeader
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get a workflow with its statuses and transitions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*bodyOutput[domain.Workflow], error) {
		orgID, err := h.org(ctx, input.orgHeader)
		if err != nil {
			return nil, err
		}
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		wf, err := h.e.GetWorkflow(ctx, input.ID, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wf), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-workflow",
		Method:        http.MethodDelete,
		Path:          "/workflows/{id}",
		Summary:       "Delete a workflow no project uses",
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *workflowPath) (*struct{}, error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermWorkflowAdmin)
		if err != nil {
			return nil, err
		}
		if err := h.e.DeleteWorkflow(ctx, input.ID, orgID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}/validate",
		Summary:     "Report every structural problem of a workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*bodyOutput[ValidationResponse], error) {
		orgID, err := h.org(ctx, input.orgHeader)
		if err != nil {
			return nil, err
		}
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		problems, err := h.e.ValidateWorkflow(ctx, input.ID, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ValidationResponse{Valid: len(problems) == 0, Problems: nonNilSlice[workflow.GraphError](problems)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-transition",
		Method:        http.MethodPost,
		Path:          "/workflows/{id}/transitions",
		Summary:       "Append a transition",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		workflowPath
		Body AddTransitionRequest
	}) (*bodyOutput[domain.Transition], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermWorkflowAdmin)
		if err != nil {
			return nil, err
		}
		t, err := h.e.AddTransition(ctx, input.ID, orgID, engine.TransitionInput{
			Name:          input.Body.Name,
			FromStatusID:  input.Body.FromStatusID,
			ToStatusID:    input.Body.ToStatusID,
			Conditions:    input.Body.Conditions,
			Validators:    input.Body.Validators,
			PostFunctions: input.Body.PostFunctions,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-transition",
		Method:        http.MethodDelete,
		Path:          "/workflows/{id}/transitions/{transition_id}",
		Summary:       "Remove a transition",
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		workflowPath
		TransitionID string `path:"transition_id"`
	}) (*struct{}, error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermWorkflowAdmin)
		if err != nil {
			return nil, err
		}
		if err := h.e.RemoveTransition(ctx, input.ID, orgID, input.TransitionID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
