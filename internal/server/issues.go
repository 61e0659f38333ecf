package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/engine/auth"
	"flowdesk/internal/repo"
)

type issuePath struct {
	orgHeader
	IssueID string `path:"issue_id"`
}

// issueScope loads the issue the caller may see and checks perm on its project.
func (h *handlers) issueScope(ctx context.Context, in issuePath, perm string) (domain.Issue, string, Principal, error) {
	orgID, err := h.org(ctx, in.orgHeader)
	if err != nil {
		return domain.Issue{}, "", Principal{}, err
	}
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Issue{}, "", Principal{}, authErr
	}
	issue, err := h.e.GetIssue(ctx, in.IssueID, orgID, p.ActorID)
	if err != nil {
		return domain.Issue{}, "", Principal{}, handleError(err)
	}
	if _, err := h.require(ctx, orgID, issue.ProjectID, perm); err != nil {
		return domain.Issue{}, "", Principal{}, err
	}
	return issue, orgID, p, nil
}

func (h *handlers) registerIssues(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/issues",
		Summary:       "Create an issue at the workflow's initial status",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		projectPath
		Body CreateIssueRequest
	}) (*bodyOutput[domain.Issue], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, input.ProjectID, auth.PermIssueCreate)
		if err != nil {
			return nil, err
		}
		issue, err := h.e.CreateIssue(ctx, engine.IssueCreateOptions{
			ProjectID:     input.ProjectID,
			OrgID:         orgID,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			AssigneeID:    input.Body.AssigneeID,
			SecurityLevel: input.Body.SecurityLevel,
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(issue), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/issues",
		Summary:     "List the project's issues visible to the caller",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		projectPath
		StatusID string `query:"status_id"`
		Assignee string `query:"assignee"`
		Limit    int    `query:"limit" default:"50"`
	}) (*bodyOutput[[]domain.Issue], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, input.ProjectID, auth.PermIssueRead)
		if err != nil {
			return nil, err
		}
		items, err := h.e.ListIssues(ctx, input.ProjectID, orgID, p.ActorID, repo.IssueFilters{
			StatusID: input.StatusID,
			Assignee: input.Assignee,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get an issue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *issuePath) (*bodyOutput[domain.Issue], error) {
		issue, _, _, err := h.issueScope(ctx, *input, auth.PermIssueRead)
		if err != nil {
			return nil, err
		}
		return respond(issue), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-available-transitions",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/transitions",
		Summary:     "Transitions leaving the issue's current status, in declaration order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *issuePath) (*bodyOutput[[]domain.Transition], error) {
		issue, orgID, p, err := h.issueScope(ctx, *input, auth.PermIssueRead)
		if err != nil {
			return nil, err
		}
		items, err := h.e.AvailableTransitions(ctx, issue.ID, orgID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/transitions",
		Summary:     "Execute a named transition",
		Description: "Conditions and validators run before the status changes. Post-function failures do not undo the transition and are listed in post_function_errors.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		issuePath
		Body TransitionIssueRequest
	}) (*bodyOutput[TransitionResponse], error) {
		issue, orgID, p, err := h.issueScope(ctx, input.issuePath, auth.PermIssueRead)
		if err != nil {
			return nil, err
		}
		res, err := h.e.TransitionIssue(ctx, issue.ID, orgID, input.Body.Transition, p.ActorID, input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		if len(res.PostFunctionErrors) > 0 {
			h.logger.WarnContext(ctx, "transition committed with post-function errors",
				"issue_id", issue.ID, "transition", res.Transition.Name, "count", len(res.PostFunctionErrors))
		}
		return respond(transitionResponse(res)), nil
	})
}
