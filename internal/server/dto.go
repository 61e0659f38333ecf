package server

import (
	"flowdesk/internal/domain"
	"flowdesk/internal/workflow"
)

// Request payloads

type CreateStatusRequest struct {
	Name     string                `json:"name" minLength:"1"`
	Category domain.StatusCategory `json:"category" enum:"TODO,IN_PROGRESS,DONE"`
}

type AddTransitionRequest struct {
	Name          string           `json:"name" minLength:"1"`
	FromStatusID  string           `json:"from_status_id"`
	ToStatusID    string           `json:"to_status_id"`
	Conditions    []domain.RuleRef `json:"conditions,omitempty"`
	Validators    []domain.RuleRef `json:"validators,omitempty"`
	PostFunctions []domain.RuleRef `json:"post_functions,omitempty"`
}

type CreateProjectRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name" minLength:"1"`
	WorkflowID string `json:"workflow_id,omitempty" doc:"Defaults to the organization's default workflow"`
}

type BindWorkflowRequest struct {
	WorkflowID string `json:"workflow_id" minLength:"1"`
}

type AssignSchemeRequest struct {
	SchemeID string `json:"scheme_id" minLength:"1"`
}

type CreateIssueRequest struct {
	Title         string `json:"title" minLength:"1"`
	Description   string `json:"description,omitempty"`
	AssigneeID    string `json:"assignee_id,omitempty"`
	SecurityLevel string `json:"security_level,omitempty"`
}

type TransitionIssueRequest struct {
	Transition string            `json:"transition" minLength:"1"`
	Fields     map[string]string `json:"fields,omitempty" doc:"Transition input read by validators and setField"`
}

type CreateSchemeRequest[E any] struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"is_default,omitempty"`
	Entries     []E    `json:"entries,omitempty"`
}

type CloneSchemeRequest struct {
	Name string `json:"name,omitempty" doc:"Defaults to \"Copy of <source name>\""`
}

type GrantRoleRequest struct {
	ActorID   string `json:"actor_id" minLength:"1"`
	Role      string `json:"role" minLength:"1"`
	ProjectID string `json:"project_id,omitempty" doc:"Omit for an organization-wide grant"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type PostFunctionErrorResponse struct {
	PostFunction string `json:"post_function"`
	Error        string `json:"error"`
}

type TransitionResponse struct {
	Issue              domain.Issue                `json:"issue"`
	Transition         domain.Transition           `json:"transition"`
	FromStatusID       string                      `json:"from_status_id"`
	PostFunctionErrors []PostFunctionErrorResponse `json:"post_function_errors"`
}

func transitionResponse(res workflow.TransitionResult) TransitionResponse {
	out := TransitionResponse{
		Issue:              res.Issue,
		Transition:         res.Transition,
		FromStatusID:       res.FromStatusID,
		PostFunctionErrors: []PostFunctionErrorResponse{},
	}
	for _, pe := range res.PostFunctionErrors {
		msg := ""
		if pe.Cause != nil {
			msg = pe.Cause.Error()
		}
		out.PostFunctionErrors = append(out.PostFunctionErrors, PostFunctionErrorResponse{PostFunction: pe.PostFunction, Error: msg})
	}
	return out
}

type ValidationResponse struct {
	Valid    bool                  `json:"valid"`
	Problems []workflow.GraphError `json:"problems"`
}

type SchemeCountResponse struct {
	SchemeID     string `json:"scheme_id"`
	ProjectCount int    `json:"project_count"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key" doc:"Shown once"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
