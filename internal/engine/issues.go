package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"flowdesk/internal/domain"
	"flowdesk/internal/events"
	"flowdesk/internal/repo"
	"flowdesk/internal/workflow"
)

type IssueCreateOptions struct {
	ProjectID     string
	OrgID         string
	Title         string
	Description   string
	AssigneeID    string
	SecurityLevel string
	ActorID       string
}

// CreateIssue places a new issue at the initial status of the project's workflow.
func (e *Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Issue{}, errors.New("title is required")
	}
	if opts.ActorID == "" {
		return domain.Issue{}, errors.New("reporter required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	p, wf, err := e.loadBoundWorkflow(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Issue{}, err
	}
	if opts.OrgID != "" && p.OrgID != opts.OrgID {
		return domain.Issue{}, domain.NotFoundError{Kind: "project", ID: opts.ProjectID}
	}
	if !wf.HasStatus(wf.InitialStatusID) {
		return domain.Issue{}, domain.NotFoundError{Kind: "status", ID: wf.InitialStatusID}
	}
	now := e.stamp()
	issue := domain.Issue{
		ID:            uuid.NewString(),
		ProjectID:     p.ID,
		Title:         opts.Title,
		Description:   opts.Description,
		StatusID:      wf.InitialStatusID,
		ReporterID:    opts.ActorID,
		SecurityLevel: opts.SecurityLevel,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.AssigneeID != "" {
		assignee := opts.AssigneeID
		issue.AssigneeID = &assignee
	}
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "issue.created", OrgID: p.OrgID, ProjectID: p.ID, EntityKind: "issue", EntityID: issue.ID, ActorID: opts.ActorID},
		events.EventPayload{"title": issue.Title, "status_id": issue.StatusID}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

// GetIssue returns an issue visible to actorID. Issues outside the org, or
// behind a security level the actor does not belong to, are not found.
func (e *Engine) GetIssue(ctx context.Context, issueID, orgID, actorID string) (domain.Issue, error) {
	issue, err := e.Repo.GetIssue(ctx, nil, issueID)
	if err != nil {
		return domain.Issue{}, err
	}
	p, err := e.Repo.GetProject(ctx, nil, issue.ProjectID, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Issue{}, domain.NotFoundError{Kind: "issue", ID: issueID}
		}
		return domain.Issue{}, err
	}
	visible, err := e.canSee(ctx, p, issue, actorID)
	if err != nil {
		return domain.Issue{}, err
	}
	if !visible {
		return domain.Issue{}, domain.NotFoundError{Kind: "issue", ID: issueID}
	}
	return issue, nil
}

func (e *Engine) canSee(ctx context.Context, p domain.Project, issue domain.Issue, actorID string) (bool, error) {
	if issue.SecurityLevel == "" {
		return true, nil
	}
	schemeID, err := e.Repo.ProjectScheme(ctx, nil, p.ID, domain.SchemeSecurity)
	if err != nil {
		return false, err
	}
	if schemeID == "" {
		return true, nil
	}
	s, err := e.Schemes.Security.GetSchemeWithEntries(ctx, schemeID, p.OrgID)
	if err != nil {
		return false, err
	}
	roles, err := e.Auth.ActorRoles(ctx, nil, p.OrgID, p.ID, actorID)
	if err != nil {
		return false, err
	}
	for _, m := range s.Entries {
		if m.Level == issue.SecurityLevel && grants(m.MemberType, m.MemberParam, actorID, roles, &issue) {
			return true, nil
		}
	}
	return false, nil
}

// ListIssues returns the project's issues the actor may see.
func (e *Engine) ListIssues(ctx context.Context, projectID, orgID, actorID string, f repo.IssueFilters) ([]domain.Issue, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID, orgID)
	if err != nil {
		return nil, err
	}
	f.ProjectID = p.ID
	all, err := e.Repo.ListIssues(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Issue, 0, len(all))
	for _, issue := range all {
		ok, err := e.canSee(ctx, p, issue, actorID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, issue)
		}
	}
	return out, nil
}

// AvailableTransitions lists the transitions out of the issue's current status in declaration order.
func (e *Engine) AvailableTransitions(ctx context.Context, issueID, orgID, actorID string) ([]domain.Transition, error) {
	issue, err := e.GetIssue(ctx, issueID, orgID, actorID)
	if err != nil {
		return nil, err
	}
	_, wf, err := e.loadBoundWorkflow(ctx, nil, issue.ProjectID)
	if err != nil {
		return nil, err
	}
	return e.Workflow.ListAvailableTransitions(issue, wf)
}

// TransitionIssue loads the issue and its bound workflow and executes the named transition.
// The returned result reflects post-function side effects.
func (e *Engine) TransitionIssue(ctx context.Context, issueID, orgID, transitionName, actorID string, fields map[string]string) (workflow.TransitionResult, error) {
	issue, err := e.GetIssue(ctx, issueID, orgID, actorID)
	if err != nil {
		return workflow.TransitionResult{}, err
	}
	_, wf, err := e.loadBoundWorkflow(ctx, nil, issue.ProjectID)
	if err != nil {
		return workflow.TransitionResult{}, err
	}
	res, err := e.Workflow.ExecuteTransition(ctx, issue, wf, transitionName, actorID, workflow.RuleContext{Fields: fields})
	if err != nil {
		return res, err
	}
	if len(res.Transition.PostFunctions) > 0 {
		if fresh, err := e.Repo.GetIssue(context.WithoutCancel(ctx), nil, issueID); err == nil {
			res.Issue = fresh
		}
	}
	return res, nil
}
