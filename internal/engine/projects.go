package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"flowdesk/internal/domain"
	"flowdesk/internal/events"
)

type ProjectCreateOptions struct {
	ID         string
	OrgID      string
	Name       string
	WorkflowID string
	ActorID    string
}

// CreateProject binds a new project to a workflow of the same organization,
// or to the organization's default workflow when none is given.
func (e *Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Project{}, errors.New("project name required")
	}
	if err := e.requireOrg(ctx, opts.OrgID); err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	wfID := opts.WorkflowID
	if wfID == "" {
		wfID, err = e.Repo.DefaultWorkflowID(ctx, tx, opts.OrgID)
		if err != nil {
			return domain.Project{}, fmt.Errorf("no workflow given and %w", err)
		}
	}
	if _, err := e.Repo.GetWorkflow(ctx, tx, wfID, opts.OrgID); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:         opts.ID,
		OrgID:      opts.OrgID,
		Name:       opts.Name,
		WorkflowID: wfID,
		CreatedAt:  e.stamp(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "project.created", OrgID: p.OrgID, ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: opts.ActorID},
		events.EventPayload{"name": p.Name, "workflow_id": wfID}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e *Engine) GetProject(ctx context.Context, id, orgID string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, nil, id, orgID)
}

func (e *Engine) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, orgID)
}

// BindWorkflow points the project at another workflow of its organization.
// Existing issues keep their status; a status missing from the new workflow
// surfaces as NotFound on the next transition.
func (e *Engine) BindWorkflow(ctx context.Context, projectID, orgID, workflowID, actorID string) (domain.ProjectBinding, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectBinding{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProject(ctx, tx, projectID, orgID)
	if err != nil {
		return domain.ProjectBinding{}, err
	}
	if _, err := e.Repo.GetWorkflow(ctx, tx, workflowID, orgID); err != nil {
		return domain.ProjectBinding{}, err
	}
	if p.WorkflowID != workflowID {
		if err := e.Repo.SetProjectWorkflow(ctx, tx, projectID, workflowID); err != nil {
			return domain.ProjectBinding{}, err
		}
		if err := e.Events.Append(ctx, tx, events.Record{Type: "project.workflow_bound", OrgID: orgID, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID},
			events.EventPayload{"workflow_id": workflowID, "previous_workflow_id": p.WorkflowID}); err != nil {
			return domain.ProjectBinding{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectBinding{}, err
	}
	return e.Binding(ctx, projectID, orgID)
}

// Binding returns the workflow and the scheme of each kind bound to a project.
func (e *Engine) Binding(ctx context.Context, projectID, orgID string) (domain.ProjectBinding, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID, orgID)
	if err != nil {
		return domain.ProjectBinding{}, err
	}
	schemes, err := e.Repo.ProjectSchemes(ctx, nil, projectID)
	if err != nil {
		return domain.ProjectBinding{}, err
	}
	return domain.ProjectBinding{ProjectID: p.ID, WorkflowID: p.WorkflowID, Schemes: schemes}, nil
}

// AssignScheme binds a scheme of the given kind to a project.
func (e *Engine) AssignScheme(ctx context.Context, kind domain.SchemeKind, schemeID, projectID, orgID, actorID string) (domain.ProjectBinding, error) {
	var err error
	switch kind {
	case domain.SchemePermission:
		err = e.Schemes.Permission.AssignToProject(ctx, schemeID, projectID, orgID, actorID)
	case domain.SchemeNotification:
		err = e.Schemes.Notification.AssignToProject(ctx, schemeID, projectID, orgID, actorID)
	case domain.SchemeSecurity:
		err = e.Schemes.Security.AssignToProject(ctx, schemeID, projectID, orgID, actorID)
	default:
		err = fmt.Errorf("unknown scheme kind %q", kind)
	}
	if err != nil {
		return domain.ProjectBinding{}, err
	}
	return e.Binding(ctx, projectID, orgID)
}
