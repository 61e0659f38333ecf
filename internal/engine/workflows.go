package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
	"flowdesk/internal/events"
	"flowdesk/internal/repo"
	"flowdesk/internal/workflow"
)

// InvalidWorkflowError carries every graph problem that blocked a workflow write.
type InvalidWorkflowError struct {
	Problems []workflow.GraphError
}

func (e InvalidWorkflowError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Message)
	}
	return "invalid workflow: " + strings.Join(msgs, "; ")
}

func (e *Engine) CreateStatus(ctx context.Context, orgID, name string, category domain.StatusCategory, actorID string) (domain.Status, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Status{}, errors.New("status name required")
	}
	if !category.Valid() {
		return domain.Status{}, fmt.Errorf("invalid category %q", category)
	}
	if err := e.requireOrg(ctx, orgID); err != nil {
		return domain.Status{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Status{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetStatusByName(ctx, tx, orgID, name); err == nil {
		return domain.Status{}, fmt.Errorf("status %q already exists", name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Status{}, err
	}
	st := domain.Status{ID: uuid.NewString(), OrgID: orgID, Name: name, Category: category, CreatedAt: e.stamp()}
	if err := e.Repo.InsertStatus(ctx, tx, st); err != nil {
		return domain.Status{}, fmt.Errorf("insert status: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "status.created", OrgID: orgID, EntityKind: "status", EntityID: st.ID, ActorID: actorID},
		events.EventPayload{"name": name, "category": string(category)}); err != nil {
		return domain.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Status{}, err
	}
	return st, nil
}

func (e *Engine) ListStatuses(ctx context.Context, orgID string) ([]domain.Status, error) {
	return e.Repo.ListStatuses(ctx, orgID)
}

// CreateWorkflow installs a workflow definition. Statuses are matched by name in
// the org's catalog and created when missing. The definition is rejected when the
// resulting graph or its rule names do not validate.
func (e *Engine) CreateWorkflow(ctx context.Context, orgID string, def config.WorkflowDef, actorID string) (domain.Workflow, error) {
	if err := def.Check(); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.requireOrg(ctx, orgID); err != nil {
		return domain.Workflow{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	byName := map[string]string{}
	wf := domain.Workflow{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Name:        strings.TrimSpace(def.Name),
		Description: def.Description,
		IsDefault:   def.Default,
		CreatedAt:   now,
	}
	for _, sd := range def.Statuses {
		st, err := e.Repo.GetStatusByName(ctx, tx, orgID, sd.Name)
		switch {
		case err == nil:
			if st.Category != sd.Category {
				return domain.Workflow{}, fmt.Errorf("status %q already exists with category %s", sd.Name, st.Category)
			}
		case errors.Is(err, repo.ErrNotFound):
			st = domain.Status{ID: uuid.NewString(), OrgID: orgID, Name: sd.Name, Category: sd.Category, CreatedAt: now}
			if err := e.Repo.InsertStatus(ctx, tx, st); err != nil {
				return domain.Workflow{}, fmt.Errorf("insert status %s: %w", sd.Name, err)
			}
		default:
			return domain.Workflow{}, err
		}
		byName[sd.Name] = st.ID
		wf.Statuses = append(wf.Statuses, st)
	}
	resolve := func(name string) string {
		if id, ok := byName[name]; ok {
			return id
		}
		return name
	}
	wf.InitialStatusID = resolve(def.InitialStatus)
	for _, td := range def.Transitions {
		wf.Transitions = append(wf.Transitions, domain.Transition{
			ID:            uuid.NewString(),
			WorkflowID:    wf.ID,
			Name:          strings.TrimSpace(td.Name),
			FromStatusID:  resolve(td.From),
			ToStatusID:    resolve(td.To),
			Conditions:    td.Conditions,
			Validators:    td.Validators,
			PostFunctions: td.PostFunctions,
		})
	}
	if problems := e.validate(wf); len(problems) > 0 {
		return domain.Workflow{}, InvalidWorkflowError{Problems: problems}
	}
	if _, err := e.Repo.GetStatus(ctx, tx, wf.InitialStatusID, orgID); err != nil {
		return domain.Workflow{}, err
	}
	if wf.IsDefault {
		if err := e.Repo.ClearDefaultWorkflow(ctx, tx, orgID); err != nil {
			return domain.Workflow{}, err
		}
	}
	if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "workflow.created", OrgID: orgID, EntityKind: "workflow", EntityID: wf.ID, ActorID: actorID},
		events.EventPayload{"name": wf.Name, "statuses": len(wf.Statuses), "transitions": len(wf.Transitions)}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return e.Repo.GetWorkflow(ctx, nil, wf.ID, orgID)
}

// ImportWorkflow parses a YAML definition and installs it.
func (e *Engine) ImportWorkflow(ctx context.Context, orgID string, data []byte, actorID string) (domain.Workflow, error) {
	def, err := config.ParseWorkflow(data)
	if err != nil {
		return domain.Workflow{}, err
	}
	return e.CreateWorkflow(ctx, orgID, def, actorID)
}

func (e *Engine) validate(wf domain.Workflow) []workflow.GraphError {
	g := workflow.NewGraph(wf)
	problems := g.ValidateGraph()
	return append(problems, g.ValidateRules(e.Rules)...)
}

func (e *Engine) GetWorkflow(ctx context.Context, id, orgID string) (domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, nil, id, orgID)
}

func (e *Engine) ListWorkflows(ctx context.Context, orgID string) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, orgID)
}

// ValidateWorkflow reports every graph and rule-name problem of a stored workflow.
func (e *Engine) ValidateWorkflow(ctx context.Context, id, orgID string) ([]workflow.GraphError, error) {
	wf, err := e.Repo.GetWorkflow(ctx, nil, id, orgID)
	if err != nil {
		return nil, err
	}
	problems := e.validate(wf)
	if problems == nil {
		problems = []workflow.GraphError{}
	}
	return problems, nil
}

type TransitionInput struct {
	Name          string
	FromStatusID  string
	ToStatusID    string
	Conditions    []domain.RuleRef
	Validators    []domain.RuleRef
	PostFunctions []domain.RuleRef
}

// AddTransition appends a transition after the workflow's existing ones.
func (e *Engine) AddTransition(ctx context.Context, workflowID, orgID string, in TransitionInput, actorID string) (domain.Transition, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.Transition{}, errors.New("transition name required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transition{}, err
	}
	defer tx.Rollback()
	wf, err := e.Repo.GetWorkflow(ctx, tx, workflowID, orgID)
	if err != nil {
		return domain.Transition{}, err
	}
	for _, id := range []string{in.FromStatusID, in.ToStatusID} {
		if !wf.HasStatus(id) {
			return domain.Transition{}, domain.NotFoundError{Kind: "status", ID: id}
		}
	}
	t := domain.Transition{
		ID:            uuid.NewString(),
		WorkflowID:    wf.ID,
		Name:          in.Name,
		FromStatusID:  in.FromStatusID,
		ToStatusID:    in.ToStatusID,
		Conditions:    in.Conditions,
		Validators:    in.Validators,
		PostFunctions: in.PostFunctions,
	}
	for _, existing := range wf.Transitions {
		if existing.Key() == t.Key() {
			return domain.Transition{}, domain.DuplicateTransitionError{Key: t.Key()}
		}
	}
	candidate := wf
	candidate.Transitions = append(append([]domain.Transition{}, wf.Transitions...), t)
	if problems := workflow.NewGraph(candidate).ValidateRules(e.Rules); len(problems) > 0 {
		return domain.Transition{}, InvalidWorkflowError{Problems: problems}
	}
	pos, err := e.Repo.NextTransitionPosition(ctx, tx, wf.ID)
	if err != nil {
		return domain.Transition{}, err
	}
	if err := e.Repo.InsertTransition(ctx, tx, t, pos); err != nil {
		return domain.Transition{}, fmt.Errorf("insert transition: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "workflow.transition_added", OrgID: orgID, EntityKind: "workflow", EntityID: wf.ID, ActorID: actorID},
		events.EventPayload{"transition_id": t.ID, "name": t.Name, "from": t.FromStatusID, "to": t.ToStatusID}); err != nil {
		return domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transition{}, err
	}
	return t, nil
}

func (e *Engine) RemoveTransition(ctx context.Context, workflowID, orgID, transitionID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetWorkflow(ctx, tx, workflowID, orgID); err != nil {
		return err
	}
	if err := e.Repo.DeleteTransition(ctx, tx, workflowID, transitionID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "workflow.transition_removed", OrgID: orgID, EntityKind: "workflow", EntityID: workflowID, ActorID: actorID},
		events.EventPayload{"transition_id": transitionID}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteWorkflow removes a workflow no project is bound to.
func (e *Engine) DeleteWorkflow(ctx context.Context, id, orgID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetWorkflow(ctx, tx, id, orgID); err != nil {
		return err
	}
	n, err := e.Repo.CountProjectsUsingWorkflow(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return domain.DeleteBlockedError{Kind: "workflow", ID: id, ProjectCount: n}
	}
	if err := e.Repo.DeleteWorkflow(ctx, tx, id, orgID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "workflow.deleted", OrgID: orgID, EntityKind: "workflow", EntityID: id, ActorID: actorID}, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// loadBoundWorkflow returns the workflow bound to a project.
func (e *Engine) loadBoundWorkflow(ctx context.Context, tx *sql.Tx, projectID string) (domain.Project, domain.Workflow, error) {
	p, err := e.Repo.GetProject(ctx, tx, projectID, "")
	if err != nil {
		return domain.Project{}, domain.Workflow{}, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, tx, p.WorkflowID, p.OrgID)
	if err != nil {
		return domain.Project{}, domain.Workflow{}, err
	}
	return p, wf, nil
}
