package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"flowdesk/internal/domain"
)

func encodeRules(refs []domain.RuleRef) (string, error) {
	if refs == nil {
		refs = []domain.RuleRef{}
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode rules: %w", err)
	}
	return string(data), nil
}

func decodeRules(raw string) ([]domain.RuleRef, error) {
	refs := []domain.RuleRef{}
	if raw == "" {
		return refs, nil
	}
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return refs, nil
}

// InsertWorkflow writes the workflow header, its status set and its transitions.
func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	if _, err := r.Exec(ctx, tx, `INSERT INTO workflows(id,org_id,name,description,initial_status_id,is_default,created_at) VALUES (?,?,?,?,?,?,?)`,
		wf.ID, wf.OrgID, wf.Name, nullable(wf.Description), wf.InitialStatusID, r.Dialect.Bool(wf.IsDefault), wf.CreatedAt); err != nil {
		return err
	}
	for i, s := range wf.Statuses {
		if _, err := r.Exec(ctx, tx, `INSERT INTO workflow_statuses(workflow_id,status_id,position) VALUES (?,?,?)`, wf.ID, s.ID, i); err != nil {
			return err
		}
	}
	for i, t := range wf.Transitions {
		t.WorkflowID = wf.ID
		if err := r.InsertTransition(ctx, tx, t, i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, t domain.Transition, position int) error {
	conds, err := encodeRules(t.Conditions)
	if err != nil {
		return err
	}
	vals, err := encodeRules(t.Validators)
	if err != nil {
		return err
	}
	posts, err := encodeRules(t.PostFunctions)
	if err != nil {
		return err
	}
	_, err = r.Exec(ctx, tx, `INSERT INTO transitions(id,workflow_id,position,name,from_status_id,to_status_id,conditions_json,validators_json,post_functions_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WorkflowID, position, t.Name, t.FromStatusID, t.ToStatusID, conds, vals, posts)
	return err
}

// NextTransitionPosition returns the position after the last declared transition.
func (r Repo) NextTransitionPosition(ctx context.Context, tx *sql.Tx, workflowID string) (int, error) {
	var pos int
	err := r.QueryRow(ctx, tx, `SELECT COALESCE(MAX(position)+1,0) FROM transitions WHERE workflow_id=?`, workflowID).Scan(&pos)
	return pos, err
}

func (r Repo) DeleteTransition(ctx context.Context, tx *sql.Tx, workflowID, transitionID string) error {
	res, err := r.Exec(ctx, tx, `DELETE FROM transitions WHERE workflow_id=? AND id=?`, workflowID, transitionID)
	if err != nil {
		return err
	}
	return requireAffected(res, "transition", transitionID)
}

func (r Repo) DeleteWorkflow(ctx context.Context, tx *sql.Tx, id, orgID string) error {
	res, err := r.Exec(ctx, tx, `DELETE FROM workflows WHERE id=? AND org_id=?`, id, orgID)
	if err != nil {
		return err
	}
	return requireAffected(res, "workflow", id)
}

func (r Repo) CountProjectsUsingWorkflow(ctx context.Context, tx *sql.Tx, workflowID string) (int, error) {
	var n int
	err := r.QueryRow(ctx, tx, `SELECT COUNT(*) FROM projects WHERE workflow_id=?`, workflowID).Scan(&n)
	return n, err
}

// AddWorkflowStatus appends a status to the workflow's status set if absent.
func (r Repo) AddWorkflowStatus(ctx context.Context, tx *sql.Tx, workflowID, statusID string) error {
	var pos int
	if err := r.QueryRow(ctx, tx, `SELECT COALESCE(MAX(position)+1,0) FROM workflow_statuses WHERE workflow_id=?`, workflowID).Scan(&pos); err != nil {
		return err
	}
	_, err := r.Exec(ctx, tx, `INSERT INTO workflow_statuses(workflow_id,status_id,position) VALUES (?,?,?) ON CONFLICT DO NOTHING`, workflowID, statusID, pos)
	return err
}

func scanWorkflowHeader(row interface{ Scan(...any) error }) (domain.Workflow, error) {
	var wf domain.Workflow
	var isDefault int
	err := row.Scan(&wf.ID, &wf.OrgID, &wf.Name, &wf.Description, &wf.InitialStatusID, &isDefault, &wf.CreatedAt)
	wf.IsDefault = isDefault != 0
	return wf, err
}

const workflowColumns = `id,org_id,name,COALESCE(description,''),initial_status_id,CASE WHEN is_default THEN 1 ELSE 0 END,created_at`

// GetWorkflow loads a workflow with its statuses and transitions. An empty orgID skips the org check.
func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, id, orgID string) (domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id=?`
	args := []any{id}
	if orgID != "" {
		query += ` AND org_id=?`
		args = append(args, orgID)
	}
	wf, err := scanWorkflowHeader(r.QueryRow(ctx, tx, query, args...))
	if err != nil {
		return domain.Workflow{}, notFound(err, "workflow", id)
	}
	if err := r.loadWorkflowBody(ctx, tx, &wf); err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

func (r Repo) loadWorkflowBody(ctx context.Context, tx *sql.Tx, wf *domain.Workflow) error {
	rows, err := r.Query(ctx, tx, `SELECT s.id,s.org_id,s.name,s.category,s.created_at FROM workflow_statuses ws JOIN statuses s ON s.id=ws.status_id WHERE ws.workflow_id=? ORDER BY ws.position`, wf.ID)
	if err != nil {
		return err
	}
	wf.Statuses = nil
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			rows.Close()
			return err
		}
		wf.Statuses = append(wf.Statuses, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = r.Query(ctx, tx, `SELECT id,workflow_id,name,from_status_id,to_status_id,conditions_json,validators_json,post_functions_json FROM transitions WHERE workflow_id=? ORDER BY position`, wf.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	wf.Transitions = nil
	for rows.Next() {
		var t domain.Transition
		var conds, vals, posts string
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.Name, &t.FromStatusID, &t.ToStatusID, &conds, &vals, &posts); err != nil {
			return err
		}
		if t.Conditions, err = decodeRules(conds); err != nil {
			return err
		}
		if t.Validators, err = decodeRules(vals); err != nil {
			return err
		}
		if t.PostFunctions, err = decodeRules(posts); err != nil {
			return err
		}
		wf.Transitions = append(wf.Transitions, t)
	}
	return rows.Err()
}

// ListWorkflows returns workflow headers for an org without statuses or transitions.
func (r Repo) ListWorkflows(ctx context.Context, orgID string) ([]domain.Workflow, error) {
	rows, err := r.Query(ctx, nil, `SELECT `+workflowColumns+` FROM workflows WHERE org_id=? ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflowHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// DefaultWorkflowID returns the org's default workflow.
func (r Repo) DefaultWorkflowID(ctx context.Context, tx *sql.Tx, orgID string) (string, error) {
	var id string
	err := r.QueryRow(ctx, tx, `SELECT id FROM workflows WHERE org_id=? AND is_default=? ORDER BY created_at LIMIT 1`, orgID, r.Dialect.Bool(true)).Scan(&id)
	return id, notFound(err, "default workflow", orgID)
}

// ClearDefaultWorkflow unsets the default flag on every workflow of an org.
func (r Repo) ClearDefaultWorkflow(ctx context.Context, tx *sql.Tx, orgID string) error {
	_, err := r.Exec(ctx, tx, `UPDATE workflows SET is_default=? WHERE org_id=?`, r.Dialect.Bool(false), orgID)
	return err
}
