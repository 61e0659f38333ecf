package repo

import (
	"context"
	"database/sql"
	"errors"

	"flowdesk/internal/domain"
)

const projectColumns = `id,org_id,name,workflow_id,created_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.WorkflowID, &p.CreatedAt)
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO projects(id,org_id,name,workflow_id,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.WorkflowID, p.CreatedAt)
	return err
}

// GetProject returns a project. An empty orgID skips the org check.
func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id, orgID string) (domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id=?`
	args := []any{id}
	if orgID != "" {
		query += ` AND org_id=?`
		args = append(args, orgID)
	}
	p, err := scanProject(r.QueryRow(ctx, tx, query, args...))
	return p, notFound(err, "project", id)
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	rows, err := r.Query(ctx, nil, `SELECT `+projectColumns+` FROM projects WHERE org_id=? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r Repo) SetProjectWorkflow(ctx context.Context, tx *sql.Tx, projectID, workflowID string) error {
	res, err := r.Exec(ctx, tx, `UPDATE projects SET workflow_id=? WHERE id=?`, workflowID, projectID)
	if err != nil {
		return err
	}
	return requireAffected(res, "project", projectID)
}

// ProjectSchemes returns the scheme bound to a project per kind.
func (r Repo) ProjectSchemes(ctx context.Context, tx *sql.Tx, projectID string) (map[domain.SchemeKind]string, error) {
	rows, err := r.Query(ctx, tx, `SELECT kind, scheme_id FROM project_schemes WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.SchemeKind]string{}
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		out[domain.SchemeKind(kind)] = id
	}
	return out, rows.Err()
}

// ProjectScheme returns the scheme id bound to a project for kind, or "" when unbound.
func (r Repo) ProjectScheme(ctx context.Context, tx *sql.Tx, projectID string, kind domain.SchemeKind) (string, error) {
	var id string
	err := r.QueryRow(ctx, tx, `SELECT scheme_id FROM project_schemes WHERE project_id=? AND kind=?`, projectID, string(kind)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// UpsertProjectScheme binds schemeID to a project, replacing any prior binding of that kind.
// It reports whether the binding changed.
func (r Repo) UpsertProjectScheme(ctx context.Context, tx *sql.Tx, projectID string, kind domain.SchemeKind, schemeID string) (bool, error) {
	current, err := r.ProjectScheme(ctx, tx, projectID, kind)
	if err != nil {
		return false, err
	}
	if current == schemeID {
		return false, nil
	}
	_, err = r.Exec(ctx, tx, `INSERT INTO project_schemes(project_id,kind,scheme_id) VALUES (?,?,?)
		ON CONFLICT(project_id,kind) DO UPDATE SET scheme_id=excluded.scheme_id`, projectID, string(kind), schemeID)
	if err != nil {
		return false, err
	}
	return true, nil
}
