package repo

import (
	"context"
	"database/sql"
)

func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID, role string) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO org_roles(org_id, actor_id, role) VALUES (?,?,?) ON CONFLICT DO NOTHING`, orgID, actorID, role)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO roles(id, description) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, id, nullable(desc))
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO permissions(id, description) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, id, nullable(desc))
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO role_permissions(role_id, permission_id) VALUES (?,?) ON CONFLICT DO NOTHING`, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO actor_roles(project_id, actor_id, role_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`, projectID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := r.Exec(ctx, tx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`, projectID, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	return r.Strings(ctx, tx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=? ORDER BY role_id`, projectID, actorID)
}

func (r Repo) OrgRoles(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	return r.Strings(ctx, tx, `SELECT role FROM org_roles WHERE org_id=? AND actor_id=? ORDER BY role`, orgID, actorID)
}

// ActorsWithRole lists the actors holding roleID on a project.
func (r Repo) ActorsWithRole(ctx context.Context, tx *sql.Tx, projectID, roleID string) ([]string, error) {
	return r.Strings(ctx, tx, `SELECT actor_id FROM actor_roles WHERE project_id=? AND role_id=? ORDER BY actor_id`, projectID, roleID)
}

func (r Repo) Strings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.Query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
