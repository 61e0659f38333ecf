package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"flowdesk/internal/repo"
)

// API permissions checked by the REST facade and the CLI.
const (
	PermWorkflowAdmin   = "workflow.admin"
	PermSchemeAdmin     = "scheme.admin"
	PermProjectAdmin    = "project.admin"
	PermIssueCreate     = "issue.create"
	PermIssueRead       = "issue.read"
	PermIssueTransition = "issue.transition"
	PermEventsRead      = "events.read"
)

// AllPermissions lists every permission in a stable order.
var AllPermissions = []string{
	PermWorkflowAdmin, PermSchemeAdmin, PermProjectAdmin,
	PermIssueCreate, PermIssueRead, PermIssueTransition, PermEventsRead,
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL. Org roles apply to every project
// of the organization; project roles apply to one project.
type Service struct {
	Repo repo.Repo
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, orgID, projectID, actorID, perm string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	var n int
	err := s.Repo.QueryRow(ctx, tx, `
SELECT 1 FROM org_roles o
JOIN role_permissions rp ON rp.role_id=o.role
WHERE o.org_id=? AND o.actor_id=? AND rp.permission_id=? LIMIT 1`,
		orgID, actorID, perm).Scan(&n)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if projectID == "" {
		return false, nil
	}
	err = s.Repo.QueryRow(ctx, tx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		projectID, actorID, perm).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError when the actor lacks perm.
func (s Service) Require(ctx context.Context, orgID, projectID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, nil, orgID, projectID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// ActorRoles returns the union of the actor's org roles and project roles.
func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, orgID, projectID, actorID string) ([]string, error) {
	roles, err := s.Repo.OrgRoles(ctx, tx, orgID, actorID)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return roles, nil
	}
	projectRoles, err := s.Repo.ActorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return nil, err
	}
	return append(roles, projectRoles...), nil
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, orgID, projectID, actorID string) ([]string, error) {
	return s.Repo.Strings(ctx, tx, `
SELECT DISTINCT rp.permission_id FROM role_permissions rp
WHERE rp.role_id IN (SELECT role FROM org_roles WHERE org_id=? AND actor_id=?)
   OR rp.role_id IN (SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=?)
ORDER BY rp.permission_id`, orgID, actorID, projectID, actorID)
}
