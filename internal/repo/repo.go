package repo

import (
	"context"
	"database/sql"
	"errors"

	"flowdesk/internal/db"
	"flowdesk/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = domain.ErrNotFound

// Rebind adapts a ?-placeholder query to the repo's dialect.
func (r Repo) Rebind(query string) string {
	return r.Dialect.Rebind(query)
}

func (r Repo) Exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	query = r.Rebind(query)
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

func (r Repo) Query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	query = r.Rebind(query)
	if tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return r.DB.QueryContext(ctx, query, args...)
}

func (r Repo) QueryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	query = r.Rebind(query)
	if tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return r.DB.QueryRowContext(ctx, query, args...)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := r.Exec(ctx, tx, `INSERT INTO organizations(id, name, created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.QueryRow(ctx, nil, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).Scan(&o.ID, &o.Name, &o.CreatedAt)
	return o, notFound(err, "organization", id)
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, actorID, now)
	return err
}
