package repo

import (
	"context"
	"database/sql"

	"flowdesk/internal/domain"
)

const statusColumns = `id,org_id,name,category,created_at`

func scanStatus(sc interface{ Scan(...any) error }) (domain.Status, error) {
	var s domain.Status
	var cat string
	err := sc.Scan(&s.ID, &s.OrgID, &s.Name, &cat, &s.CreatedAt)
	s.Category = domain.StatusCategory(cat)
	return s, err
}

func (r Repo) InsertStatus(ctx context.Context, tx *sql.Tx, s domain.Status) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO statuses(id,org_id,name,category,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.OrgID, s.Name, string(s.Category), s.CreatedAt)
	return err
}

// GetStatus returns a status visible to orgID.
func (r Repo) GetStatus(ctx context.Context, tx *sql.Tx, id, orgID string) (domain.Status, error) {
	s, err := scanStatus(r.QueryRow(ctx, tx, `SELECT `+statusColumns+` FROM statuses WHERE id=? AND org_id=?`, id, orgID))
	return s, notFound(err, "status", id)
}

func (r Repo) ListStatuses(ctx context.Context, orgID string) ([]domain.Status, error) {
	rows, err := r.Query(ctx, nil, `SELECT `+statusColumns+` FROM statuses WHERE org_id=? ORDER BY created_at, name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Status
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStatusByName looks a status up by its unique per-org name.
func (r Repo) GetStatusByName(ctx context.Context, tx *sql.Tx, orgID, name string) (domain.Status, error) {
	s, err := scanStatus(r.QueryRow(ctx, tx, `SELECT `+statusColumns+` FROM statuses WHERE org_id=? AND name=?`, orgID, name))
	return s, notFound(err, "status", name)
}
