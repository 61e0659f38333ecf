package repo

import (
	"context"
	"database/sql"

	"flowdesk/internal/domain"
)

// SchemeRow is the kind-independent part of a scheme.
type SchemeRow struct {
	ID          string
	OrgID       string
	Kind        domain.SchemeKind
	Name        string
	Description string
	IsDefault   bool
	ParentID    *string
	CreatedAt   string
}

const schemeColumns = `id,org_id,kind,name,COALESCE(description,''),CASE WHEN is_default THEN 1 ELSE 0 END,parent_id,created_at`

func scanScheme(row interface{ Scan(...any) error }) (SchemeRow, error) {
	var s SchemeRow
	var kind string
	var isDefault int
	var parent sql.NullString
	err := row.Scan(&s.ID, &s.OrgID, &kind, &s.Name, &s.Description, &isDefault, &parent, &s.CreatedAt)
	s.Kind = domain.SchemeKind(kind)
	s.IsDefault = isDefault != 0
	if parent.Valid {
		v := parent.String
		s.ParentID = &v
	}
	return s, err
}

func (r Repo) InsertScheme(ctx context.Context, tx *sql.Tx, s SchemeRow) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO schemes(id,org_id,kind,name,description,is_default,parent_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.OrgID, string(s.Kind), s.Name, nullable(s.Description), r.Dialect.Bool(s.IsDefault), nullableStringPtr(s.ParentID), s.CreatedAt)
	return err
}

// GetScheme returns a scheme of the given kind owned by orgID.
func (r Repo) GetScheme(ctx context.Context, tx *sql.Tx, id, orgID string, kind domain.SchemeKind) (SchemeRow, error) {
	s, err := scanScheme(r.QueryRow(ctx, tx, `SELECT `+schemeColumns+` FROM schemes WHERE id=? AND org_id=? AND kind=?`, id, orgID, string(kind)))
	return s, notFound(err, string(kind)+" scheme", id)
}

func (r Repo) ListSchemes(ctx context.Context, orgID string, kind domain.SchemeKind) ([]SchemeRow, error) {
	rows, err := r.Query(ctx, nil, `SELECT `+schemeColumns+` FROM schemes WHERE org_id=? AND kind=? ORDER BY name`, orgID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SchemeRow
	for rows.Next() {
		s, err := scanScheme(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) DeleteScheme(ctx context.Context, tx *sql.Tx, id, orgID string) error {
	res, err := r.Exec(ctx, tx, `DELETE FROM schemes WHERE id=? AND org_id=?`, id, orgID)
	if err != nil {
		return err
	}
	return requireAffected(res, "scheme", id)
}

// SchemeNameTaken reports whether orgID already has a scheme of kind named name.
func (r Repo) SchemeNameTaken(ctx context.Context, tx *sql.Tx, orgID string, kind domain.SchemeKind, name string) (bool, error) {
	var n int
	err := r.QueryRow(ctx, tx, `SELECT COUNT(*) FROM schemes WHERE org_id=? AND kind=? AND name=?`, orgID, string(kind), name).Scan(&n)
	return n > 0, err
}

// CountProjectsUsingScheme counts projects of orgID bound to the scheme.
func (r Repo) CountProjectsUsingScheme(ctx context.Context, tx *sql.Tx, schemeID, orgID string) (int, error) {
	var n int
	err := r.QueryRow(ctx, tx, `SELECT COUNT(*) FROM project_schemes ps JOIN projects p ON p.id=ps.project_id WHERE ps.scheme_id=? AND p.org_id=?`,
		schemeID, orgID).Scan(&n)
	return n, err
}

// NextEntryPosition returns the position after the last entry of a scheme in an entry table.
func (r Repo) NextEntryPosition(ctx context.Context, tx *sql.Tx, table, schemeID string) (int, error) {
	var pos int
	err := r.QueryRow(ctx, tx, `SELECT COALESCE(MAX(position)+1,0) FROM `+table+` WHERE scheme_id=?`, schemeID).Scan(&pos)
	return pos, err
}

// DeleteEntryAt removes the entry at a 0-based index in scheme order.
func (r Repo) DeleteEntryAt(ctx context.Context, tx *sql.Tx, table, schemeID string, index int) error {
	var id int64
	err := r.QueryRow(ctx, tx, `SELECT id FROM `+table+` WHERE scheme_id=? ORDER BY position, id LIMIT 1 OFFSET ?`, schemeID, index).Scan(&id)
	if err != nil {
		return notFound(err, "scheme entry", schemeID)
	}
	_, err = r.Exec(ctx, tx, `DELETE FROM `+table+` WHERE id=?`, id)
	return err
}
