package repo

import (
	"context"
	"database/sql"
	"fmt"

	"flowdesk/internal/domain"
)

const issueColumns = `id,project_id,title,COALESCE(description,''),status_id,assignee_id,reporter_id,COALESCE(resolution,''),COALESCE(security_level,''),version,created_at,updated_at`

func scanIssue(row interface{ Scan(...any) error }) (domain.Issue, error) {
	var i domain.Issue
	var assignee sql.NullString
	err := row.Scan(&i.ID, &i.ProjectID, &i.Title, &i.Description, &i.StatusID, &assignee, &i.ReporterID,
		&i.Resolution, &i.SecurityLevel, &i.Version, &i.CreatedAt, &i.UpdatedAt)
	if assignee.Valid {
		v := assignee.String
		i.AssigneeID = &v
	}
	return i, err
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	if i.Version == 0 {
		i.Version = 1
	}
	_, err := r.Exec(ctx, tx, `INSERT INTO issues(id,project_id,title,description,status_id,assignee_id,reporter_id,resolution,security_level,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.ProjectID, i.Title, nullable(i.Description), i.StatusID, nullableStringPtr(i.AssigneeID), i.ReporterID,
		nullable(i.Resolution), nullable(i.SecurityLevel), i.Version, i.CreatedAt, i.UpdatedAt)
	return err
}

func (r Repo) GetIssue(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	i, err := scanIssue(r.QueryRow(ctx, tx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
	return i, notFound(err, "issue", id)
}

type IssueFilters struct {
	ProjectID string
	StatusID  string
	Assignee  string
	Limit     int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE project_id=?`
	args := []any{f.ProjectID}
	if f.StatusID != "" {
		query += ` AND status_id=?`
		args = append(args, f.StatusID)
	}
	if f.Assignee != "" {
		query += ` AND assignee_id=?`
		args = append(args, f.Assignee)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.Query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// CompareAndSwapStatus moves an issue to newStatus only if it is still in expected
// at version. It reports whether a row was updated.
func (r Repo) CompareAndSwapStatus(ctx context.Context, tx *sql.Tx, issueID, newStatus, expected string, version int64, now string) (bool, error) {
	res, err := r.Exec(ctx, tx, `UPDATE issues SET status_id=?, version=version+1, updated_at=? WHERE id=? AND status_id=? AND version=?`,
		newStatus, now, issueID, expected, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var issueFieldColumns = map[string]string{
	"title":          "title",
	"description":    "description",
	"assignee":       "assignee_id",
	"resolution":     "resolution",
	"security_level": "security_level",
}

// SetIssueField writes a single editable field. Status and reporter are not editable here.
func (r Repo) SetIssueField(ctx context.Context, tx *sql.Tx, issueID, field, value, now string) error {
	col, ok := issueFieldColumns[field]
	if !ok {
		return fmt.Errorf("field %q is not editable", field)
	}
	var v any = nullable(value)
	if field == "title" {
		if value == "" {
			return fmt.Errorf("title cannot be empty")
		}
		v = value
	}
	res, err := r.Exec(ctx, tx, fmt.Sprintf(`UPDATE issues SET %s=?, version=version+1, updated_at=? WHERE id=?`, col), v, now, issueID)
	if err != nil {
		return err
	}
	return requireAffected(res, "issue", issueID)
}

// EditableIssueField reports whether SetIssueField accepts the named field.
func EditableIssueField(field string) bool {
	_, ok := issueFieldColumns[field]
	return ok
}
