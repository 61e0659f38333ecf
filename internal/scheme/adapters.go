package scheme

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"flowdesk/internal/domain"
	"flowdesk/internal/repo"
)

func validHolder(t string, allowAnyone bool) bool {
	switch t {
	case domain.HolderUser, domain.HolderRole, domain.HolderAssignee, domain.HolderReporter:
		return true
	case domain.HolderAnyone:
		return allowAnyone
	}
	return false
}

func needsParam(t string) bool {
	return t == domain.HolderUser || t == domain.HolderRole
}

type PermissionAdapter struct{}

func (PermissionAdapter) Kind() domain.SchemeKind { return domain.SchemePermission }

func (PermissionAdapter) LoadEntries(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string) ([]domain.PermissionGrant, error) {
	rows, err := r.Query(ctx, tx, `SELECT permission,holder_type,COALESCE(holder_param,'') FROM permission_scheme_entries WHERE scheme_id=? ORDER BY position, id`, schemeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PermissionGrant
	for rows.Next() {
		var g domain.PermissionGrant
		if err := rows.Scan(&g.Permission, &g.HolderType, &g.HolderParam); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (PermissionAdapter) InsertEntry(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string, position int, g domain.PermissionGrant) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO permission_scheme_entries(scheme_id,position,permission,holder_type,holder_param) VALUES (?,?,?,?,?)`,
		schemeID, position, g.Permission, g.HolderType, nullable(g.HolderParam))
	return err
}

func (PermissionAdapter) RemoveEntry(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string, index int) error {
	return r.DeleteEntryAt(ctx, tx, "permission_scheme_entries", schemeID, index)
}

func (PermissionAdapter) NextPosition(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string) (int, error) {
	return r.NextEntryPosition(ctx, tx, "permission_scheme_entries", schemeID)
}

func (PermissionAdapter) CopyEntry(g domain.PermissionGrant) domain.PermissionGrant { return g }

func (PermissionAdapter) ValidateEntry(g domain.PermissionGrant) error {
	if g.Permission == "" {
		return errors.New("permission required")
	}
	if !validHolder(g.HolderType, true) {
		return fmt.Errorf("unknown holder type %q", g.HolderType)
	}
	if needsParam(g.HolderType) && g.HolderParam == "" {
		return fmt.Errorf("holder type %s requires holder_param", g.HolderType)
	}
	return nil
}

type NotificationAdapter struct{}

func (NotificationAdapter) Kind() domain.SchemeKind { return domain.SchemeNotification }

func (NotificationAdapter) LoadEntries(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string) ([]domain.NotificationRule, error) {
	rows, err := r.Query(ctx, tx, `SELECT event,recipient_type,COALESCE(recipient_param,''),channels_json FROM notification_scheme_entries WHERE scheme_id=? ORDER BY position, id`, schemeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.NotificationRule
	for rows.Next() {
		var n domain.NotificationRule
		var channels string
		if err := rows.Scan(&n.Event, &n.RecipientType, &n.RecipientParam, &channels); err != nil {
			return nil, err
		}
		if channels != "" {
			if err := json.Unmarshal([]byte(channels), &n.Channels); err != nil {
				return nil, fmt.Errorf("decode channels: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (NotificationAdapter) InsertEntry(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string, position int, n domain.NotificationRule) error {
	channels := n.Channels
	if channels == nil {
		channels = []string{}
	}
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	_, err = r.Exec(ctx, tx, `INSERT INTO notification_scheme_entries(scheme_id,position,event,recipient_type,recipient_param,channels_json) VALUES (?,?,?,?,?,?)`,
		schemeID, position, n.Event, n.RecipientType, nullable(n.RecipientParam), string(data))
	return err
}

func (NotificationAdapter) RemoveEntry(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string, index int) error {
	return r.DeleteEntryAt(ctx, tx, "notification_scheme_entries", schemeID, index)
}

func (NotificationAdapter) NextPosition(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string) (int, error) {
	return r.NextEntryPosition(ctx, tx, "notification_scheme_entries", schemeID)
}

// CopyEntry clones the channel slice so the copy never aliases the source.
func (NotificationAdapter) CopyEntry(n domain.NotificationRule) domain.NotificationRule {
	n.Channels = slices.Clone(n.Channels)
	return n
}

func (NotificationAdapter) ValidateEntry(n domain.NotificationRule) error {
	if n.Event == "" {
		return errors.New("event required")
	}
	if !validHolder(n.RecipientType, false) {
		return fmt.Errorf("unknown recipient type %q", n.RecipientType)
	}
	if needsParam(n.RecipientType) && n.RecipientParam == "" {
		return fmt.Errorf("recipient type %s requires recipient_param", n.RecipientType)
	}
	return nil
}

type SecurityAdapter struct{}

func (SecurityAdapter) Kind() domain.SchemeKind { return domain.SchemeSecurity }

func (SecurityAdapter) LoadEntries(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string) ([]domain.SecurityLevelMember, error) {
	rows, err := r.Query(ctx, tx, `SELECT level,member_type,COALESCE(member_param,'') FROM security_scheme_levels WHERE scheme_id=? ORDER BY position, id`, schemeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SecurityLevelMember
	for rows.Next() {
		var m domain.SecurityLevelMember
		if err := rows.Scan(&m.Level, &m.MemberType, &m.MemberParam); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (SecurityAdapter) InsertEntry(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string, position int, m domain.SecurityLevelMember) error {
	_, err := r.Exec(ctx, tx, `INSERT INTO security_scheme_levels(scheme_id,position,level,member_type,member_param) VALUES (?,?,?,?,?)`,
		schemeID, position, m.Level, m.MemberType, nullable(m.MemberParam))
	return err
}

func (SecurityAdapter) RemoveEntry(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string, index int) error {
	return r.DeleteEntryAt(ctx, tx, "security_scheme_levels", schemeID, index)
}

func (SecurityAdapter) NextPosition(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string) (int, error) {
	return r.NextEntryPosition(ctx, tx, "security_scheme_levels", schemeID)
}

func (SecurityAdapter) CopyEntry(m domain.SecurityLevelMember) domain.SecurityLevelMember { return m }

func (SecurityAdapter) ValidateEntry(m domain.SecurityLevelMember) error {
	if m.Level == "" {
		return errors.New("level required")
	}
	if !validHolder(m.MemberType, true) {
		return fmt.Errorf("unknown member type %q", m.MemberType)
	}
	if needsParam(m.MemberType) && m.MemberParam == "" {
		return fmt.Errorf("member type %s requires member_param", m.MemberType)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

type (
	PermissionRegistry   = Registry[domain.PermissionGrant]
	NotificationRegistry = Registry[domain.NotificationRule]
	SecurityRegistry     = Registry[domain.SecurityLevelMember]
)

// Registries bundles one registry per scheme kind.
type Registries struct {
	Permission   *PermissionRegistry
	Notification *NotificationRegistry
	Security     *SecurityRegistry
}

func NewRegistries(r repo.Repo) Registries {
	return Registries{
		Permission:   NewRegistry[domain.PermissionGrant](r, PermissionAdapter{}),
		Notification: NewRegistry[domain.NotificationRule](r, NotificationAdapter{}),
		Security:     NewRegistry[domain.SecurityLevelMember](r, SecurityAdapter{}),
	}
}

// Grants reports whether a holder (grant, recipient or level member) matches actorID.
// roles are the actor's project roles; issue may be nil outside an issue context.
func Grants(holderType, holderParam, actorID string, roles []string, issue *domain.Issue) bool {
	switch holderType {
	case domain.HolderAnyone:
		return actorID != ""
	case domain.HolderUser:
		return holderParam == actorID
	case domain.HolderRole:
		return slices.Contains(roles, holderParam)
	case domain.HolderAssignee:
		return issue != nil && issue.AssigneeID != nil && *issue.AssigneeID == actorID
	case domain.HolderReporter:
		return issue != nil && issue.ReporterID == actorID
	}
	return false
}
