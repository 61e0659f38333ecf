package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine/auth"
	"flowdesk/internal/events"
	"flowdesk/internal/notify"
	"flowdesk/internal/repo"
	"flowdesk/internal/rules"
	"flowdesk/internal/scheme"
	"flowdesk/internal/workflow"
)

// Engine is the composition root: it binds projects to workflows and schemes
// and runs issue transitions against the bound workflow.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Schemes  scheme.Registries
	Rules    *rules.Registry
	Workflow *workflow.Engine
	Logger   *slog.Logger
	Now      func() time.Time
}

type Options struct {
	Dialect  db.Dialect
	Notifier notify.Notifier
	Webhooks notify.WebhookPoster
	Logger   *slog.Logger
}

func New(conn *sql.DB, cfg *config.Config, opts Options) *Engine {
	if opts.Dialect == "" {
		opts.Dialect = db.SQLite
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: conn, Dialect: opts.Dialect}
	e := &Engine{
		DB:      conn,
		Repo:    r,
		Events:  events.Writer{Dialect: opts.Dialect},
		Auth:    auth.Service{Repo: r},
		Config:  cfg,
		Schemes: scheme.NewRegistries(r),
		Logger:  logger,
		Now:     time.Now,
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	e.Rules = rules.NewBuiltinRegistry(rules.Deps{
		Permissions: e,
		Recipients:  e,
		Notifier:    notifier,
		Issues:      e,
		Webhooks:    opts.Webhooks,
		Now:         e.now,
	})
	e.Workflow = workflow.New(e, e.Rules)
	e.Workflow.RuleTimeout = cfg.RuleTimeout()
	e.Workflow.Logger = logger
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) requireOrg(ctx context.Context, orgID string) error {
	if orgID == "" {
		return errors.New("organization is required")
	}
	_, err := e.Repo.GetOrg(ctx, orgID)
	return err
}

// InitOrganization creates the organization, seeds RBAC from config, grants the
// actor the owner role and installs the default workflow when none exists.
func (e *Engine) InitOrganization(ctx context.Context, orgID, name, actorID string) (domain.Organization, error) {
	if orgID == "" {
		return domain.Organization{}, errors.New("organization id required")
	}
	if actorID == "" {
		return domain.Organization{}, errors.New("actor_id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()
	now := e.stamp()
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return domain.Organization{}, fmt.Errorf("insert organization: %w", err)
	}
	if err := e.seedRBAC(ctx, tx); err != nil {
		return domain.Organization{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Organization{}, err
	}
	if err := e.Repo.AssignOrgRole(ctx, tx, orgID, actorID, "owner"); err != nil {
		return domain.Organization{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "organization.init", OrgID: orgID, EntityKind: "organization", EntityID: orgID, ActorID: actorID}, nil); err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	if _, err := e.Repo.DefaultWorkflowID(ctx, nil, orgID); errors.Is(err, repo.ErrNotFound) {
		if _, err := e.CreateWorkflow(ctx, orgID, config.DefaultWorkflow(), actorID); err != nil {
			return domain.Organization{}, fmt.Errorf("install default workflow: %w", err)
		}
	} else if err != nil {
		return domain.Organization{}, err
	}
	return e.Repo.GetOrg(ctx, orgID)
}

func (e *Engine) seedRBAC(ctx context.Context, tx *sql.Tx) error {
	roles := map[string]config.RBACRole{
		"owner": {Description: "Full access", Permissions: auth.AllPermissions},
	}
	if e.Config != nil && len(e.Config.RBAC.Roles) > 0 {
		roles = e.Config.RBAC.Roles
	}
	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		role := roles[id]
		if err := e.Repo.InsertRole(ctx, tx, id, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", id, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, id, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

// GrantOrgRole gives an actor a role across the organization.
func (e *Engine) GrantOrgRole(ctx context.Context, orgID, actorID, role, grantedBy string) error {
	return e.grant(ctx, orgID, "", actorID, role, grantedBy)
}

// GrantProjectRole gives an actor a role on one project.
func (e *Engine) GrantProjectRole(ctx context.Context, orgID, projectID, actorID, role, grantedBy string) error {
	if projectID == "" {
		return errors.New("project required")
	}
	return e.grant(ctx, orgID, projectID, actorID, role, grantedBy)
}

func (e *Engine) grant(ctx context.Context, orgID, projectID, actorID, role, grantedBy string) error {
	if actorID == "" || role == "" {
		return errors.New("actor and role required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var known int
	if err := e.Repo.QueryRow(ctx, tx, `SELECT COUNT(*) FROM roles WHERE id=?`, role).Scan(&known); err != nil {
		return err
	}
	if known == 0 {
		return domain.NotFoundError{Kind: "role", ID: role}
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.stamp()); err != nil {
		return err
	}
	if projectID == "" {
		err = e.Repo.AssignOrgRole(ctx, tx, orgID, actorID, role)
	} else {
		if _, err := e.Repo.GetProject(ctx, tx, projectID, orgID); err != nil {
			return err
		}
		err = e.Repo.AssignRole(ctx, tx, projectID, actorID, role)
	}
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "rbac.granted", OrgID: orgID, ProjectID: projectID, EntityKind: "actor", EntityID: actorID, ActorID: grantedBy},
		events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey issues a new key for actorID and returns the plaintext once.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	plain := "fd_" + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// ListEvents returns audit events newest first.
func (e *Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, f)
}
