package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
	"flowdesk/internal/notify"
	"flowdesk/internal/repo"
)

type Options struct {
	Workspace string
	Driver    string
	DSN       string
	// OrgID overrides organization.id from flowdesk.yml.
	OrgID  string
	Logger *slog.Logger
}

// App is an opened workspace: a migrated database, its config and the engine over both.
type App struct {
	Conn      *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
	OrgID     string
	Workspace string
	Notifier  notify.Notifier

	closers []func() error
}

// Open loads flowdesk.yml (falling back to defaults), opens and migrates the
// database and builds the engine. The notifier is Redis-backed when
// notifications.redis_url is set.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		orgID := opts.OrgID
		if orgID == "" {
			orgID = "default-org"
		}
		cfg = config.Default(orgID)
	}
	orgID := opts.OrgID
	if orgID == "" {
		orgID = cfg.Organization.ID
	}

	dbCfg := db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	a := &App{Conn: conn, Config: cfg, OrgID: orgID, Workspace: opts.Workspace}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateDialect(conn, dbCfg.Dialect()); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	notifier, closeNotifier, err := NewNotifier(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeNotifier != nil {
		a.closers = append(a.closers, closeNotifier)
	}
	a.Notifier = notifier
	a.Engine = engine.New(conn, cfg, engine.Options{
		Dialect:  dbCfg.Dialect(),
		Notifier: notifier,
		Logger:   logger,
	})
	return a, nil
}

// NewNotifier returns the sink used by the notify post-function and a closer
// for it, if any.
func NewNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, func() error, error) {
	if cfg == nil || cfg.Notifications.RedisURL == "" {
		return notify.LogNotifier{Logger: logger}, nil, nil
	}
	n, err := notify.NewRedisNotifier(cfg.Notifications.RedisURL, cfg.Notifications.Stream)
	if err != nil {
		return nil, nil, fmt.Errorf("redis notifier: %w", err)
	}
	return n, n.Close, nil
}

// RecentNotifications reads back the newest notifications from the configured feed.
func (a *App) RecentNotifications(ctx context.Context, count int64) ([]notify.Notification, error) {
	feed, ok := a.Notifier.(notify.Feed)
	if !ok {
		return nil, errors.New("notifications are only logged; set notifications.redis_url to keep a feed")
	}
	return feed.Recent(ctx, count)
}

// EnsureOrganization initializes the app's organization on first use.
func (a *App) EnsureOrganization(ctx context.Context, actorID string) error {
	if _, err := a.Engine.Repo.GetOrg(ctx, a.OrgID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if actorID == "" {
		actorID = "local-user"
	}
	name := a.OrgID
	if a.Config.Organization.ID == a.OrgID && a.Config.Organization.Name != "" {
		name = a.Config.Organization.Name
	}
	_, err := a.Engine.InitOrganization(ctx, a.OrgID, name, actorID)
	return err
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
