package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"flowdesk/internal/server"
	"flowdesk/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FLOWDESK_JWT_SECRET"),
				AllowDevLogin:          devLogin,
				AllowLegacyActorHeader: legacyHeader,
				Logger:                 slog.Default(),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWDESK_JWT_SECRET is required for bearer auth")
			}
			if err := telemetry.Init(ctx, "flowdesk", version); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(shutdownCtx)
			}()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.EnsureOrganization(ctx, actorID()); err != nil {
				return err
			}

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				OrgID:    a.OrgID,
				Auth:     authCfg,
				Logger:   slog.Default(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			dispatcher := server.NewWebhookDispatcher(a.Engine.Repo, a.OrgID, a.Config.Webhooks, slog.Default())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				slog.Info("serving flowdesk API", "addr", addr, "base_path", basePath, "org", a.OrgID, "webhooks", dispatcher.Active())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return dispatcher.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (never in production)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials")
	return cmd
}

func authCmd() *cobra.Command {
	au := &cobra.Command{Use: "auth", Short: "Issue API credentials"}
	var roles, perms []string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the actor with FLOWDESK_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("FLOWDESK_JWT_SECRET is required")
			}
			orgID := viper.GetString("org")
			if orgID == "" {
				a, err := openApp(cmd.Context())
				if err != nil {
					return err
				}
				orgID = a.OrgID
				a.Close()
			}
			signed, err := server.SignToken(secret, actorID(), orgID, roles, perms, ttl)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{"token": signed, "actor_id": actorID(), "org_id": orgID})
		},
	}
	token.Flags().StringSliceVar(&roles, "role", nil, "role claims")
	token.Flags().StringSliceVar(&perms, "permission", nil, "permission claims (bypass RBAC lookups)")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	au.AddCommand(token)
	return au
}
