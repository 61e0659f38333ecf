package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/internal/config"
	"flowdesk/internal/notify"
)

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), OrgID: "acme"})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "acme", a.OrgID)
	require.NoError(t, a.EnsureOrganization(ctx, "ana"))
	require.NoError(t, a.EnsureOrganization(ctx, "ana"))

	wfs, err := a.Engine.ListWorkflows(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, wfs, 1)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "flowdesk.yml"), []byte(config.GenerateDefault("umbrella")), 0o644))

	a, err := Open(context.Background(), Options{Workspace: ws})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "umbrella", a.OrgID)
	assert.Equal(t, "umbrella", a.Config.Organization.ID)
}

func TestNewNotifierDefaultsToLog(t *testing.T) {
	n, closer, err := NewNotifier(config.Default("acme"), nil)
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, notify.LogNotifier{}, n)
}

func TestRecentNotificationsReadsRedisFeed(t *testing.T) {
	mr := miniredis.RunT(t)
	ws := t.TempDir()
	cfg := strings.Replace(config.GenerateDefault("acme"), `redis_url: ""`, "redis_url: redis://"+mr.Addr(), 1)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "flowdesk.yml"), []byte(cfg), 0o644))

	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: ws})
	require.NoError(t, err)
	defer a.Close()
	require.IsType(t, &notify.RedisNotifier{}, a.Notifier)

	require.NoError(t, a.Notifier.Notify(ctx, notify.Notification{Event: "issue.transitioned", IssueID: "WEB-1"}))
	items, err := a.RecentNotifications(ctx, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "WEB-1", items[0].IssueID)
}

func TestRecentNotificationsWithoutFeed(t *testing.T) {
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), OrgID: "acme"})
	require.NoError(t, err)
	defer a.Close()
	_, err = a.RecentNotifications(context.Background(), 5)
	assert.Error(t, err)
}
