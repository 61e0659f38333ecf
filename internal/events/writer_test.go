package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/internal/db"
	"flowdesk/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func TestAppendCommitsWithTransaction(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := Writer{Dialect: db.SQLite, Now: func() time.Time { return fixed }}

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, Record{Type: "scheme.cloned", OrgID: "acme", EntityKind: "scheme", EntityID: "s2", ActorID: "alice"},
		EventPayload{"parent_id": "s1"}))
	require.NoError(t, tx.Rollback())

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Zero(t, n)

	tx, err = conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, Record{Type: "status.created", OrgID: "acme", EntityKind: "status", ActorID: "alice"}, nil))
	require.NoError(t, tx.Commit())

	var ts, payload string
	var project sql.NullString
	require.NoError(t, conn.QueryRow(`SELECT ts,project_id,payload_json FROM events`).Scan(&ts, &project, &payload))
	assert.Equal(t, "2026-03-01T12:00:00Z", ts)
	assert.False(t, project.Valid)
	assert.Equal(t, "{}", payload)
}

func TestAppendChecksRecord(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	w := Writer{Dialect: db.SQLite}

	assert.Error(t, w.Append(ctx, nil, Record{Type: "x", EntityKind: "issue", ActorID: "a"}, nil))

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.Error(t, w.Append(ctx, tx, Record{EntityKind: "issue", ActorID: "a"}, nil))
	assert.Error(t, w.Append(ctx, tx, Record{Type: "issue.created", ActorID: "a"}, nil))
	require.NoError(t, w.Append(ctx, tx, Record{Type: "issue.created", EntityKind: "issue"}, nil))
	var actor string
	require.NoError(t, tx.QueryRow(`SELECT actor_id FROM events WHERE type='issue.created'`).Scan(&actor))
	assert.Equal(t, SystemActor, actor)
}
