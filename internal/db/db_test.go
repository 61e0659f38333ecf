package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{SQLite, `SELECT * FROM t WHERE a=? AND b=?`, `SELECT * FROM t WHERE a=? AND b=?`},
		{Postgres, `SELECT * FROM t WHERE a=? AND b=?`, `SELECT * FROM t WHERE a=$1 AND b=$2`},
		{Postgres, `SELECT '?' FROM t WHERE a=?`, `SELECT '?' FROM t WHERE a=$1`},
		{Postgres, `SELECT 1`, `SELECT 1`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.dialect.Rebind(tt.in))
	}
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())

	_, err = os.Stat(filepath.Join(dir, ".flowdesk", "flowdesk.db"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".flowdesk", "flowdesk.db"), Path(dir))
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"})
	require.Error(t, err)
	assert.Equal(t, Postgres, Config{Driver: "POSTGRES"}.Dialect())
	assert.Equal(t, SQLite, Config{}.Dialect())
}
