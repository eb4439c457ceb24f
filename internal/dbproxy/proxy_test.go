// internal/dbproxy/proxy_test.go
package dbproxy

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/config"
)

// newSQLiteProxy seeds a throwaway sqlite database and wraps it in a proxy.
func newSQLiteProxy(t *testing.T) *Proxy {
	t.Helper()

	path := filepath.Join(t.TempDir(), "target.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE deployments (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO deployments (name) VALUES ('api'), ('worker'), ('cron')`)
	require.NoError(t, err)

	p := New([]config.TargetConfig{{Name: "staging", Driver: "sqlite", DSN: path}})
	t.Cleanup(p.Close)
	return p
}

func TestProxyQuery(t *testing.T) {
	p := newSQLiteProxy(t)

	result, err := p.Query(context.Background(), "staging", "SELECT name FROM deployments ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, result.Columns)
	require.Equal(t, 3, result.RowCount)
	assert.Equal(t, "api", result.Rows[0]["name"])
	assert.False(t, result.Truncated)
}

func TestProxyQueryBlocksMutation(t *testing.T) {
	p := newSQLiteProxy(t)

	_, err := p.Query(context.Background(), "staging", "DELETE FROM deployments")
	assert.ErrorIs(t, err, ErrPolicyBlocked)

	// nothing was deleted
	result, err := p.Query(context.Background(), "staging", "SELECT COUNT(*) AS n FROM deployments")
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	assert.EqualValues(t, 3, result.Rows[0]["n"])
}

func TestProxyTables(t *testing.T) {
	p := newSQLiteProxy(t)

	tables, err := p.Tables(context.Background(), "staging")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "deployments", tables[0].Name)
	assert.EqualValues(t, 3, tables[0].RowCount)
}

func TestProxyTableRows(t *testing.T) {
	p := newSQLiteProxy(t)

	result, err := p.TableRows(context.Background(), "staging", "deployments", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowCount)
	assert.Equal(t, "worker", result.Rows[0]["name"])
}

func TestProxyTableRowsRejectsUnknownTable(t *testing.T) {
	p := newSQLiteProxy(t)

	_, err := p.TableRows(context.Background(), "staging", "users", 10, 0)
	assert.Error(t, err)
}

func TestProxyTableRowsRejectsBadIdent(t *testing.T) {
	p := newSQLiteProxy(t)

	_, err := p.TableRows(context.Background(), "staging", `deployments" --`, 10, 0)
	assert.Error(t, err)
}

func TestProxyStats(t *testing.T) {
	p := newSQLiteProxy(t)

	stats, err := p.Stats(context.Background(), "staging")
	require.NoError(t, err)
	assert.True(t, stats.Reachable)
	assert.Equal(t, "sqlite", stats.Driver)
}
