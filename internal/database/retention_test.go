// internal/database/retention_test.go
package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSweeperStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSweepPrunesOnlyAgedData(t *testing.T) {
	store := newSweeperStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now().Add(-time.Hour)

	require.NoError(t, store.AppendHistory(ctx, &CommandHistoryEntry{
		ServerID: "srv-1", Command: "uptime", Executor: "admin", StartedAt: old,
	}))
	require.NoError(t, store.AppendHistory(ctx, &CommandHistoryEntry{
		ServerID: "srv-1", Command: "uptime", Executor: "admin", StartedAt: fresh,
	}))
	require.NoError(t, store.AppendPing(ctx, &MonitorPing{
		MonitorID: "mon-1", Timestamp: old, Success: true,
	}))
	require.NoError(t, store.AppendServerMetrics(ctx, &ServerMetrics{
		ServerID: "srv-1", Timestamp: old, CPUPercent: 10,
	}))

	sweeper := NewSweeper(store, time.Hour, 24*time.Hour)
	sweeper.Sweep(ctx)

	history, err := store.GetHistory(ctx, HistoryFilters{ServerID: "srv-1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.WithinDuration(t, fresh, history[0].StartedAt, time.Second)

	pings, err := store.GetPings(ctx, PingFilters{MonitorID: "mon-1"})
	require.NoError(t, err)
	assert.Empty(t, pings)

	samples, err := store.GetServerMetrics(ctx, MetricsFilters{ServerID: "srv-1"})
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestSweepLeavesAuditAlone(t *testing.T) {
	store := newSweeperStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{
		Actor:     "admin",
		Action:    "server.create",
		Result:    "success",
		Timestamp: time.Now().Add(-365 * 24 * time.Hour),
	}))

	NewSweeper(store, time.Hour, 24*time.Hour).Sweep(ctx)

	entries, err := store.GetAuditEntries(ctx, AuditFilters{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSweeperDefaults(t *testing.T) {
	s := NewSweeper(newSweeperStore(t), 0, 0)
	assert.Equal(t, time.Hour, s.interval)
	assert.Equal(t, 30*24*time.Hour, s.retention)
}

func TestSweepKeepsFavoritedHistory(t *testing.T) {
	store := newSweeperStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.AppendHistory(ctx, &CommandHistoryEntry{
		ID: "pinned", ServerID: "srv-1", Command: "df -h", Executor: "admin", StartedAt: old,
	}))
	require.NoError(t, store.AppendHistory(ctx, &CommandHistoryEntry{
		ID: "unpinned", ServerID: "srv-1", Command: "uptime", Executor: "admin", StartedAt: old,
	}))
	_, err := store.SetHistoryFavorite(ctx, "pinned", true)
	require.NoError(t, err)

	NewSweeper(store, time.Hour, 24*time.Hour).Sweep(ctx)

	history, err := store.GetHistory(ctx, HistoryFilters{ServerID: "srv-1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "pinned", history[0].ID)
	assert.True(t, history[0].IsFavorite)
}
