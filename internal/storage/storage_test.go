package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"agents", "tasks", "task_dependencies", "inbox_messages", "channel_messages", "channel_mentions", "channel_read_state"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoErrorf(t, err, "table %q missing", table)
	}
	assert.Equal(t, DialectSQLite, db.Dialect)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Bootstrap(context.Background(), db))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "mysql", "x")
	assert.ErrorContains(t, err, "unsupported state driver")
}

func TestRebind(t *testing.T) {
	t.Parallel()

	q := "UPDATE tasks SET status = ? WHERE id = ? AND task <> 'what?'"
	assert.Equal(t, q, Rebind(DialectSQLite, q))
	assert.Equal(t, "UPDATE tasks SET status = $1 WHERE id = $2 AND task <> 'what?'", Rebind(DialectPostgres, q))
}

func TestFormatTimeOrdersLexicographically(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 5, 100_000_000, time.UTC)
	later := base.Add(20 * time.Millisecond)
	assert.Less(t, FormatTime(base), FormatTime(later))
	assert.True(t, ParseTime(FormatTime(later)).Equal(later))
}
