package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax for the backing database.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Querier is the subset of *sql.DB and *sql.Tx used by the store and claim
// engine, so the same statements run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a *sql.DB with the dialect it was opened with.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Rebind rewrites ? placeholders for the DB's dialect.
func (db *DB) Rebind(query string) string {
	return Rebind(db.Dialect, query)
}

// Open opens the configured backend. driver is "sqlite" (source is a file
// path) or "postgres" (source is a DSN).
func Open(ctx context.Context, driver, source string) (*DB, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		return OpenSQLite(ctx, source)
	case "postgres", "pgx":
		return OpenPostgres(ctx, source)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", driver)
	}
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := checkLocalFilesystem(path); err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: transactions serialize in the pool instead of racing
	// for sqlite's write lock.
	sqlDB.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := sqlDB.ExecContext(pctx, pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, Dialect: DialectSQLite}
	if err := Bootstrap(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// OpenPostgres opens a postgres database through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{DB: sqlDB, Dialect: DialectPostgres}
	if err := Bootstrap(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Bootstrap creates tables/indexes if missing. The DDL is portable between
// sqlite and postgres; timestamps are fixed-width UTC text (see FormatTime).
func Bootstrap(ctx context.Context, db *DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL,
  role            TEXT NOT NULL,
  status          TEXT NOT NULL,
  capacity        INTEGER NOT NULL DEFAULT 1,
  capabilities    TEXT NOT NULL DEFAULT '[]',
  created_at      TEXT NOT NULL,
  last_updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS tasks (
  id               TEXT PRIMARY KEY,
  agent_id         TEXT,
  creator_agent_id TEXT,
  task             TEXT NOT NULL,
  status           TEXT NOT NULL,
  offered_to       TEXT,
  priority         INTEGER NOT NULL DEFAULT 50,
  progress         TEXT,
  output           TEXT,
  failure_reason   TEXT,
  created_at       TEXT NOT NULL,
  last_updated_at  TEXT NOT NULL,
  offered_at       TEXT,
  accepted_at      TEXT,
  finished_at      TEXT,
  notified_at      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
  task_id       TEXT NOT NULL,
  depends_on_id TEXT NOT NULL,
  PRIMARY KEY (task_id, depends_on_id)
);`,
		`CREATE TABLE IF NOT EXISTS inbox_messages (
  id                TEXT PRIMARY KEY,
  agent_id          TEXT NOT NULL,
  content           TEXT NOT NULL,
  source            TEXT NOT NULL DEFAULT 'api',
  status            TEXT NOT NULL,
  channel_id        TEXT,
  thread_id         TEXT,
  user_id           TEXT,
  response          TEXT,
  delegated_task_id TEXT,
  created_at        TEXT NOT NULL,
  last_updated_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS channel_messages (
  id              TEXT PRIMARY KEY,
  channel_id      TEXT NOT NULL,
  author_agent_id TEXT,
  content         TEXT NOT NULL,
  created_at      TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS channel_mentions (
  message_id TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  agent_id   TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY (message_id, agent_id)
);`,
		`CREATE TABLE IF NOT EXISTS channel_read_state (
  agent_id         TEXT NOT NULL,
  channel_id       TEXT NOT NULL,
  last_read_at     TEXT,
  processing_since TEXT,
  PRIMARY KEY (agent_id, channel_id)
);`,
		`CREATE INDEX IF NOT EXISTS tasks_status_offered_to_idx ON tasks(status, offered_to);`,
		`CREATE INDEX IF NOT EXISTS tasks_status_agent_idx ON tasks(status, agent_id);`,
		`CREATE INDEX IF NOT EXISTS inbox_agent_status_created_idx ON inbox_messages(agent_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS channel_mentions_agent_idx ON channel_mentions(agent_id, channel_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", db.Dialect, err)
		}
	}
	return nil
}

// Rebind rewrites ? placeholders to $N for postgres. Quoted literals are
// left alone.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
