// Package store holds the swarm's durable entities (agents, tasks, inbox
// messages, channel read state) and every non-claim operation on them:
// producer-side creation, completion endpoints and reads.
//
// Moving a record into a claimed state is deliberately absent here; that is
// the claim package's job.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/swarmhub/internal/storage"
)

type Store struct {
	db  *storage.DB
	q   storage.Querier
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *storage.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		q:   db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *storage.DB { return s.db }

// Querier returns what this Store executes against: the DB, or the open
// transaction inside InTx.
func (s *Store) Querier() storage.Querier { return s.q }

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.now() }

// InTx runs fn against a Store bound to a single transaction. fn must only
// use the Store it is given; sqlite runs with one connection and would
// deadlock on the outer handle.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &Store{db: s.db, q: sqlTx, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.db.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.db.Rebind(query), args...)
}

func (s *Store) stamp() string {
	return storage.FormatTime(s.now())
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
