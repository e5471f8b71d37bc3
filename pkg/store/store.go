// Package store implements hand-written SQL persistence for runs, documents,
// tasks, artifacts, evaluations, ratings, keys, and events.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every store method works
// inside and outside transactions.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store bundles the per-entity stores over one database handle.
type Store struct {
	db *sql.DB

	Runs         *RunStore
	Documents    *DocumentStore
	Tasks        *TaskStore
	Artifacts    *ArtifactStore
	Evals        *EvalStore
	Events       *EventStore
	ProviderKeys *ProviderKeyStore
	APIKeys      *APIKeyStore
}

// New creates a Store over the given pool.
func New(db *sql.DB) *Store {
	s := bind(db)
	s.db = db
	return s
}

func bind(q DBTX) *Store {
	return &Store{
		Runs:         &RunStore{q: q},
		Documents:    &DocumentStore{q: q},
		Tasks:        &TaskStore{q: q},
		Artifacts:    &ArtifactStore{q: q},
		Evals:        &EvalStore{q: q},
		Events:       &EventStore{q: q},
		ProviderKeys: &ProviderKeyStore{q: q},
		APIKeys:      &APIKeyStore{q: q},
	}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction. The Store passed to fn is bound to the
// transaction; it must not be retained after fn returns. Rollback on error,
// commit otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		return fmt.Errorf("store: nested transactions are not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(bind(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullTime converts an optional timestamp for scanning.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullString flattens an optional text column to "".
func nullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
