// Package store persists propagation state in Postgres: contract
// snapshots, classified changes, impact sets, remediation jobs, and the
// per-job audit trail, plus the read model over request telemetry that
// backs impact resolution.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const driverName = "pgx"

// Store bundles the per-table repositories over one connection pool.
type Store struct {
	db *sqlx.DB

	Snapshots *SnapshotStore
	Changes   *ChangeStore
	Impacts   *ImpactStore
	Jobs      *JobStore
	Audit     *AuditStore
	Telemetry *TelemetryStore
}

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return New(db), nil
}

// New wraps an existing connection. Tests inject sqlmock through here.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:        db,
		Snapshots: &SnapshotStore{q: db},
		Changes:   &ChangeStore{q: db},
		Impacts:   &ImpactStore{q: db},
		Jobs:      &JobStore{q: db},
		Audit:     &AuditStore{q: db},
		Telemetry: &TelemetryStore{q: db},
	}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a Store view bound to a single transaction. Repositories on it
// share the transaction's visibility and fate.
type Tx struct {
	Snapshots *SnapshotStore
	Changes   *ChangeStore
	Impacts   *ImpactStore
	Jobs      *JobStore
	Audit     *AuditStore
}

// WithTx runs fn inside a transaction, committing when fn returns nil
// and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	view := &Tx{
		Snapshots: &SnapshotStore{q: txx},
		Changes:   &ChangeStore{q: txx},
		Impacts:   &ImpactStore{q: txx},
		Jobs:      &JobStore{q: txx},
		Audit:     &AuditStore{q: txx},
	}

	if err := fn(view); err != nil {
		_ = txx.Rollback()

		return err
	}

	if err := txx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
