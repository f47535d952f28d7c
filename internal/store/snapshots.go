package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Snapshot is one stored rendition of the API contract.
type Snapshot struct {
	ID          int64     `db:"id"`
	VersionHash string    `db:"version_hash"`
	Content     string    `db:"content"`
	SourceRef   string    `db:"source_ref"`
	CapturedAt  time.Time `db:"captured_at"`
}

// SnapshotStore persists contract snapshots.
type SnapshotStore struct {
	q sqlx.ExtContext
}

// Latest returns the most recently captured snapshot, or ErrNotFound
// when no baseline exists yet.
func (s *SnapshotStore) Latest(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot

	err := sqlx.GetContext(ctx, s.q, &snap, `
		SELECT id, version_hash, content, source_ref, captured_at
		FROM contract_snapshots
		ORDER BY captured_at DESC, id DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}

	return &snap, nil
}

// Put stores a snapshot and fills its ID. Re-storing a hash refreshes
// captured_at so a revert makes the old rendition current again.
func (s *SnapshotStore) Put(ctx context.Context, snap *Snapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}

	err := sqlx.GetContext(ctx, s.q, &snap.ID, `
		INSERT INTO contract_snapshots (version_hash, content, source_ref, captured_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version_hash) DO UPDATE
		SET content = EXCLUDED.content,
		    source_ref = EXCLUDED.source_ref,
		    captured_at = EXCLUDED.captured_at
		RETURNING id`,
		snap.VersionHash, snap.Content, snap.SourceRef, snap.CapturedAt)
	if err != nil {
		return fmt.Errorf("store snapshot %s: %w", snap.VersionHash, err)
	}

	return nil
}
