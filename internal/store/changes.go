package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tidemark-io/propagate/internal/contract"
)

// Change is one persisted contract change between two snapshot hashes.
type Change struct {
	ID            int64      `db:"id"`
	BaseRef       string     `db:"base_ref"`
	HeadRef       string     `db:"head_ref"`
	IsBreaking    bool       `db:"is_breaking"`
	Severity      string     `db:"severity"`
	Summary       string     `db:"summary"`
	ChangedRoutes StringList `db:"changed_routes"`
	ChangedFields FieldList  `db:"changed_fields"`
	CreatedAt     time.Time  `db:"created_at"`
}

// NewChange builds a persistable row from a classification outcome.
func NewChange(baseRef, headRef string, cc contract.ClassifiedChange) *Change {
	return &Change{
		BaseRef:       baseRef,
		HeadRef:       headRef,
		IsBreaking:    cc.IsBreaking,
		Severity:      string(cc.Severity),
		Summary:       cc.Summary,
		ChangedRoutes: StringList(cc.ChangedRoutes),
		ChangedFields: FieldList(cc.ChangedFields),
	}
}

// ChangeStore persists contract changes.
type ChangeStore struct {
	q sqlx.ExtContext
}

// Insert stores the change and fills its ID.
func (s *ChangeStore) Insert(ctx context.Context, change *Change) error {
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}

	err := sqlx.GetContext(ctx, s.q, &change.ID, `
		INSERT INTO contract_changes
			(base_ref, head_ref, is_breaking, severity, summary, changed_routes, changed_fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		change.BaseRef, change.HeadRef, change.IsBreaking, change.Severity,
		change.Summary, change.ChangedRoutes, change.ChangedFields, change.CreatedAt)
	if err != nil {
		return fmt.Errorf("store contract change %s..%s: %w", change.BaseRef, change.HeadRef, err)
	}

	return nil
}

// Latest returns the most recently created change, or ErrNotFound.
func (s *ChangeStore) Latest(ctx context.Context) (*Change, error) {
	var change Change

	err := sqlx.GetContext(ctx, s.q, &change, `
		SELECT id, base_ref, head_ref, is_breaking, severity, summary,
		       changed_routes, changed_fields, created_at
		FROM contract_changes
		ORDER BY created_at DESC, id DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load latest change: %w", err)
	}

	return &change, nil
}

// ByID returns one change, or ErrNotFound.
func (s *ChangeStore) ByID(ctx context.Context, id int64) (*Change, error) {
	var change Change

	err := sqlx.GetContext(ctx, s.q, &change, `
		SELECT id, base_ref, head_ref, is_breaking, severity, summary,
		       changed_routes, changed_fields, created_at
		FROM contract_changes
		WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load change %d: %w", id, err)
	}

	return &change, nil
}
