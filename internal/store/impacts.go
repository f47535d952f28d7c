package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tidemark-io/propagate/internal/impact"
)

// Impact is one persisted (caller service, route) impact row.
type Impact struct {
	ID            int64  `db:"id"`
	ChangeID      int64  `db:"change_id"`
	CallerService string `db:"caller_service"`
	Method        string `db:"method"`
	RouteTemplate string `db:"route_template"`
	CallsLast7d   int    `db:"calls_last_7d"`
	Confidence    string `db:"confidence"`
	DeclaredOnly  bool   `db:"declared_only"`
}

// ImpactStore persists resolved impact sets.
type ImpactStore struct {
	q sqlx.ExtContext
}

// InsertForChange stores the resolved impact records for one change.
func (s *ImpactStore) InsertForChange(ctx context.Context, changeID int64, records []impact.Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]Impact, 0, len(records))

	for _, rec := range records {
		rows = append(rows, Impact{
			ChangeID:      changeID,
			CallerService: rec.CallerService,
			Method:        rec.Method,
			RouteTemplate: rec.RouteTemplate,
			CallsLast7d:   rec.CallsLast7d,
			Confidence:    rec.Confidence,
			DeclaredOnly:  rec.DeclaredOnly,
		})
	}

	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO impact_sets
			(change_id, caller_service, method, route_template, calls_last_7d, confidence, declared_only)
		VALUES (:change_id, :caller_service, :method, :route_template, :calls_last_7d, :confidence, :declared_only)`,
		rows)
	if err != nil {
		return fmt.Errorf("store impact sets for change %d: %w", changeID, err)
	}

	return nil
}

// ByChange returns the impact rows for a change in caller order.
func (s *ImpactStore) ByChange(ctx context.Context, changeID int64) ([]Impact, error) {
	var out []Impact

	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT id, change_id, caller_service, method, route_template,
		       calls_last_7d, confidence, declared_only
		FROM impact_sets
		WHERE change_id = $1
		ORDER BY caller_service, method, route_template`, changeID)
	if err != nil {
		return nil, fmt.Errorf("load impact sets for change %d: %w", changeID, err)
	}

	return out, nil
}
