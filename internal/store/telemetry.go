package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tidemark-io/propagate/internal/impact"
)

// TelemetryStore reads aggregated caller counts from the request log
// the host platform writes. Ingestion happens outside this process.
type TelemetryStore struct {
	q sqlx.ExtContext
}

var _ impact.UsageSource = (*TelemetryStore)(nil)

// CallerCounts groups request telemetry for one route since the cutoff
// instant. Rows without a resolvable caller identity are excluded.
func (s *TelemetryStore) CallerCounts(ctx context.Context, method, routeTemplate string, since time.Time) ([]impact.RouteUsage, error) {
	var rows []struct {
		CallerService string `db:"caller_service"`
		Method        string `db:"method"`
		RouteTemplate string `db:"route_template"`
		Calls         int    `db:"calls"`
	}

	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT caller_service, method, route_template, COUNT(*) AS calls
		FROM usage_requests
		WHERE ts >= $1 AND method = $2 AND route_template = $3 AND caller_service <> 'unknown'
		GROUP BY caller_service, method, route_template
		ORDER BY caller_service`,
		since, method, routeTemplate)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage for %s %s: %w", method, routeTemplate, err)
	}

	out := make([]impact.RouteUsage, 0, len(rows))

	for _, r := range rows {
		out = append(out, impact.RouteUsage{
			CallerService: r.CallerService,
			RouteTemplate: r.RouteTemplate,
			Method:        r.Method,
			CallCount:     r.Calls,
		})
	}

	return out, nil
}
