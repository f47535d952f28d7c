// Package impact maps a classified contract change onto the services that
// must remediate it. The service map is the authoritative source: every
// declared dependent is impacted regardless of call history. Usage telemetry
// from the last seven days enriches the records with call counts and can
// surface callers missing from the map.
package impact

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConfidenceHigh is the only confidence level the resolver currently emits.
const ConfidenceHigh = "high"

// telemetryWindow is how far back observed calls count as live usage.
const telemetryWindow = 7 * 24 * time.Hour

// unknownCaller marks telemetry rows without a resolvable caller identity.
const unknownCaller = "unknown"

// Record is one impacted (caller service, route) pair.
type Record struct {
	CallerService string
	RouteTemplate string
	Method        string
	CallsLast7d   int
	Confidence    string
	DeclaredOnly  bool
}

// RouteUsage is an aggregated telemetry grouping for one caller of one route.
type RouteUsage struct {
	CallerService string
	RouteTemplate string
	Method        string
	CallCount     int
}

// UsageSource answers aggregated caller counts for a single route since a
// cutoff instant.
type UsageSource interface {
	CallerCounts(ctx context.Context, method, routeTemplate string, since time.Time) ([]RouteUsage, error)
}

type routeFilter struct {
	method string
	route  string
}

// Resolve returns the impacted services for the changed routes. Routes are
// "METHOD /path" strings; malformed entries are skipped. Every declared
// dependent appears at least once: dependents without telemetry are emitted
// against the first changed route with a zero call count and DeclaredOnly
// set.
func Resolve(ctx context.Context, src UsageSource, changedRoutes, declaredDependents []string) ([]Record, error) {
	filters := parseRoutes(changedRoutes)
	if len(filters) == 0 {
		return []Record{}, nil
	}

	cutoff := time.Now().UTC().Add(-telemetryWindow)
	counts := make(map[RouteUsage]int)

	for _, f := range filters {
		rows, err := src.CallerCounts(ctx, f.method, f.route, cutoff)
		if err != nil {
			return nil, fmt.Errorf("telemetry for %s %s: %w", f.method, f.route, err)
		}

		for _, row := range rows {
			if row.CallerService == unknownCaller {
				continue
			}

			key := RouteUsage{CallerService: row.CallerService, RouteTemplate: row.RouteTemplate, Method: row.Method}
			counts[key] = row.CallCount
		}
	}

	groupings := make([]RouteUsage, 0, len(counts))
	for key, count := range counts {
		key.CallCount = count
		groupings = append(groupings, key)
	}

	sort.Slice(groupings, func(i, j int) bool {
		if groupings[i].CallerService != groupings[j].CallerService {
			return groupings[i].CallerService < groupings[j].CallerService
		}

		if groupings[i].Method != groupings[j].Method {
			return groupings[i].Method < groupings[j].Method
		}

		return groupings[i].RouteTemplate < groupings[j].RouteTemplate
	})

	records := make([]Record, 0, len(groupings)+len(declaredDependents))
	seen := make(map[string]bool, len(groupings))

	for _, g := range groupings {
		records = append(records, Record{
			CallerService: g.CallerService,
			RouteTemplate: g.RouteTemplate,
			Method:        g.Method,
			CallsLast7d:   g.CallCount,
			Confidence:    ConfidenceHigh,
		})
		seen[g.CallerService] = true
	}

	missing := make([]string, 0, len(declaredDependents))

	for _, svc := range declaredDependents {
		if !seen[svc] {
			missing = append(missing, svc)
			seen[svc] = true
		}
	}

	sort.Strings(missing)

	for _, svc := range missing {
		records = append(records, Record{
			CallerService: svc,
			RouteTemplate: filters[0].route,
			Method:        filters[0].method,
			CallsLast7d:   0,
			Confidence:    ConfidenceHigh,
			DeclaredOnly:  true,
		})
	}

	return records, nil
}

// Services returns the distinct caller services in record order.
func Services(records []Record) []string {
	seen := make(map[string]bool, len(records))
	services := make([]string, 0, len(records))

	for _, r := range records {
		if !seen[r.CallerService] {
			seen[r.CallerService] = true

			services = append(services, r.CallerService)
		}
	}

	return services
}

func parseRoutes(changedRoutes []string) []routeFilter {
	filters := make([]routeFilter, 0, len(changedRoutes))

	for _, route := range changedRoutes {
		method, path, ok := strings.Cut(route, " ")
		if !ok {
			continue
		}

		filters = append(filters, routeFilter{method: strings.ToUpper(method), route: path})
	}

	return filters
}
