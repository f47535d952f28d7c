// Package bundle synthesizes the per-repository remediation brief handed to
// the agent: affected routes, observed call volume, known file locations, a
// deterministic prompt, and a stable fingerprint used as the dispatch
// idempotency key.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/tidemark-io/propagate/internal/contract"
	"github.com/tidemark-io/propagate/internal/impact"
	"github.com/tidemark-io/propagate/internal/servicemap"
	"github.com/tidemark-io/propagate/pkg/alg/mapx"
)

// hashLen is the hex length of the bundle fingerprint.
const hashLen = 16

// Bundle is the remediation brief for one impacted service.
type Bundle struct {
	TargetRepo      string
	TargetService   string
	ChangeSummary   string
	BreakingChanges []contract.ChangedField
	AffectedRoutes  []string
	CallCount7d     int
	ClientPaths     []string
	TestPaths       []string
	FrontendPaths   []string
	Prompt          string
	BundleHash      string
}

// Builder turns a classified change plus its impact records into one bundle
// per impacted service.
type Builder struct {
	// Logger receives a note for every impacted service skipped because the
	// service map does not know it. When nil, a discard logger is used.
	Logger *slog.Logger
}

// Build returns one bundle per impacted service, sorted by service name.
// Impacted services absent from the service map are skipped. Call counts are
// summed and affected routes unioned across the service's impact records.
func (bl Builder) Build(change contract.ClassifiedChange, impacts []impact.Record, services servicemap.Map) []Bundle {
	logger := bl.logger()

	routesByService := make(map[string][]string)
	callsByService := make(map[string]int)

	for _, rec := range impacts {
		route := rec.Method + " " + rec.RouteTemplate
		routesByService[rec.CallerService] = append(routesByService[rec.CallerService], route)
		callsByService[rec.CallerService] += rec.CallsLast7d
	}

	bundles := make([]Bundle, 0, len(routesByService))

	for _, name := range mapx.SortedKeys(routesByService) {
		svc, ok := services[name]
		if !ok {
			logger.Warn("impacted service missing from service map, skipping", "service", name)

			continue
		}

		b := Bundle{
			TargetRepo:      svc.Repo,
			TargetService:   name,
			ChangeSummary:   change.Summary,
			BreakingChanges: change.ChangedFields,
			AffectedRoutes:  mapx.Unique(routesByService[name]),
			CallCount7d:     callsByService[name],
			ClientPaths:     svc.ClientPaths,
			TestPaths:       svc.TestPaths,
			FrontendPaths:   svc.FrontendPaths,
		}
		b.Prompt = buildPrompt(b, change)
		b.Finalize()

		bundles = append(bundles, b)
	}

	return bundles
}

// Hash returns the bundle fingerprint: the first 16 hex characters of the
// SHA-256 over the concatenation of target service, target repo, sorted
// affected routes, the sorted union of declared paths, and the change
// summary. Identical inputs always produce identical fingerprints.
func (b *Bundle) Hash() string {
	routes := mapx.Unique(append([]string(nil), b.AffectedRoutes...))
	sort.Strings(routes)

	paths := make([]string, 0, len(b.ClientPaths)+len(b.TestPaths)+len(b.FrontendPaths))
	paths = append(paths, b.ClientPaths...)
	paths = append(paths, b.TestPaths...)
	paths = append(paths, b.FrontendPaths...)
	paths = mapx.Unique(paths)
	sort.Strings(paths)

	parts := make([]string, 0, len(routes)+len(paths)+3)
	parts = append(parts, b.TargetService, b.TargetRepo)
	parts = append(parts, routes...)
	parts = append(parts, paths...)
	parts = append(parts, b.ChangeSummary)

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))

	return hex.EncodeToString(sum[:])[:hashLen]
}

// Finalize fills BundleHash unless one was supplied explicitly.
func (b *Bundle) Finalize() {
	if b.BundleHash == "" {
		b.BundleHash = b.Hash()
	}
}

func (bl Builder) logger() *slog.Logger {
	if bl.Logger != nil {
		return bl.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildPrompt(b Bundle, change contract.ClassifiedChange) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Fix the %s API contract change for the %s service.\n\n", changeNature(change), b.TargetService)
	fmt.Fprintf(&sb, "Repository: %s\n", b.TargetRepo)
	fmt.Fprintf(&sb, "Severity: %s\n\n", change.Severity)

	sb.WriteString("## What changed\n")
	fmt.Fprintf(&sb, "%s\n\n", b.ChangeSummary)

	if len(b.BreakingChanges) > 0 {
		sb.WriteString("## Changed fields\n")

		for _, f := range b.BreakingChanges {
			fmt.Fprintf(&sb, "- %s %s: %s (%s", strings.ToUpper(f.Method), f.Path, f.Field, f.DiffType)

			if f.OldValue != nil || f.NewValue != nil {
				fmt.Fprintf(&sb, ", %s -> %s", orNone(f.OldValue), orNone(f.NewValue))
			}

			sb.WriteString(")\n")
		}

		sb.WriteString("\n")
	}

	sb.WriteString("## Affected endpoints used by this service\n")

	for _, route := range b.AffectedRoutes {
		fmt.Fprintf(&sb, "- %s\n", route)
	}

	fmt.Fprintf(&sb, "\nObserved call volume: %d calls in the last 7 days.\n\n", b.CallCount7d)

	sb.WriteString("## Where to look\n")
	writePathSection(&sb, "Client code", b.ClientPaths)
	writePathSection(&sb, "Tests", b.TestPaths)
	writePathSection(&sb, "Frontend code", b.FrontendPaths)

	sb.WriteString("\n## Success criteria\n")
	sb.WriteString("1. Update every call site of the affected endpoints to match the new contract.\n")
	sb.WriteString("2. Update tests and fixtures so they exercise the new contract shape.\n")
	sb.WriteString("3. Ensure CI passes on the branch.\n")
	sb.WriteString("4. Do not modify infrastructure, CI workflow, or deployment files.\n")
	sb.WriteString("5. Open a pull request describing the contract change and the remediation.\n")

	return sb.String()
}

func changeNature(change contract.ClassifiedChange) string {
	if change.IsBreaking {
		return "breaking"
	}

	return "non-breaking"
}

func writePathSection(sb *strings.Builder, label string, paths []string) {
	if len(paths) == 0 {
		return
	}

	fmt.Fprintf(sb, "%s: %s\n", label, strings.Join(paths, ", "))
}

func orNone(v *string) string {
	if v == nil {
		return "none"
	}

	return *v
}
