package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/tidemark-io/propagate/internal/bundle"
	"github.com/tidemark-io/propagate/internal/store"
)

// Simulated outcome distribution: green below 0.60, ci_failed below 0.80,
// needs_human otherwise.
const (
	simGreenCutoff    = 0.60
	simCIFailedCutoff = 0.80
)

// Simulated remediation wall time, minutes, inclusive.
const (
	simMinMinutes = 15
	simMaxMinutes = 90
)

// Simulated outcome details.
const (
	simDetailGreen      = "CI passed, PR ready for review"
	simDetailCIFailed   = "CI failed: test assertions broke"
	simDetailNeedsHuman = "Devin session blocked, requires human review"
)

// SimulatedJob is one dry-run outcome: either a guardrail block or a
// rolled terminal lifecycle.
type SimulatedJob struct {
	Service  string
	Repo     string
	Status   string
	Detail   string
	Duration time.Duration

	// Blocked means guardrails would have stopped the dispatch; no
	// lifecycle was rolled.
	Blocked bool
}

// simulate replays the wave plan without agent calls: guardrail-blocked
// bundles persist as needs_human, the rest roll a deterministic terminal
// state seeded from their bundle hash. All rows carry the dry-run flag so
// the gate and webhooks ignore them.
func (p *Pipeline) simulate(ctx context.Context, changeID int64, waves [][]string, bundles []bundle.Bundle) ([]SimulatedJob, error) {
	byService := make(map[string]bundle.Bundle, len(bundles))
	for _, b := range bundles {
		byService[b.TargetService] = b
	}

	blocked := make(map[string]bool, len(bundles))

	var results []SimulatedJob

	for waveIdx, services := range waves {
		for _, svc := range services {
			b, ok := byService[svc]
			if !ok {
				continue
			}

			violations := p.Policy.ValidatePaths(guardrailPaths(b))
			if len(violations) == 0 {
				continue
			}

			blocked[b.TargetService] = true
			summary := "Guardrail violation: " + strings.Join(violations, "; ")

			job := &store.Job{
				ChangeID:      changeID,
				TargetRepo:    b.TargetRepo,
				TargetService: b.TargetService,
				Status:        store.StatusNeedsHuman,
				BundleHash:    b.BundleHash,
				ErrorSummary:  &summary,
				IsDryRun:      true,
			}

			if err := p.Store.Jobs.Insert(ctx, job); err != nil {
				return nil, fmt.Errorf("persist simulated block: %w", err)
			}

			p.logger().Warn("dry-run bundle would be blocked",
				"wave", waveIdx, "service", b.TargetService, "violations", strings.Join(violations, "; "))

			results = append(results, SimulatedJob{
				Service: b.TargetService,
				Repo:    b.TargetRepo,
				Status:  store.StatusNeedsHuman,
				Detail:  "guardrail blocked",
				Blocked: true,
			})
		}
	}

	for _, b := range bundles {
		if blocked[b.TargetService] {
			continue
		}

		status, detail, duration := rollOutcome(b.BundleHash)

		job := &store.Job{
			ChangeID:      changeID,
			TargetRepo:    b.TargetRepo,
			TargetService: b.TargetService,
			Status:        status,
			BundleHash:    b.BundleHash,
			IsDryRun:      true,
		}

		if status != store.StatusGreen {
			job.ErrorSummary = &detail
		}

		if err := p.Store.Jobs.Insert(ctx, job); err != nil {
			return nil, fmt.Errorf("persist simulated outcome: %w", err)
		}

		results = append(results, SimulatedJob{
			Service:  b.TargetService,
			Repo:     b.TargetRepo,
			Status:   status,
			Detail:   detail,
			Duration: duration,
		})
	}

	return results, nil
}

// rollOutcome picks a terminal status and a plausible remediation time.
// The generator is seeded from the bundle hash, so re-running the same
// contract change replays identical outcomes.
func rollOutcome(bundleHash string) (string, string, time.Duration) {
	rng := rand.New(rand.NewPCG(bundleSeed(bundleHash), 0)) //nolint:gosec // deterministic simulation, not security-sensitive

	roll := rng.Float64()
	minutes := simMinMinutes + rng.IntN(simMaxMinutes-simMinMinutes+1)
	duration := time.Duration(minutes) * time.Minute

	switch {
	case roll < simGreenCutoff:
		return store.StatusGreen, simDetailGreen, duration
	case roll < simCIFailedCutoff:
		return store.StatusCIFailed, simDetailCIFailed, duration
	default:
		return store.StatusNeedsHuman, simDetailNeedsHuman, duration
	}
}

// bundleSeed derives the sampler seed from a bundle hash. Hashes are
// 16 hex chars; anything else falls back to FNV over the raw string.
func bundleSeed(bundleHash string) uint64 {
	seed, err := strconv.ParseUint(bundleHash, 16, 64)
	if err == nil {
		return seed
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(bundleHash))

	return h.Sum64()
}

// guardrailPaths is the union of file paths a bundle would let the agent
// touch.
func guardrailPaths(b bundle.Bundle) []string {
	paths := make([]string, 0, len(b.ClientPaths)+len(b.TestPaths)+len(b.FrontendPaths))
	paths = append(paths, b.ClientPaths...)
	paths = append(paths, b.TestPaths...)
	paths = append(paths, b.FrontendPaths...)

	return paths
}
