// Package orchestrator drives one propagation run end to end: load the
// prior snapshot, diff and classify the contract, resolve impacts, fan
// remediation out in dependency waves, gate on wave completion, and decide
// whether the baseline may advance. The pipeline is a single driver;
// concurrency lives inside the dispatcher it delegates to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/tidemark-io/propagate/internal/agent"
	"github.com/tidemark-io/propagate/internal/bundle"
	"github.com/tidemark-io/propagate/internal/config"
	"github.com/tidemark-io/propagate/internal/contract"
	"github.com/tidemark-io/propagate/internal/depgraph"
	"github.com/tidemark-io/propagate/internal/dispatch"
	"github.com/tidemark-io/propagate/internal/guardrails"
	"github.com/tidemark-io/propagate/internal/impact"
	"github.com/tidemark-io/propagate/internal/observability"
	"github.com/tidemark-io/propagate/internal/reconcile"
	"github.com/tidemark-io/propagate/internal/servicemap"
	"github.com/tidemark-io/propagate/internal/store"
	"github.com/tidemark-io/propagate/internal/wavectx"
)

// ErrUnresolvedJobs means at least one job ended in ci_failed or
// needs_human, so the baseline was held. The caller should exit non-zero.
var ErrUnresolvedJobs = errors.New("unresolved remediation jobs")

// AgentAPI is the slice of the agent client the pipeline needs: session
// creation for dispatch, session reads and messaging for wave context.
type AgentAPI interface {
	dispatch.SessionStarter
	wavectx.SessionClient
}

var _ AgentAPI = (*agent.Client)(nil)

// Outcome names how a run ended.
type Outcome string

// Run outcomes.
const (
	// OutcomeBaselineStored is a first run: the contract became the
	// baseline and there was nothing to propagate.
	OutcomeBaselineStored Outcome = "baseline_stored"

	// OutcomeUnchanged means the contract hash matches the baseline.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeNoDiffs means the hash moved but no route-level diffs were
	// found; the baseline advanced.
	OutcomeNoDiffs Outcome = "no_diffs"

	// OutcomeNoImpacts means no consumer is affected; the baseline
	// advanced.
	OutcomeNoImpacts Outcome = "no_impacts"

	// OutcomeSimulated is a dry run; rows were persisted with the
	// dry-run flag and the baseline held.
	OutcomeSimulated Outcome = "simulated"

	// OutcomeDispatched is a no-wait run: jobs were fired and the
	// baseline held because they may still be running.
	OutcomeDispatched Outcome = "dispatched"

	// OutcomeAdvanced means every job resolved and the baseline moved
	// to the new contract.
	OutcomeAdvanced Outcome = "advanced"

	// OutcomeUnresolved means at least one job ended ci_failed or
	// needs_human; the baseline held.
	OutcomeUnresolved Outcome = "unresolved"
)

// Options are the per-run flags.
type Options struct {
	// DryRun simulates dispatch with the deterministic sampler and
	// never advances the baseline.
	DryRun bool

	// NoWait fires dispatches without wave gating and never advances
	// the baseline.
	NoWait bool

	// CI substitutes an empty baseline on a first run so the first
	// contract push still produces a diff.
	CI bool
}

// Result summarizes one run for reporting and exit-code decisions.
type Result struct {
	Outcome  Outcome
	ChangeID int64
	BaseHash string
	HeadHash string

	// Waves is the dependency ordering used for dispatch.
	Waves [][]string

	// Jobs holds the final job rows of a real run, refreshed after the
	// last wave settled.
	Jobs []store.Job

	// Unresolved is the subset of Jobs in ci_failed or needs_human.
	Unresolved []store.Job

	// Simulated holds dry-run lifecycle outcomes.
	Simulated []SimulatedJob

	// Advanced reports whether the baseline moved to HeadHash.
	Advanced bool
}

// Pipeline wires the stages of a propagation run. Store, Agent, and
// GitHub are required; everything else has a usable zero value.
type Pipeline struct {
	Store  *store.Store
	Agent  AgentAPI
	GitHub reconcile.PRSource
	Policy guardrails.Policy

	// Services is the loaded service dependency map.
	Services servicemap.Map

	// Owner is the contract-owning service, the root of every wave.
	// Empty means config.DefaultContractOwner.
	Owner string

	// SourceRef is recorded on stored snapshots (commit SHA in CI).
	SourceRef string

	// PollInterval and MaxPolls bound the wave wait loop. Zero means
	// the config defaults.
	PollInterval time.Duration
	MaxPolls     int

	// MaxUnknownCI bounds unknown-CI holds before failing closed.
	MaxUnknownCI int

	// Metrics receives run statistics. Nil disables recording.
	Metrics *observability.PipelineMetrics

	// Tracer instruments run stages. Nil means no-op spans.
	Tracer trace.Tracer

	// Out receives the human-readable run report. Nil means stdout.
	Out io.Writer

	Logger *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (p *Pipeline) out() io.Writer {
	if p.Out != nil {
		return p.Out
	}

	return os.Stdout
}

func (p *Pipeline) tracer() trace.Tracer {
	if p.Tracer != nil {
		return p.Tracer
	}

	return nooptrace.NewTracerProvider().Tracer("propagate.run")
}

func (p *Pipeline) owner() string {
	if p.Owner != "" {
		return p.Owner
	}

	return config.DefaultContractOwner
}

func (p *Pipeline) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}

	return config.DefaultWavePollInterval
}

func (p *Pipeline) maxPolls() int {
	if p.MaxPolls > 0 {
		return p.MaxPolls
	}

	return config.DefaultWaveMaxPolls
}

// Run executes the pipeline for the given contract rendition. It returns
// ErrUnresolvedJobs when the gate held the baseline over failed jobs;
// every other error is a hard stop before or during dispatch.
func (p *Pipeline) Run(ctx context.Context, doc *contract.Document, opts Options) (*Result, error) {
	logger := p.logger()

	ctx, span := p.tracer().Start(ctx, "propagate.run")
	defer span.End()

	baseDoc, result, err := p.resolveBaseline(ctx, doc, opts)
	if err != nil {
		return nil, err
	}

	if result != nil {
		p.report(result, opts)

		return result, nil
	}

	_, diffSpan := p.tracer().Start(ctx, "propagate.diff")
	diffs := contract.Diff(baseDoc.Spec, doc.Spec)
	diffSpan.End()

	logger.Info("contract diffed",
		"base", baseDoc.Hash, "head", doc.Hash, "diffs", len(diffs))

	if len(diffs) == 0 {
		if err := p.advanceBaseline(ctx, doc); err != nil {
			return nil, err
		}

		result = &Result{Outcome: OutcomeNoDiffs, BaseHash: baseDoc.Hash, HeadHash: doc.Hash, Advanced: true}
		p.report(result, opts)

		return result, nil
	}

	classified := contract.Classify(diffs)

	change := store.NewChange(baseDoc.Hash, doc.Hash, classified)
	if err := p.Store.Changes.Insert(ctx, change); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64("change.id", change.ID))

	logger.Info("contract change classified",
		"change_id", change.ID, "severity", change.Severity,
		"breaking", change.IsBreaking, "routes", len(change.ChangedRoutes))

	impacts, err := impact.Resolve(ctx, p.Store.Telemetry, classified.ChangedRoutes, p.Services.Names())
	if err != nil {
		return nil, err
	}

	if err := p.Store.Impacts.InsertForChange(ctx, change.ID, impacts); err != nil {
		return nil, err
	}

	if len(impacts) == 0 {
		logger.Info("no impacted services", "change_id", change.ID)

		if err := p.advanceBaseline(ctx, doc); err != nil {
			return nil, err
		}

		result = &Result{
			Outcome:  OutcomeNoImpacts,
			ChangeID: change.ID,
			BaseHash: baseDoc.Hash,
			HeadHash: doc.Hash,
			Advanced: true,
		}
		p.report(result, opts)

		return result, nil
	}

	logger.Info("impacts resolved",
		"change_id", change.ID, "services", impact.Services(impacts))

	waves, err := depgraph.FromServiceMap(p.owner(), p.Services).Waves()
	if err != nil {
		return nil, fmt.Errorf("order dependency waves: %w", err)
	}

	bundles := bundle.Builder{Logger: p.Logger}.Build(classified, impacts, p.Services)

	p.printPlan(change, waves, bundles)

	result = &Result{
		ChangeID: change.ID,
		BaseHash: baseDoc.Hash,
		HeadHash: doc.Hash,
		Waves:    waves,
	}

	if opts.DryRun {
		result.Simulated, err = p.simulate(ctx, change.ID, waves, bundles)
		if err != nil {
			return nil, err
		}

		result.Outcome = OutcomeSimulated
		p.Metrics.RecordRun(ctx, observability.PipelineStats{Changes: 1})
		p.report(result, opts)

		return result, nil
	}

	stats, err := p.runWaves(ctx, change.ID, waves, bundles, opts, result)

	p.Metrics.RecordRun(ctx, stats)

	if err != nil {
		return nil, err
	}

	if err := p.gate(ctx, doc, opts, result); err != nil {
		p.report(result, opts)

		return result, err
	}

	p.report(result, opts)

	return result, nil
}

// resolveBaseline loads the prior snapshot and parses it for diffing.
// A nil Document with a non-nil Result short-circuits the run: first-run
// baseline storage and the unchanged-hash case end the pipeline here.
func (p *Pipeline) resolveBaseline(ctx context.Context, doc *contract.Document, opts Options) (*contract.Document, *Result, error) {
	prior, err := p.Store.Snapshots.Latest(ctx)

	switch {
	case errors.Is(err, store.ErrNotFound) && opts.CI:
		// First run under CI still has to produce a diff, so an empty
		// contract becomes the baseline instead of the pushed one.
		base, parseErr := contract.Parse([]byte(contract.EmptyBaseline))
		if parseErr != nil {
			return nil, nil, parseErr
		}

		snap := &store.Snapshot{VersionHash: base.Hash, Content: contract.EmptyBaseline, SourceRef: p.SourceRef}
		if putErr := p.Store.Snapshots.Put(ctx, snap); putErr != nil {
			return nil, nil, putErr
		}

		p.logger().Info("no prior snapshot, stored empty baseline", "hash", base.Hash)

		return base, nil, nil

	case errors.Is(err, store.ErrNotFound):
		if advErr := p.advanceBaseline(ctx, doc); advErr != nil {
			return nil, nil, advErr
		}

		p.logger().Info("no prior snapshot, stored current contract as baseline", "hash", doc.Hash)

		return nil, &Result{Outcome: OutcomeBaselineStored, HeadHash: doc.Hash, Advanced: true}, nil

	case err != nil:
		return nil, nil, err
	}

	if prior.VersionHash == doc.Hash {
		p.logger().Info("contract unchanged", "hash", doc.Hash)

		return nil, &Result{Outcome: OutcomeUnchanged, BaseHash: prior.VersionHash, HeadHash: doc.Hash}, nil
	}

	base, err := contract.Parse([]byte(prior.Content))
	if err != nil {
		return nil, nil, fmt.Errorf("parse stored baseline %s: %w", prior.VersionHash, err)
	}

	// The stored hash is authoritative for refs even if rehashing the
	// stored bytes were to drift.
	base.Hash = prior.VersionHash

	return base, nil, nil
}

// runWaves dispatches every wave in dependency order, gating on the prior
// wave and briefing each new wave with the settled one's context.
func (p *Pipeline) runWaves(
	ctx context.Context,
	changeID int64,
	waves [][]string,
	bundles []bundle.Bundle,
	opts Options,
	result *Result,
) (observability.PipelineStats, error) {
	dispatcher := &dispatch.Dispatcher{Store: p.Store, Agent: p.Agent, Policy: p.Policy, Logger: p.Logger}
	propagator := &wavectx.Propagator{Store: p.Store, Agent: p.Agent, Logger: p.Logger}
	reconciler := &reconcile.Reconciler{
		Store:        p.Store,
		Agent:        p.Agent,
		GitHub:       p.GitHub,
		Policy:       p.Policy,
		MaxUnknownCI: p.MaxUnknownCI,
		Tracer:       p.Tracer,
		Logger:       p.Logger,
	}

	byService := make(map[string]bundle.Bundle, len(bundles))
	for _, b := range bundles {
		byService[b.TargetService] = b
	}

	stats := observability.PipelineStats{Changes: 1}

	var carry *wavectx.Payload

	for waveIdx, services := range waves {
		waveBundles := make([]bundle.Bundle, 0, len(services))

		for _, svc := range services {
			if b, ok := byService[svc]; ok {
				waveBundles = append(waveBundles, b)
			}
		}

		if len(waveBundles) == 0 {
			continue
		}

		p.logger().Info("dispatching wave",
			"wave", waveIdx, "change_id", changeID, "bundles", len(waveBundles))

		wctx, waveSpan := p.tracer().Start(ctx, "propagate.dispatch.wave",
			trace.WithAttributes(attribute.Int("wave", waveIdx)))

		waveJobs, err := dispatcher.DispatchWave(wctx, changeID, waveBundles)
		waveSpan.End()

		result.Jobs = append(result.Jobs, waveJobs...)

		if err != nil {
			return stats, fmt.Errorf("dispatch wave %d: %w", waveIdx, err)
		}

		stats.Waves++
		stats.JobsDispatched += int64(len(waveJobs))

		propagator.SendToWave(ctx, waveJobs, waveIdx, carry)
		carry = nil

		if opts.NoWait {
			continue
		}

		dispatched := dispatchedIDs(waveJobs)
		if len(dispatched) == 0 {
			continue
		}

		waveStart := time.Now()

		if err := p.waitForWave(ctx, reconciler, changeID, dispatched, waveIdx); err != nil {
			return stats, err
		}

		stats.WaveDurations = append(stats.WaveDurations, time.Since(waveStart))

		if waveIdx < len(waves)-1 {
			carry, err = propagator.BuildPayload(ctx, dispatched, waveIdx)
			if err != nil {
				p.logger().Warn("wave context build failed", "wave", waveIdx, "error", err)

				carry = nil
			}
		}
	}

	return stats, nil
}

// waitForWave polls the reconciler until every dispatched job of the wave
// reaches a terminal status or the poll budget runs out. A timed-out wave
// is not an error; the gate decides what the leftover states mean.
// Reconcile failures are logged and retried on the next poll.
func (p *Pipeline) waitForWave(ctx context.Context, reconciler *reconcile.Reconciler, changeID int64, jobIDs []int64, waveIdx int) error {
	maxPolls := p.maxPolls()

	for poll := 1; poll <= maxPolls; poll++ {
		if err := sleep(ctx, p.pollInterval()); err != nil {
			return err
		}

		transitions, err := reconciler.Run(ctx, changeID)
		if err != nil {
			p.logger().Warn("wave reconcile pass failed",
				"wave", waveIdx, "poll", poll, "error", err)
		}

		for _, tr := range transitions {
			p.Metrics.RecordTransition(ctx, tr.From, tr.To)
		}

		jobs, err := p.Store.Jobs.ByIDs(ctx, jobIDs)
		if err != nil {
			return fmt.Errorf("poll wave %d jobs: %w", waveIdx, err)
		}

		pending := 0

		for i := range jobs {
			if !store.IsTerminal(jobs[i].Status) {
				pending++
			}
		}

		if pending == 0 {
			p.logger().Info("wave complete", "wave", waveIdx, "polls", poll)

			return nil
		}

		p.logger().Info("wave pending",
			"wave", waveIdx, "poll", poll, "max_polls", maxPolls, "jobs_pending", pending)
	}

	p.logger().Warn("wave timed out, proceeding to gate", "wave", waveIdx, "polls", maxPolls)

	return nil
}

// gate refreshes the run's jobs and decides whether the baseline may
// advance: never in no-wait mode, and never over ci_failed or needs_human
// jobs. Holding over failed jobs returns ErrUnresolvedJobs.
func (p *Pipeline) gate(ctx context.Context, doc *contract.Document, opts Options, result *Result) error {
	if opts.NoWait {
		result.Outcome = OutcomeDispatched

		p.logger().Info("baseline held", "reason", "no-wait mode", "change_id", result.ChangeID)

		return nil
	}

	fresh, err := p.Store.Jobs.ByIDs(ctx, jobIDs(result.Jobs))
	if err != nil {
		return fmt.Errorf("refresh job states: %w", err)
	}

	if len(fresh) > 0 {
		result.Jobs = fresh
	}

	for i := range fresh {
		if fresh[i].Status == store.StatusCIFailed || fresh[i].Status == store.StatusNeedsHuman {
			result.Unresolved = append(result.Unresolved, fresh[i])
		}
	}

	if len(result.Unresolved) > 0 {
		result.Outcome = OutcomeUnresolved

		p.logger().Warn("baseline held",
			"reason", "unresolved jobs", "change_id", result.ChangeID, "unresolved", len(result.Unresolved))

		return fmt.Errorf("%w: %d of %d", ErrUnresolvedJobs, len(result.Unresolved), len(result.Jobs))
	}

	if err := p.advanceBaseline(ctx, doc); err != nil {
		return err
	}

	result.Outcome = OutcomeAdvanced
	result.Advanced = true

	p.logger().Info("baseline advanced", "hash", doc.Hash, "jobs", len(result.Jobs))

	return nil
}

// advanceBaseline promotes the contract rendition to the current baseline.
func (p *Pipeline) advanceBaseline(ctx context.Context, doc *contract.Document) error {
	snap := &store.Snapshot{VersionHash: doc.Hash, Content: string(doc.Raw), SourceRef: p.SourceRef}

	if err := p.Store.Snapshots.Put(ctx, snap); err != nil {
		return fmt.Errorf("advance baseline: %w", err)
	}

	return nil
}

func dispatchedIDs(jobs []store.Job) []int64 {
	ids := make([]int64, 0, len(jobs))

	for i := range jobs {
		if jobs[i].AgentRunID != nil && *jobs[i].AgentRunID != "" {
			ids = append(ids, jobs[i].JobID)
		}
	}

	return ids
}

func jobIDs(jobs []store.Job) []int64 {
	ids := make([]int64, 0, len(jobs))

	for i := range jobs {
		ids = append(ids, jobs[i].JobID)
	}

	return ids
}

// sleep waits for d or for ctx cancellation, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
