// Package dispatch fans remediation bundles out to the coding agent.
// Dispatch is fire-and-forget: each fan-out unit creates and advances
// its own job row in its own transactions, and polling for completion
// belongs to the reconciler.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tidemark-io/propagate/internal/agent"
	"github.com/tidemark-io/propagate/internal/bundle"
	"github.com/tidemark-io/propagate/internal/guardrails"
	"github.com/tidemark-io/propagate/internal/store"
)

// SessionStarter is the slice of the agent API dispatch needs.
type SessionStarter interface {
	CreateSession(ctx context.Context, prompt, idempotencyKey string, waveContext any) (agent.Session, error)
}

var _ SessionStarter = (*agent.Client)(nil)

// Dispatcher creates remediation jobs and starts agent sessions for
// them under the configured concurrency cap.
type Dispatcher struct {
	Store  *store.Store
	Agent  SessionStarter
	Policy guardrails.Policy

	// Logger receives dispatch progress. When nil, a discard logger
	// is used.
	Logger *slog.Logger
}

// IdempotencyKey identifies one (change, bundle) dispatch unit so a
// re-run cannot start a duplicate agent session.
func IdempotencyKey(changeID int64, bundleHash string) string {
	return fmt.Sprintf("change-%d-%s", changeID, bundleHash)
}

// DispatchWave fans out one wave of bundles and returns the created
// job rows in bundle order. Agent failures are absorbed into
// needs_human rows; only persistence failures abort the wave.
func (d *Dispatcher) DispatchWave(ctx context.Context, changeID int64, bundles []bundle.Bundle) ([]store.Job, error) {
	if len(bundles) == 0 {
		return nil, nil
	}

	capacity := int64(d.Policy.MaxParallel)
	if capacity < 1 {
		capacity = 1
	}

	sem := semaphore.NewWeighted(capacity)
	slots := make([]*store.Job, len(bundles))

	g, gctx := errgroup.WithContext(ctx)

	for i, b := range bundles {
		g.Go(func() error {
			job, err := d.dispatchOne(gctx, sem, changeID, b)
			if job != nil {
				slots[i] = job
			}

			return err
		})
	}

	err := g.Wait()

	jobs := make([]store.Job, 0, len(slots))

	for _, job := range slots {
		if job != nil {
			jobs = append(jobs, *job)
		}
	}

	return jobs, err
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sem *semaphore.Weighted, changeID int64, b bundle.Bundle) (*store.Job, error) {
	paths := make([]string, 0, len(b.ClientPaths)+len(b.TestPaths)+len(b.FrontendPaths))
	paths = append(paths, b.ClientPaths...)
	paths = append(paths, b.TestPaths...)
	paths = append(paths, b.FrontendPaths...)

	if violations := d.Policy.ValidatePaths(paths); len(violations) > 0 {
		return d.createBlockedJob(ctx, changeID, b, violations)
	}

	job := &store.Job{
		ChangeID:      changeID,
		TargetRepo:    b.TargetRepo,
		TargetService: b.TargetService,
		Status:        store.StatusQueued,
		BundleHash:    b.BundleHash,
	}

	err := d.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Jobs.Insert(ctx, job); err != nil {
			return err
		}

		return tx.Audit.Append(ctx, job.JobID, "", store.StatusQueued, "Job created")
	})
	if err != nil {
		return nil, err
	}

	d.logger().Info("job queued", "job_id", job.JobID, "service", b.TargetService)

	if err := sem.Acquire(ctx, 1); err != nil {
		return job, err
	}
	defer sem.Release(1)

	job.Status = store.StatusRunning

	err = d.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Jobs.Update(ctx, job); err != nil {
			return err
		}

		return tx.Audit.Append(ctx, job.JobID, store.StatusQueued, store.StatusRunning, "Dispatching to Devin")
	})
	if err != nil {
		return job, err
	}

	session, err := d.Agent.CreateSession(ctx, b.Prompt, IdempotencyKey(changeID, b.BundleHash), nil)
	if err != nil {
		d.logger().Error("agent dispatch failed",
			"job_id", job.JobID, "service", b.TargetService, "error", err)

		return job, d.failJob(ctx, job, store.StatusRunning, err.Error())
	}

	runID := session.SessionID
	job.AgentRunID = &runID

	if err := d.Store.Jobs.Update(ctx, job); err != nil {
		return job, err
	}

	d.logger().Info("agent session started",
		"job_id", job.JobID, "service", b.TargetService, "run_id", runID)

	return job, nil
}

func (d *Dispatcher) createBlockedJob(ctx context.Context, changeID int64, b bundle.Bundle, violations []string) (*store.Job, error) {
	summary := "Guardrail violation: " + strings.Join(violations, "; ")

	job := &store.Job{
		ChangeID:      changeID,
		TargetRepo:    b.TargetRepo,
		TargetService: b.TargetService,
		Status:        store.StatusNeedsHuman,
		BundleHash:    b.BundleHash,
		ErrorSummary:  &summary,
	}

	err := d.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Jobs.Insert(ctx, job); err != nil {
			return err
		}

		return tx.Audit.Append(ctx, job.JobID, "", store.StatusNeedsHuman, summary)
	})
	if err != nil {
		return nil, err
	}

	d.logger().Warn("bundle blocked by guardrails",
		"service", b.TargetService, "violations", strings.Join(violations, "; "))

	return job, nil
}

func (d *Dispatcher) failJob(ctx context.Context, job *store.Job, oldStatus, reason string) error {
	job.Status = store.StatusNeedsHuman
	job.ErrorSummary = &reason

	return d.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Jobs.Update(ctx, job); err != nil {
			return err
		}

		return tx.Audit.Append(ctx, job.JobID, oldStatus, store.StatusNeedsHuman, reason)
	})
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
