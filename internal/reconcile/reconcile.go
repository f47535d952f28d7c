// Package reconcile advances remediation jobs by polling the coding agent
// and GitHub, and mapping what it finds onto the job state machine. It is
// driven both by the daemon's background loop and by the orchestrator
// between waves, so every pass must be idempotent: re-running against an
// unchanged world writes nothing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/tidemark-io/propagate/internal/agent"
	"github.com/tidemark-io/propagate/internal/github"
	"github.com/tidemark-io/propagate/internal/guardrails"
	"github.com/tidemark-io/propagate/internal/store"
)

// CIUnknownMaxAttempts is the default number of reconcile passes a job may
// hold at pr_opened with unknown CI before it is failed closed.
const CIUnknownMaxAttempts = 5

// ciUnknownPrefix keys the persisted attempt counter: one audit row per
// hold, counted by detail prefix so a process restart cannot reset it.
const ciUnknownPrefix = "CI status unknown"

// SessionGetter is the slice of the agent API the reconciler needs.
type SessionGetter interface {
	GetSession(ctx context.Context, sessionID string) (agent.Session, error)
}

// PRSource answers pull-request questions against the hosting provider.
type PRSource interface {
	FetchPRMetadata(ctx context.Context, prURL string) (github.PRMetadata, error)
	FetchCIStatus(ctx context.Context, prURL, headSHA string) (bool, string, error)
	FetchChangedFiles(ctx context.Context, prURL string) ([]string, error)
	FindReplacementOpenPR(ctx context.Context, prURL string, closed github.PRMetadata) (string, error)
}

var (
	_ SessionGetter = (*agent.Client)(nil)
	_ PRSource      = (*github.Client)(nil)
)

// Transition is one observed job move, returned so callers can print
// per-job progress.
type Transition struct {
	JobID      int64
	TargetRepo string
	From       string
	To         string
	Detail     string
}

// Reconciler polls in-progress jobs and persists state changes. All fields
// except Logger and MaxUnknownCI are required.
type Reconciler struct {
	Store  *store.Store
	Agent  SessionGetter
	GitHub PRSource
	Policy guardrails.Policy

	// MaxUnknownCI bounds the unknown-CI holds before failing closed.
	// Zero means CIUnknownMaxAttempts.
	MaxUnknownCI int

	// Tracer instruments per-job polls. Nil means no-op spans.
	Tracer trace.Tracer

	Logger *slog.Logger
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (r *Reconciler) maxUnknown() int {
	if r.MaxUnknownCI > 0 {
		return r.MaxUnknownCI
	}

	return CIUnknownMaxAttempts
}

func (r *Reconciler) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}

	return nooptrace.NewTracerProvider().Tracer("propagate.reconcile")
}

// Run reconciles every non-terminal job that has an agent run id,
// restricted to one change when changeID > 0. Poll failures against a
// single session are logged and skipped so one bad session cannot stall
// the rest; persistence failures abort the pass.
func (r *Reconciler) Run(ctx context.Context, changeID int64) ([]Transition, error) {
	jobs, err := r.Store.Jobs.InProgress(ctx, changeID)
	if err != nil {
		return nil, fmt.Errorf("list in-progress jobs: %w", err)
	}

	var applied []Transition

	for i := range jobs {
		job := jobs[i]

		if job.AgentRunID == nil || *job.AgentRunID == "" {
			continue
		}

		trs, err := r.reconcileOne(ctx, &job)
		if err != nil {
			return applied, fmt.Errorf("reconcile job %d: %w", job.JobID, err)
		}

		applied = append(applied, trs...)
	}

	return applied, nil
}

// reconcileOne polls one job's session and applies whatever transition
// the state machine derives. A failed session fetch is logged and
// skipped; only persistence errors propagate.
func (r *Reconciler) reconcileOne(ctx context.Context, job *store.Job) ([]Transition, error) {
	ctx, span := r.tracer().Start(ctx, "propagate.reconcile.job",
		trace.WithAttributes(attribute.Int64("job.id", job.JobID)))
	defer span.End()

	session, err := r.Agent.GetSession(ctx, *job.AgentRunID)
	if err != nil {
		if errors.Is(err, agent.ErrAuthentication) {
			r.logger().Error("agent authentication failed, skipping session",
				"job_id", job.JobID, "run_id", *job.AgentRunID)
		} else {
			r.logger().Warn("poll agent session",
				"job_id", job.JobID, "run_id", *job.AgentRunID, "error", err)
		}

		return nil, nil
	}

	return r.reconcileJob(ctx, job, session)
}

// auditRow is a pending audit_log append, buffered until the job's single
// commit.
type auditRow struct {
	from, to, detail string
}

// reconcileJob evaluates one job against the live session and PR state,
// then commits the outcome in one transaction.
func (r *Reconciler) reconcileJob(ctx context.Context, job *store.Job, session agent.Session) ([]Transition, error) {
	var (
		rows  []auditRow
		dirty bool
	)

	move := func(to, detail string) {
		rows = append(rows, auditRow{from: job.Status, to: to, detail: detail})
		job.Status = to
		dirty = true
	}

	meta, metaKnown, done := r.resolveAttachment(ctx, job, session, move, &dirty)
	if !done {
		switch agentStatus(session) {
		case "blocked":
			if job.PRURL == nil {
				job.ErrorSummary = strPtr("Devin session blocked")
				move(store.StatusNeedsHuman, "Devin session blocked")
			}
			// With a PR attached the job holds at pr_opened and we keep
			// observing; resolveAttachment already moved it there.

		case "stopped", "completed":
			if job.PRURL == nil {
				job.ErrorSummary = strPtr("Devin stopped without PR")
				move(store.StatusNeedsHuman, "Devin stopped without PR")

				break
			}

			if err := r.finishWithPR(ctx, job, session, meta, metaKnown, move, &dirty, &rows); err != nil {
				return nil, err
			}

		case "failed", "error", "cancelled":
			summary := "Devin session " + agentStatus(session)
			job.ErrorSummary = strPtr(summary)
			move(store.StatusCIFailed, summary)

		default:
			// Still running, queued, or working. resolveAttachment has
			// already promoted to pr_opened when a PR appeared.
		}
	}

	if !dirty && len(rows) == 0 {
		return nil, nil
	}

	err := r.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Jobs.Update(ctx, job); err != nil {
			return err
		}

		for _, row := range rows {
			if err := tx.Audit.Append(ctx, job.JobID, row.from, row.to, row.detail); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	trs := make([]Transition, 0, len(rows))

	for _, row := range rows {
		r.logger().Info("job transition",
			"job_id", job.JobID, "repo", job.TargetRepo,
			"from", row.from, "to", row.to, "detail", row.detail)

		trs = append(trs, Transition{
			JobID:      job.JobID,
			TargetRepo: job.TargetRepo,
			From:       row.from,
			To:         row.to,
			Detail:     row.detail,
		})
	}

	return trs, nil
}

// resolveAttachment decides which PR, if any, the job tracks. A PR is
// attachable unless it is closed without merge; a closed-unmerged PR
// triggers the replacement search, and when no replacement exists the job
// is parked at needs_human (done=true). Metadata fetch failures leave the
// candidate attached with unknown state.
func (r *Reconciler) resolveAttachment(
	ctx context.Context,
	job *store.Job,
	session agent.Session,
	move func(to, detail string),
	dirty *bool,
) (meta github.PRMetadata, metaKnown bool, done bool) {
	candidate := session.PRCandidate()
	if candidate == "" && job.PRURL != nil {
		candidate = *job.PRURL
	}

	if candidate == "" {
		return github.PRMetadata{}, false, false
	}

	swapDetail := ""

	m, err := r.GitHub.FetchPRMetadata(ctx, candidate)
	if err != nil {
		r.logger().Warn("fetch PR metadata", "job_id", job.JobID, "pr_url", candidate, "error", err)
	} else {
		meta, metaKnown = m, true

		if closedUnmerged(m) {
			replacement, rerr := r.GitHub.FindReplacementOpenPR(ctx, candidate, m)
			if rerr != nil {
				r.logger().Warn("replacement PR search", "job_id", job.JobID, "pr_url", candidate, "error", rerr)

				replacement = ""
			}

			if replacement == "" {
				job.PRURL = nil
				job.ErrorSummary = strPtr("PR closed without merge")
				move(store.StatusNeedsHuman, "PR closed without merge")

				return github.PRMetadata{}, false, true
			}

			swapDetail = fmt.Sprintf("PR replaced after close: %s -> %s", candidate, replacement)
			candidate = replacement

			m2, err2 := r.GitHub.FetchPRMetadata(ctx, replacement)
			if err2 != nil {
				r.logger().Warn("fetch replacement PR metadata", "job_id", job.JobID, "pr_url", replacement, "error", err2)

				meta, metaKnown = github.PRMetadata{}, false
			} else {
				meta, metaKnown = m2, true
			}
		}
	}

	if job.PRURL == nil || *job.PRURL != candidate {
		job.PRURL = &candidate
		*dirty = true
	}

	switch {
	case job.Status != store.StatusPROpened:
		detail := "PR: " + candidate
		if swapDetail != "" {
			detail = swapDetail
		}

		move(store.StatusPROpened, detail)
	case swapDetail != "":
		// Already at pr_opened: record the swap without a state change.
		move(store.StatusPROpened, swapDetail)
	}

	return meta, metaKnown, false
}

// finishWithPR handles a finished agent session that holds a PR: resolve
// CI, validate the changed files, and settle the job.
func (r *Reconciler) finishWithPR(
	ctx context.Context,
	job *store.Job,
	session agent.Session,
	meta github.PRMetadata,
	metaKnown bool,
	move func(to, detail string),
	dirty *bool,
	rows *[]auditRow,
) error {
	prURL := *job.PRURL
	passed, ciStatus := r.resolveCI(ctx, job, session, meta, metaKnown)

	switch {
	case passed:
		if violated := r.validateChangedFiles(ctx, job, move); violated {
			return nil
		}

		_, mergeReason := r.Policy.CheckCanMerge(true)

		job.ErrorSummary = nil
		*dirty = true

		move(store.StatusGreen, fmt.Sprintf("PR: %s | merge: %s", prURL, mergeReason))

	case ciStatus == github.CIPending:
		// Checks are still running. Hold at pr_opened without burning an
		// unknown-CI attempt; the next pass re-checks.

	case ciStatus == github.CIUnknown:
		attempts, err := r.Store.Audit.CountDetailPrefix(ctx, job.JobID, ciUnknownPrefix)
		if err != nil {
			return fmt.Errorf("count unknown-CI attempts: %w", err)
		}

		maxAttempts := r.maxUnknown()

		if attempts >= maxAttempts {
			summary := fmt.Sprintf("CI status unknown after %d attempts, failing closed", attempts)
			job.ErrorSummary = strPtr(summary)
			move(store.StatusCIFailed, summary)

			break
		}

		detail := fmt.Sprintf("CI status unknown, holding at PR_OPENED (attempt %d/%d): %s",
			attempts+1, maxAttempts, prURL)
		*rows = append(*rows, auditRow{from: job.Status, to: job.Status, detail: detail})

	default:
		job.ErrorSummary = strPtr("CI status: " + ciStatus)
		move(store.StatusCIFailed, fmt.Sprintf("PR exists but CI failed (%s): %s", ciStatus, prURL))
	}

	return nil
}

// resolveCI prefers the GitHub Checks verdict; the agent's self-reported
// CI status counts only when GitHub cannot say. A merged PR counts as
// passed outright.
func (r *Reconciler) resolveCI(
	ctx context.Context,
	job *store.Job,
	session agent.Session,
	meta github.PRMetadata,
	metaKnown bool,
) (bool, string) {
	if metaKnown && meta.Merged {
		return true, "merged"
	}

	headSHA := ""
	if metaKnown {
		headSHA = meta.HeadSHA
	}

	passed, ciStatus, err := r.GitHub.FetchCIStatus(ctx, *job.PRURL, headSHA)
	if err != nil {
		r.logger().Warn("fetch CI status", "job_id", job.JobID, "pr_url", *job.PRURL, "error", err)

		passed, ciStatus = false, github.CIUnknown
	}

	if ciStatus != github.CIUnknown {
		return passed, ciStatus
	}

	self := ""
	if session.StructuredOutput != nil {
		self = strings.ToLower(strings.TrimSpace(session.StructuredOutput.CIStatus))
	}

	switch self {
	case "passed", "success":
		return true, github.CIPassed
	case "", "unknown":
		return false, github.CIUnknown
	default:
		return false, self
	}
}

// validateChangedFiles runs the post-execution guardrail check against the
// PR's changed files. It returns true when the job was parked at
// needs_human.
func (r *Reconciler) validateChangedFiles(ctx context.Context, job *store.Job, move func(to, detail string)) bool {
	files, err := r.GitHub.FetchChangedFiles(ctx, *job.PRURL)
	if err != nil {
		if len(r.Policy.ProtectedPaths) == 0 {
			return false
		}

		// Protected paths are configured but unverifiable: fail closed.
		r.logger().Warn("fetch PR changed files", "job_id", job.JobID, "pr_url", *job.PRURL, "error", err)

		job.ErrorSummary = strPtr("Cannot verify PR changed files")
		move(store.StatusNeedsHuman, "Cannot verify PR changed files")

		return true
	}

	violations := r.Policy.ValidatePaths(files)
	if len(violations) == 0 {
		return false
	}

	job.ErrorSummary = strPtr("Post-execution path violation")
	move(store.StatusNeedsHuman, "Post-execution path violation: "+strings.Join(violations, "; "))

	return true
}

func agentStatus(session agent.Session) string {
	return strings.ToLower(strings.TrimSpace(session.StatusEnum))
}

func closedUnmerged(meta github.PRMetadata) bool {
	return strings.EqualFold(meta.State, "closed") && !meta.Merged
}

func strPtr(s string) *string {
	return &s
}
