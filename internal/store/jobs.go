package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Remediation job lifecycle states. Jobs start queued and end in
// exactly one of the three terminal states.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusPROpened   = "pr_opened"
	StatusGreen      = "green"
	StatusCIFailed   = "ci_failed"
	StatusNeedsHuman = "needs_human"
)

// IsTerminal reports whether status is one of the three end states.
func IsTerminal(status string) bool {
	switch status {
	case StatusGreen, StatusCIFailed, StatusNeedsHuman:
		return true
	default:
		return false
	}
}

// Job is one remediation unit: a single consumer repo fixed for a
// single contract change.
type Job struct {
	JobID         int64     `db:"job_id"`
	ChangeID      int64     `db:"change_id"`
	TargetRepo    string    `db:"target_repo"`
	TargetService string    `db:"target_service"`
	Status        string    `db:"status"`
	AgentRunID    *string   `db:"agent_run_id"`
	PRURL         *string   `db:"pr_url"`
	BundleHash    string    `db:"bundle_hash"`
	ErrorSummary  *string   `db:"error_summary"`
	IsDryRun      bool      `db:"is_dry_run"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

const jobColumns = `job_id, change_id, target_repo, target_service, status,
	agent_run_id, pr_url, bundle_hash, error_summary, is_dry_run, created_at, updated_at`

// JobStore persists remediation jobs.
type JobStore struct {
	q sqlx.ExtContext
}

// Insert stores the job and fills its JobID. Zero timestamps and an
// empty status get the queued-now defaults.
func (s *JobStore) Insert(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = StatusQueued
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	err := sqlx.GetContext(ctx, s.q, &job.JobID, `
		INSERT INTO remediation_jobs
			(change_id, target_repo, target_service, status, agent_run_id, pr_url,
			 bundle_hash, error_summary, is_dry_run, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING job_id`,
		job.ChangeID, job.TargetRepo, job.TargetService, job.Status, job.AgentRunID,
		job.PRURL, job.BundleHash, job.ErrorSummary, job.IsDryRun, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store job for %s: %w", job.TargetRepo, err)
	}

	return nil
}

// Update writes the mutable job fields and bumps updated_at.
func (s *JobStore) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()

	res, err := s.q.ExecContext(ctx, `
		UPDATE remediation_jobs
		SET change_id = $1, target_repo = $2, target_service = $3, status = $4,
		    agent_run_id = $5, pr_url = $6, bundle_hash = $7, error_summary = $8,
		    updated_at = $9
		WHERE job_id = $10`,
		job.ChangeID, job.TargetRepo, job.TargetService, job.Status, job.AgentRunID,
		job.PRURL, job.BundleHash, job.ErrorSummary, job.UpdatedAt, job.JobID)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.JobID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update job %d: %w", job.JobID, ErrNotFound)
	}

	return nil
}

// ByID returns one job, or ErrNotFound.
func (s *JobStore) ByID(ctx context.Context, jobID int64) (*Job, error) {
	var job Job

	err := sqlx.GetContext(ctx, s.q, &job,
		`SELECT `+jobColumns+` FROM remediation_jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", jobID, err)
	}

	return &job, nil
}

// ByIDs returns the jobs with the given ids, in id order.
func (s *JobStore) ByIDs(ctx context.Context, ids []int64) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(
		`SELECT `+jobColumns+` FROM remediation_jobs WHERE job_id IN (?) ORDER BY job_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("expand job id list: %w", err)
	}

	var out []Job

	if err := sqlx.SelectContext(ctx, s.q, &out, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load jobs by id: %w", err)
	}

	return out, nil
}

// ByChange returns all jobs for a change, oldest first.
func (s *JobStore) ByChange(ctx context.Context, changeID int64) ([]Job, error) {
	var out []Job

	err := sqlx.SelectContext(ctx, s.q, &out,
		`SELECT `+jobColumns+` FROM remediation_jobs WHERE change_id = $1 ORDER BY job_id`, changeID)
	if err != nil {
		return nil, fmt.Errorf("load jobs for change %d: %w", changeID, err)
	}

	return out, nil
}

// ByAgentRunID returns the newest job bound to an agent session, or
// ErrNotFound.
func (s *JobStore) ByAgentRunID(ctx context.Context, runID string) (*Job, error) {
	var job Job

	err := sqlx.GetContext(ctx, s.q, &job,
		`SELECT `+jobColumns+` FROM remediation_jobs
		 WHERE agent_run_id = $1 ORDER BY job_id DESC LIMIT 1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load job for agent run %s: %w", runID, err)
	}

	return &job, nil
}

// NewestForChangeRepo returns the most recently touched job for a
// change and target repo, or ErrNotFound. Live sync uses it to attach
// sessions that lost their run-id binding.
func (s *JobStore) NewestForChangeRepo(ctx context.Context, changeID int64, repo string) (*Job, error) {
	var job Job

	err := sqlx.GetContext(ctx, s.q, &job,
		`SELECT `+jobColumns+` FROM remediation_jobs
		 WHERE change_id = $1 AND target_repo = $2
		 ORDER BY updated_at DESC, created_at DESC, job_id DESC
		 LIMIT 1`, changeID, repo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load newest job for change %d repo %s: %w", changeID, repo, err)
	}

	return &job, nil
}

// InProgress returns dispatched jobs that have not reached a terminal
// state. A positive changeID narrows the scan to one change.
func (s *JobStore) InProgress(ctx context.Context, changeID int64) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM remediation_jobs
		WHERE status NOT IN ($1, $2, $3) AND agent_run_id IS NOT NULL`
	args := []any{StatusGreen, StatusCIFailed, StatusNeedsHuman}

	if changeID > 0 {
		query += ` AND change_id = $4`
		args = append(args, changeID)
	}

	query += ` ORDER BY job_id`

	var out []Job

	if err := sqlx.SelectContext(ctx, s.q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("load in-progress jobs: %w", err)
	}

	return out, nil
}
