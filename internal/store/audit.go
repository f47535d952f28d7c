package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// AuditEntry is one recorded job status transition.
type AuditEntry struct {
	ID        int64     `db:"id"`
	JobID     int64     `db:"job_id"`
	OldStatus *string   `db:"old_status"`
	NewStatus string    `db:"new_status"`
	Detail    string    `db:"detail"`
	ChangedAt time.Time `db:"changed_at"`
}

// AuditStore persists the job transition trail.
type AuditStore struct {
	q sqlx.ExtContext
}

// Append records one transition. An empty oldStatus marks the creation
// row and is stored as NULL.
func (s *AuditStore) Append(ctx context.Context, jobID int64, oldStatus, newStatus, detail string) error {
	var old *string
	if oldStatus != "" {
		old = &oldStatus
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_log (job_id, old_status, new_status, detail, changed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		jobID, old, newStatus, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append audit for job %d: %w", jobID, err)
	}

	return nil
}

// ByJob returns a job's transitions in insertion order.
func (s *AuditStore) ByJob(ctx context.Context, jobID int64) ([]AuditEntry, error) {
	var out []AuditEntry

	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT id, job_id, old_status, new_status, detail, changed_at
		FROM audit_log
		WHERE job_id = $1
		ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load audit for job %d: %w", jobID, err)
	}

	return out, nil
}

// CountDetailPrefix counts a job's transitions whose detail starts with
// prefix. The reconciler bounds repeated holds with it across runs.
func (s *AuditStore) CountDetailPrefix(ctx context.Context, jobID int64, prefix string) (int, error) {
	var n int

	err := sqlx.GetContext(ctx, s.q, &n, `
		SELECT COUNT(*)
		FROM audit_log
		WHERE job_id = $1 AND detail LIKE $2 || '%'`,
		jobID, prefix)
	if err != nil {
		return 0, fmt.Errorf("count audit details for job %d: %w", jobID, err)
	}

	return n, nil
}
