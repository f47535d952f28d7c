// Package notify emits fire-and-forget webhooks to the notification
// service. Delivery failures are logged and dropped: notifications must
// never block the remediation pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidemark-io/propagate/internal/store"
)

// Webhook paths on the notification service.
const (
	PathPROpened         = "/api/v1/webhooks/pr-opened"
	PathRecoveryComplete = "/api/v1/webhooks/recovery-complete"
)

const defaultTimeout = 5 * time.Second

// PROpenedEvent announces a remediation PR ready for review.
type PROpenedEvent struct {
	EventID       string   `json:"event_id"`
	EventType     string   `json:"event_type"`
	ChangeID      int64    `json:"change_id"`
	JobID         int64    `json:"job_id"`
	Timestamp     string   `json:"timestamp"`
	SourceRepo    string   `json:"source_repo"`
	TargetRepo    string   `json:"target_repo"`
	TargetService string   `json:"target_service"`
	PRURL         string   `json:"pr_url"`
	SessionURL    string   `json:"devin_session_url"`
	Severity      string   `json:"severity"`
	IsBreaking    bool     `json:"is_breaking"`
	Summary       string   `json:"summary"`
	ChangedRoutes []string `json:"changed_routes"`
}

// BuildPROpened assembles a pr-opened event for a job that just produced
// a pull request. sourceRepo names the contract-owning service.
func BuildPROpened(change *store.Change, job *store.Job, sourceRepo, sessionURL string) PROpenedEvent {
	severity := change.Severity
	if severity == "" {
		severity = "high"
	}

	service := job.TargetService
	if service == "" {
		service = shortName(job.TargetRepo)
	}

	event := PROpenedEvent{
		EventID:       uuid.NewString(),
		EventType:     "pr_opened",
		ChangeID:      change.ID,
		JobID:         job.JobID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SourceRepo:    sourceRepo,
		TargetRepo:    job.TargetRepo,
		TargetService: service,
		SessionURL:    sessionURL,
		Severity:      severity,
		IsBreaking:    change.IsBreaking,
		Summary:       change.Summary,
		ChangedRoutes: change.ChangedRoutes,
	}

	if job.PRURL != nil {
		event.PRURL = *job.PRURL
	}

	return event
}

// JobOutcome is one job's entry in a recovery-complete event.
type JobOutcome struct {
	JobID         int64  `json:"job_id"`
	TargetRepo    string `json:"target_repo"`
	TargetService string `json:"target_service"`
	PRURL         string `json:"pr_url"`
	StartedAt     string `json:"started_at"`
	ResolvedAt    string `json:"resolved_at"`
}

// RecoveryCompleteEvent announces that every job of a change went green.
type RecoveryCompleteEvent struct {
	EventID          string       `json:"event_id"`
	EventType        string       `json:"event_type"`
	ChangeID         int64        `json:"change_id"`
	Timestamp        string       `json:"timestamp"`
	Severity         string       `json:"severity"`
	IsBreaking       bool         `json:"is_breaking"`
	Summary          string       `json:"summary"`
	AffectedServices []string     `json:"affected_services"`
	ChangedRoutes    []string     `json:"changed_routes"`
	TotalJobs        int          `json:"total_jobs"`
	Jobs             []JobOutcome `json:"jobs"`
	MTTRSeconds      int64        `json:"mttr_seconds"`
}

// BuildRecoveryComplete summarizes a fully-green change. MTTR spans the
// earliest job creation to the latest job update.
func BuildRecoveryComplete(change *store.Change, jobs []store.Job) RecoveryCompleteEvent {
	severity := change.Severity
	if severity == "" {
		severity = "high"
	}

	event := RecoveryCompleteEvent{
		EventID:       uuid.NewString(),
		EventType:     "recovery_complete",
		ChangeID:      change.ID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Severity:      severity,
		IsBreaking:    change.IsBreaking,
		Summary:       change.Summary,
		ChangedRoutes: change.ChangedRoutes,
		TotalJobs:     len(jobs),
	}

	var earliest, latest time.Time

	for i := range jobs {
		job := jobs[i]

		service := job.TargetService
		if service == "" {
			service = shortName(job.TargetRepo)
		}

		outcome := JobOutcome{
			JobID:         job.JobID,
			TargetRepo:    job.TargetRepo,
			TargetService: service,
			StartedAt:     formatTime(job.CreatedAt),
			ResolvedAt:    formatTime(job.UpdatedAt),
		}

		if job.PRURL != nil {
			outcome.PRURL = *job.PRURL
		}

		if service != "" {
			event.AffectedServices = append(event.AffectedServices, service)
		}

		event.Jobs = append(event.Jobs, outcome)

		if !job.CreatedAt.IsZero() && (earliest.IsZero() || job.CreatedAt.Before(earliest)) {
			earliest = job.CreatedAt
		}

		if !job.UpdatedAt.IsZero() && job.UpdatedAt.After(latest) {
			latest = job.UpdatedAt
		}
	}

	if !earliest.IsZero() && !latest.IsZero() {
		if mttr := int64(latest.Sub(earliest).Seconds()); mttr > 0 {
			event.MTTRSeconds = mttr
		}
	}

	return event
}

// Config configures the notifier.
type Config struct {
	// BaseURL of the notification service. Empty disables delivery.
	BaseURL string

	// Timeout bounds each delivery. Zero means 5s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Notifier POSTs webhook events.
type Notifier struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// New builds a notifier from cfg.
func New(cfg Config) *Notifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Notifier{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Emit POSTs payload to the notification service at path. Failures are
// logged and swallowed; an unconfigured base URL skips delivery entirely.
func (n *Notifier) Emit(ctx context.Context, path string, payload any) {
	if n.baseURL == "" {
		n.logger.Debug("notification webhook URL not configured, skipping", "path", path)

		return
	}

	url := n.baseURL + path

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("webhook payload marshal failed", "url", url, "error", err)

		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed", "url", url, "error", err)

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", url, "error", err)

		return
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected", "url", url, "status", resp.StatusCode)

		return
	}

	n.logger.Info("webhook delivered", "url", url, "status", resp.StatusCode)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func shortName(repo string) string {
	trimmed := strings.TrimRight(repo, "/")

	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx+1 < len(trimmed) {
		return trimmed[idx+1:]
	}

	return trimmed
}
