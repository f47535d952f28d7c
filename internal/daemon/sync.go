package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidemark-io/propagate/internal/agent"
	"github.com/tidemark-io/propagate/internal/github"
	"github.com/tidemark-io/propagate/internal/notify"
	"github.com/tidemark-io/propagate/internal/observability"
	"github.com/tidemark-io/propagate/internal/servicemap"
	"github.com/tidemark-io/propagate/internal/store"
)

// liveSyncRef marks the synthetic change live imports attach to when the
// change table is empty.
const liveSyncRef = "devin-live-sync"

// defaultSessionLimit bounds how many recent sessions one pass fetches.
const defaultSessionLimit = 50

// summaryMax caps session-derived change summaries.
const summaryMax = 200

// SessionLister is the slice of the agent API the syncer needs.
type SessionLister interface {
	ListSessions(ctx context.Context, limit int, status string) ([]agent.Session, error)
	GetSession(ctx context.Context, sessionID string) (agent.Session, error)
}

var (
	_ SessionLister                   = (*agent.Client)(nil)
	_ observability.SyncStatsProvider = (*Syncer)(nil)
)

// Summary reports what one sync pass did.
type Summary struct {
	Synced       int   `json:"synced"`
	Imported     int   `json:"imported"`
	Updated      int   `json:"updated"`
	Skipped      int   `json:"skipped"`
	TotalFetched int   `json:"total_fetched"`
	ChangeID     int64 `json:"change_id,omitempty"`
}

// Syncer imports live agent sessions as remediation jobs so the job table
// reflects work started outside a pipeline run. A single instance
// serializes the daemon loop and the manual trigger through its mutex,
// and its cumulative counters back the sync gauges.
type Syncer struct {
	Store    *store.Store
	Agent    SessionLister
	Services servicemap.Map

	// Notifier receives pr-opened and recovery-complete webhooks. Nil
	// disables notifications.
	Notifier *notify.Notifier

	// Owner names the contract-publishing service, reported as the
	// webhook source repo.
	Owner string

	// AppBase is the agent web UI base URL for session deep links.
	AppBase string

	// Limit bounds sessions fetched per pass. Zero means 50.
	Limit int

	Logger *slog.Logger

	mu sync.Mutex

	imported atomic.Int64
	updated  atomic.Int64
	skipped  atomic.Int64
	passes   atomic.Int64
}

// liveSession is one agent session normalized into job-table vocabulary.
type liveSession struct {
	RunID   string
	Repo    string
	Service string
	PRURL   string
	Status  string
	Summary string
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *Syncer) limit() int {
	if s.Limit > 0 {
		return s.Limit
	}

	return defaultSessionLimit
}

// JobsImported reports the cumulative count of jobs created by live sync.
func (s *Syncer) JobsImported() int64 { return s.imported.Load() }

// JobsUpdated reports the cumulative count of jobs touched by live sync.
func (s *Syncer) JobsUpdated() int64 { return s.updated.Load() }

// JobsSkipped reports the cumulative count of sessions no job could be
// derived from.
func (s *Syncer) JobsSkipped() int64 { return s.skipped.Load() }

// Passes reports how many sync passes have completed.
func (s *Syncer) Passes() int64 { return s.passes.Load() }

// Run performs one sync pass: fetch recent sessions, upsert each as a
// remediation job keyed by agent run id, then emit webhooks for fresh
// pr_opened transitions and for changes whose jobs all went green.
// Sessions that cannot be tied to a repository in the service map count
// as skipped.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.Agent.ListSessions(ctx, s.limit(), "")
	if err != nil {
		return Summary{}, fmt.Errorf("list agent sessions: %w", err)
	}

	repoServices := s.repoIndex()
	summary := Summary{TotalFetched: len(sessions)}

	var (
		change *store.Change
		events []notify.PROpenedEvent
	)

	for _, listed := range sessions {
		live, ok := s.resolveSession(ctx, listed, repoServices)
		if !ok {
			summary.Skipped++

			continue
		}

		if change == nil {
			change, err = s.latestOrCreateChange(ctx, live.Summary)
			if err != nil {
				return summary, err
			}
		}

		event, err := s.upsertJob(ctx, change, live, &summary)
		if err != nil {
			return summary, err
		}

		if event != nil {
			events = append(events, *event)
		}
	}

	summary.Synced = summary.Imported + summary.Updated
	if change != nil {
		summary.ChangeID = change.ID
	}

	s.imported.Add(int64(summary.Imported))
	s.updated.Add(int64(summary.Updated))
	s.skipped.Add(int64(summary.Skipped))
	s.passes.Add(1)

	s.notifyOutcomes(ctx, change, events)

	return summary, nil
}

// resolveSession normalizes one listed session, fetching its detail record
// for the richer fields. It reports false for sessions that cannot be
// tied to a known repository.
func (s *Syncer) resolveSession(ctx context.Context, listed agent.Session, repoServices map[string]string) (liveSession, bool) {
	if listed.SessionID == "" {
		return liveSession{}, false
	}

	sess, err := s.Agent.GetSession(ctx, listed.SessionID)
	if err != nil {
		s.logger().Warn("session detail fetch failed, using list entry",
			"session_id", listed.SessionID, "error", err)

		sess = listed
	}

	if sess.SessionID == "" {
		sess.SessionID = listed.SessionID
	}

	prURL := sess.PRCandidate()
	if prURL == "" {
		prURL = listed.PRCandidate()
	}

	repo := github.RepoURLFromPR(prURL)
	if repo == "" {
		repo = github.NormalizeRepoURL(sess.RepoHint())
	}

	if repo == "" {
		repo = github.NormalizeRepoURL(listed.RepoHint())
	}

	if repo == "" {
		return liveSession{}, false
	}

	service, known := repoServices[repo]
	if len(repoServices) > 0 && !known {
		s.logger().Debug("session repo not in service map, skipping",
			"session_id", sess.SessionID, "repo", repo)

		return liveSession{}, false
	}

	if service == "" {
		service = repoShortName(repo)
	}

	statusEnum := sess.StatusEnum
	if statusEnum == "" {
		statusEnum = listed.StatusEnum
	}

	return liveSession{
		RunID:   sess.SessionID,
		Repo:    repo,
		Service: service,
		PRURL:   prURL,
		Status:  mapStatus(statusEnum, prURL),
		Summary: sessionSummary(sess),
	}, true
}

// latestOrCreateChange returns the newest change row, creating the
// synthetic live-sync change when the table is empty.
func (s *Syncer) latestOrCreateChange(ctx context.Context, summary string) (*store.Change, error) {
	change, err := s.Store.Changes.Latest(ctx)
	if err == nil {
		return change, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	change = &store.Change{
		BaseRef:    liveSyncRef,
		HeadRef:    liveSyncRef,
		IsBreaking: true,
		Severity:   "high",
		Summary:    summary,
	}

	if err := s.Store.Changes.Insert(ctx, change); err != nil {
		return nil, err
	}

	s.logger().Info("created live-sync change", "change_id", change.ID)

	return change, nil
}

// upsertJob records live as a job insert, or as an update touching only
// fields that actually changed. It returns a pr-opened event when the
// session put its job into pr_opened for the first time.
func (s *Syncer) upsertJob(ctx context.Context, change *store.Change, live liveSession, summary *Summary) (*notify.PROpenedEvent, error) {
	job, err := s.findJob(ctx, change.ID, live.RunID, live.Repo)
	if err != nil {
		return nil, err
	}

	if job == nil {
		return s.importJob(ctx, change, live, summary)
	}

	prev := job.Status

	if applySession(job, change.ID, live) {
		if err := s.Store.Jobs.Update(ctx, job); err != nil {
			return nil, err
		}

		summary.Updated++

		s.logger().Info("live session updated job",
			"job_id", job.JobID, "repo", live.Repo, "from", prev, "to", job.Status)
	}

	if job.Status == store.StatusPROpened && live.PRURL != "" && prev != store.StatusPROpened {
		event := notify.BuildPROpened(change, job, s.Owner, s.sessionURL(live.RunID))

		return &event, nil
	}

	return nil, nil
}

// importJob creates the job row for a session seen for the first time.
func (s *Syncer) importJob(ctx context.Context, change *store.Change, live liveSession, summary *Summary) (*notify.PROpenedEvent, error) {
	runID := live.RunID

	job := &store.Job{
		ChangeID:      change.ID,
		TargetRepo:    live.Repo,
		TargetService: live.Service,
		Status:        live.Status,
		AgentRunID:    &runID,
	}

	if live.PRURL != "" {
		prURL := live.PRURL
		job.PRURL = &prURL
	}

	if err := s.Store.Jobs.Insert(ctx, job); err != nil {
		return nil, err
	}

	summary.Imported++

	s.logger().Info("imported live agent session",
		"job_id", job.JobID, "session_id", runID, "repo", live.Repo, "status", live.Status)

	if live.Status == store.StatusPROpened && live.PRURL != "" {
		event := notify.BuildPROpened(change, job, s.Owner, s.sessionURL(runID))

		return &event, nil
	}

	return nil, nil
}

// findJob locates the job a session maps onto: by run id first, then the
// newest job for the same change and repo. The fallback reclaims jobs
// whose dispatch never got a session id back from the agent.
func (s *Syncer) findJob(ctx context.Context, changeID int64, runID, repo string) (*store.Job, error) {
	job, err := s.Store.Jobs.ByAgentRunID(ctx, runID)
	if err == nil {
		return job, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	job, err = s.Store.Jobs.NewestForChangeRepo(ctx, changeID, repo)
	if err == nil {
		return job, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return nil, nil
}

// applySession folds session-derived fields into job, reporting whether
// anything changed.
func applySession(job *store.Job, changeID int64, live liveSession) bool {
	dirty := false

	if job.ChangeID == 0 {
		job.ChangeID = changeID
		dirty = true
	}

	if job.AgentRunID == nil || *job.AgentRunID != live.RunID {
		runID := live.RunID
		job.AgentRunID = &runID
		dirty = true
	}

	if job.TargetRepo != live.Repo {
		job.TargetRepo = live.Repo
		dirty = true
	}

	if job.TargetService == "" {
		job.TargetService = live.Service
		dirty = true
	}

	if job.Status != live.Status {
		job.Status = live.Status
		dirty = true
	}

	if live.PRURL != "" && (job.PRURL == nil || *job.PRURL != live.PRURL) {
		prURL := live.PRURL
		job.PRURL = &prURL
		dirty = true
	}

	return dirty
}

// notifyOutcomes fires the webhooks one pass produced: any fresh
// pr_opened transitions, then recovery-complete when every non-dry-run
// job of the change is green. Delivery is fire-and-forget.
func (s *Syncer) notifyOutcomes(ctx context.Context, change *store.Change, events []notify.PROpenedEvent) {
	if s.Notifier == nil || change == nil {
		return
	}

	for i := range events {
		s.Notifier.Emit(ctx, notify.PathPROpened, events[i])
	}

	jobs, err := s.Store.Jobs.ByChange(ctx, change.ID)
	if err != nil {
		s.logger().Warn("recovery-complete check failed", "change_id", change.ID, "error", err)

		return
	}

	var green []store.Job

	for _, job := range jobs {
		if job.IsDryRun {
			continue
		}

		if job.Status != store.StatusGreen {
			return
		}

		green = append(green, job)
	}

	if len(green) == 0 {
		return
	}

	s.Notifier.Emit(ctx, notify.PathRecoveryComplete, notify.BuildRecoveryComplete(change, green))
	s.logger().Info("change fully green, recovery-complete emitted",
		"change_id", change.ID, "jobs", len(green))
}

// repoIndex maps normalized repository URLs to service names.
func (s *Syncer) repoIndex() map[string]string {
	index := make(map[string]string, len(s.Services))

	for name, svc := range s.Services {
		if repo := github.NormalizeRepoURL(svc.Repo); repo != "" {
			index[repo] = name
		}
	}

	return index
}

// sessionURL builds the agent web UI deep link for a session.
func (s *Syncer) sessionURL(sessionID string) string {
	base := strings.TrimRight(s.AppBase, "/")
	if base == "" {
		return ""
	}

	return base + "/sessions/" + sessionID
}

// mapStatus translates an agent session state into the job state machine.
// A session that finished with a PR parks at pr_opened for the reconciler
// to grade; one that finished without a PR is assumed green.
func mapStatus(agentStatus, prURL string) string {
	switch strings.ToLower(strings.TrimSpace(agentStatus)) {
	case "running", "queued", "created", "in_progress":
		return store.StatusRunning
	case "blocked":
		if prURL != "" {
			return store.StatusPROpened
		}

		return store.StatusNeedsHuman
	case "failed", "error", "cancelled":
		return store.StatusCIFailed
	case "stopped", "finished", "completed", "succeeded", "success":
		if prURL != "" {
			return store.StatusPROpened
		}

		return store.StatusGreen
	default:
		return store.StatusRunning
	}
}

// sessionSummary derives a short human summary from session content:
// prompt, then title, then the first non-empty message.
func sessionSummary(sess agent.Session) string {
	if v := strings.TrimSpace(sess.Prompt); v != "" {
		return truncate(v, summaryMax)
	}

	if v := strings.TrimSpace(sess.Title); v != "" {
		return truncate(v, summaryMax)
	}

	for _, msg := range sess.Messages {
		if v := strings.TrimSpace(msg.Message); v != "" {
			return truncate(v, summaryMax)
		}
	}

	return "Live Devin remediation sync"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max]
}

// repoShortName is the final path segment of a repository URL.
func repoShortName(repo string) string {
	trimmed := strings.TrimRight(repo, "/")

	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx+1 < len(trimmed) {
		return trimmed[idx+1:]
	}

	return trimmed
}
