// Package wavectx builds and delivers the context handoff between
// remediation waves: once a wave settles, downstream sessions get a brief
// on what upstream repos changed, which patterns recurred, and which PRs
// went green. Delivery is best effort; a failed send never blocks a wave.
package wavectx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidemark-io/propagate/internal/agent"
	"github.com/tidemark-io/propagate/internal/store"
)

// Pattern labels inferred from upstream changed-file paths.
const (
	patternClientCallsites = "updated API client callsites"
	patternTestFixtures    = "updated tests/fixtures for contract compatibility"
	patternSchemaMigration = "coordinated schema/fixture updates"
)

// SessionClient is the slice of the agent API the propagator needs.
type SessionClient interface {
	GetSession(ctx context.Context, sessionID string) (agent.Session, error)
	SendMessage(ctx context.Context, sessionID, message string, waveContext any) error
}

var _ SessionClient = (*agent.Client)(nil)

// FixSummary describes one upstream repo's remediation outcome.
type FixSummary struct {
	Repo    string `json:"repo"`
	Status  string `json:"status"`
	PRURL   string `json:"pr_url,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Envelope is the structured wave-context attachment sent alongside the
// human-readable summary message.
type Envelope struct {
	Type                 string       `json:"type"`
	WaveIndex            int          `json:"wave_index"`
	SourceWaveIndex      int          `json:"source_wave_index"`
	SummaryText          string       `json:"summary_text"`
	UpstreamFixSummaries []FixSummary `json:"upstream_fix_summaries"`
	NotablePatterns      []string     `json:"notable_patterns"`
	TestFixturesChanged  []string     `json:"test_fixtures_changed"`
	CIGreenPRs           []string     `json:"ci_green_prs"`
}

// Payload is the harvested context of a settled wave, ready to brief the
// next one.
type Payload struct {
	SourceWaveIndex int
	SummaryText     string
	FixSummaries    []FixSummary
	NotablePatterns []string
	FixturesChanged []string
	CIGreenPRs      []string
}

// Propagator harvests a finished wave and briefs the next.
type Propagator struct {
	Store  *store.Store
	Agent  SessionClient
	Logger *slog.Logger
}

func (p *Propagator) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// BuildPayload summarizes the jobs of the wave that just settled.
// sourceWave is that wave's index. Returns nil when there is nothing to
// report. Session lookups that fail degrade to a bare status summary.
func (p *Propagator) BuildPayload(ctx context.Context, jobIDs []int64, sourceWave int) (*Payload, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	jobs, err := p.Store.Jobs.ByIDs(ctx, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("load wave jobs: %w", err)
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	payload := &Payload{SourceWaveIndex: sourceWave}

	var (
		parts    []string
		patterns orderedSet
		fixtures orderedSet
	)

	for i := range jobs {
		job := jobs[i]
		repo := repoShortName(job.TargetRepo)

		summary := FixSummary{Repo: repo, Status: job.Status}
		if job.PRURL != nil {
			summary.PRURL = *job.PRURL
		}

		part := fmt.Sprintf("%s: %s", repo, strings.ToUpper(job.Status))
		if job.PRURL != nil {
			part += fmt.Sprintf(" (%s)", *job.PRURL)
		}

		parts = append(parts, part)

		if job.Status == store.StatusGreen && job.PRURL != nil {
			payload.CIGreenPRs = append(payload.CIGreenPRs, *job.PRURL)
		}

		if job.AgentRunID != nil && *job.AgentRunID != "" {
			session, err := p.Agent.GetSession(ctx, *job.AgentRunID)
			if err != nil {
				p.logger().Warn("wave context session lookup",
					"job_id", job.JobID, "run_id", *job.AgentRunID, "error", err)
			} else if session.StructuredOutput != nil {
				summary.Summary = session.StructuredOutput.Summary

				for _, file := range session.StructuredOutput.ChangedFiles {
					for _, pattern := range inferPatterns(file) {
						patterns.add(pattern)
					}

					if isFixtureFile(file) {
						fixtures.add(file)
					}
				}
			}
		}

		payload.FixSummaries = append(payload.FixSummaries, summary)
	}

	payload.NotablePatterns = patterns.values
	payload.FixturesChanged = fixtures.values
	payload.SummaryText = fmt.Sprintf(
		"Wave %d complete. Upstream remediation status: %s. Upstream contracts are now stable where CI is GREEN.",
		sourceWave, strings.Join(parts, "; "))

	return payload, nil
}

// SendToWave delivers the payload to every session of the freshly
// dispatched wave. Individual send failures are logged and swallowed.
func (p *Propagator) SendToWave(ctx context.Context, waveJobs []store.Job, waveIdx int, payload *Payload) {
	if payload == nil {
		return
	}

	envelope := Envelope{
		Type:                 "wave-context",
		WaveIndex:            waveIdx,
		SourceWaveIndex:      payload.SourceWaveIndex,
		SummaryText:          payload.SummaryText,
		UpstreamFixSummaries: payload.FixSummaries,
		NotablePatterns:      payload.NotablePatterns,
		TestFixturesChanged:  payload.FixturesChanged,
		CIGreenPRs:           payload.CIGreenPRs,
	}

	sent := 0

	for i := range waveJobs {
		job := waveJobs[i]

		if job.AgentRunID == nil || *job.AgentRunID == "" {
			continue
		}

		if err := p.Agent.SendMessage(ctx, *job.AgentRunID, payload.SummaryText, envelope); err != nil {
			p.logger().Warn("wave context send failed",
				"job_id", job.JobID, "run_id", *job.AgentRunID, "error", err)

			continue
		}

		sent++
	}

	if sent > 0 {
		p.logger().Info("wave context delivered", "wave", waveIdx, "sessions", sent)
	}
}

// inferPatterns maps a changed-file path to the remediation patterns it
// evidences.
func inferPatterns(path string) []string {
	lower := strings.ToLower(path)

	var out []string

	if strings.Contains(lower, "client") || strings.Contains(lower, "gateway") || strings.Contains(lower, "api/") {
		out = append(out, patternClientCallsites)
	}

	if strings.Contains(lower, "fixture") {
		out = append(out, patternTestFixtures)
	}

	if strings.Contains(lower, "migration") || strings.Contains(lower, "schema") {
		out = append(out, patternSchemaMigration)
	}

	return out
}

// isFixtureFile reports whether a changed file is test-fixture material:
// its path mentions fixtures or sits under a testdata directory.
func isFixtureFile(path string) bool {
	lower := strings.ToLower(path)

	if strings.Contains(lower, "fixture") {
		return true
	}

	for _, seg := range strings.Split(lower, "/") {
		if seg == "testdata" {
			return true
		}
	}

	return false
}

// repoShortName reduces a repo URL or slug to its final path segment.
func repoShortName(repo string) string {
	trimmed := strings.TrimRight(repo, "/")

	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx+1 < len(trimmed) {
		return trimmed[idx+1:]
	}

	if trimmed == "" {
		return repo
	}

	return trimmed
}

// orderedSet keeps first-seen insertion order.
type orderedSet struct {
	seen   map[string]struct{}
	values []string
}

func (s *orderedSet) add(v string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}

	if _, ok := s.seen[v]; ok {
		return
	}

	s.seen[v] = struct{}{}
	s.values = append(s.values, v)
}
