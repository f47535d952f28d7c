package reconcile_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/propagate/internal/agent"
	"github.com/tidemark-io/propagate/internal/github"
	"github.com/tidemark-io/propagate/internal/guardrails"
	"github.com/tidemark-io/propagate/internal/reconcile"
	"github.com/tidemark-io/propagate/internal/store"
)

const (
	testRepo    = "https://github.com/org/test"
	testService = "test-service"
	testRunID   = "devin_123"
)

type stubAgent struct {
	sessions map[string]agent.Session
	errs     map[string]error
}

func (s *stubAgent) GetSession(_ context.Context, sessionID string) (agent.Session, error) {
	if err, ok := s.errs[sessionID]; ok {
		return agent.Session{}, err
	}

	sess, ok := s.sessions[sessionID]
	if !ok {
		return agent.Session{}, errors.New("no such session")
	}

	return sess, nil
}

type stubGitHub struct {
	meta        map[string]github.PRMetadata
	ciPassed    bool
	ciStatus    string
	ciErr       error
	files       []string
	filesErr    error
	replacement string
	replErr     error

	ciURLs    []string
	ciSHAs    []string
	replCalls int
}

func (g *stubGitHub) FetchPRMetadata(_ context.Context, prURL string) (github.PRMetadata, error) {
	meta, ok := g.meta[prURL]
	if !ok {
		return github.PRMetadata{}, errors.New("metadata unavailable")
	}

	return meta, nil
}

func (g *stubGitHub) FetchCIStatus(_ context.Context, prURL, headSHA string) (bool, string, error) {
	g.ciURLs = append(g.ciURLs, prURL)
	g.ciSHAs = append(g.ciSHAs, headSHA)

	if g.ciErr != nil {
		return false, github.CIUnknown, g.ciErr
	}

	status := g.ciStatus
	if status == "" {
		status = github.CIUnknown
	}

	return g.ciPassed, status, nil
}

func (g *stubGitHub) FetchChangedFiles(_ context.Context, _ string) ([]string, error) {
	if g.filesErr != nil {
		return nil, g.filesErr
	}

	return g.files, nil
}

func (g *stubGitHub) FindReplacementOpenPR(_ context.Context, _ string, _ github.PRMetadata) (string, error) {
	g.replCalls++

	return g.replacement, g.replErr
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return store.New(sqlx.NewDb(db, "sqlmock")), mock
}

func testJob(id int64, status string, prURL *string) store.Job {
	runID := testRunID

	return store.Job{
		JobID:         id,
		ChangeID:      1,
		TargetRepo:    testRepo,
		TargetService: testService,
		Status:        status,
		AgentRunID:    &runID,
		BundleHash:    "abc123",
		PRURL:         prURL,
	}
}

func jobRows(jobs ...store.Job) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"job_id", "change_id", "target_repo", "target_service", "status",
		"agent_run_id", "pr_url", "bundle_hash", "error_summary", "is_dry_run",
		"created_at", "updated_at",
	})

	for _, j := range jobs {
		rows.AddRow(j.JobID, j.ChangeID, j.TargetRepo, j.TargetService, j.Status,
			j.AgentRunID, j.PRURL, j.BundleHash, j.ErrorSummary, j.IsDryRun,
			j.CreatedAt, j.UpdatedAt)
	}

	return rows
}

func expectInProgress(mock sqlmock.Sqlmock, jobs ...store.Job) {
	mock.ExpectQuery("agent_run_id IS NOT NULL").
		WithArgs(store.StatusGreen, store.StatusCIFailed, store.StatusNeedsHuman).
		WillReturnRows(jobRows(jobs...))
}

func session(statusEnum, prURL, ciStatus string) agent.Session {
	sess := agent.Session{SessionID: testRunID, StatusEnum: statusEnum}

	if prURL != "" || ciStatus != "" {
		sess.StructuredOutput = &agent.StructuredOutput{CIStatus: ciStatus}
		if prURL != "" {
			sess.StructuredOutput.PullRequest = &agent.PullRequest{URL: prURL}
		}
	}

	return sess
}

func newReconciler(st *store.Store, ag *stubAgent, gh *stubGitHub) *reconcile.Reconciler {
	return &reconcile.Reconciler{
		Store:  st,
		Agent:  ag,
		GitHub: gh,
		Policy: guardrails.Default(),
	}
}

func TestRun_AttachesPRAndMovesToPROpened(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusRunning, nil))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusPROpened, testRunID, prURL,
			"abc123", nil, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusRunning, store.StatusPROpened, "PR: "+prURL, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("running", prURL, ""),
	}}
	gh := &stubGitHub{meta: map[string]github.PRMetadata{
		prURL: {State: "open", HeadSHA: "abc", HeadRef: "fix"},
	}}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusRunning, trs[0].From)
	assert.Equal(t, store.StatusPROpened, trs[0].To)
	assert.Equal(t, "PR: "+prURL, trs[0].Detail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_MetadataFetchFailureStillAttaches(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusRunning, nil))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusPROpened, testRunID, prURL,
			"abc123", nil, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("running", prURL, ""),
	}}
	gh := &stubGitHub{} // every metadata fetch errors

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusPROpened, trs[0].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_BlockedWithoutPRNeedsHuman(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)

	expectInProgress(mock, testJob(7, store.StatusRunning, nil))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusNeedsHuman, testRunID, nil,
			"abc123", "Devin session blocked", sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusRunning, store.StatusNeedsHuman, "Devin session blocked", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("blocked", "", ""),
	}}

	trs, err := newReconciler(st, ag, &stubGitHub{}).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusNeedsHuman, trs[0].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_BlockedWithPRHoldsAtPROpened(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("blocked", prURL, ""),
	}}
	gh := &stubGitHub{meta: map[string]github.PRMetadata{
		prURL: {State: "open"},
	}}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_GreenOnAgentCIFallback(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusGreen, testRunID, prURL,
			"abc123", nil, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusPROpened, store.StatusGreen,
			"PR: "+prURL+" | merge: auto_merge is disabled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, "passed"),
	}}
	gh := &stubGitHub{
		meta:  map[string]github.PRMetadata{prURL: {State: "open", HeadSHA: "abc"}},
		files: []string{"src/client.py"},
		// GitHub checks cannot say; the agent self-report decides.
		ciStatus: github.CIUnknown,
	}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusGreen, trs[0].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_CIFailedOnAgentReport(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusCIFailed, testRunID, prURL,
			"abc123", "CI status: failed", sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusPROpened, store.StatusCIFailed,
			"PR exists but CI failed (failed): "+prURL, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, "failed"),
	}}
	gh := &stubGitHub{meta: map[string]github.PRMetadata{prURL: {State: "open"}}}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusCIFailed, trs[0].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_GitHubChecksWinOverAgentReport(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusCIFailed, testRunID, prURL,
			"abc123", "CI status: failed", sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Agent claims passed but GitHub checks say failed.
	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, "passed"),
	}}
	gh := &stubGitHub{
		meta:     map[string]github.PRMetadata{prURL: {State: "open", HeadSHA: "abc"}},
		ciStatus: github.CIFailed,
	}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusCIFailed, trs[0].To)
	assert.Equal(t, []string{"abc"}, gh.ciSHAs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_CIUnknownHoldsAtPROpened(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs(7, "CI status unknown").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusPROpened, testRunID, prURL,
			"abc123", nil, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusPROpened, store.StatusPROpened,
			"CI status unknown, holding at PR_OPENED (attempt 1/5): "+prURL, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, "unknown"),
	}}
	gh := &stubGitHub{meta: map[string]github.PRMetadata{prURL: {State: "open"}}}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusPROpened, trs[0].To)
	assert.Contains(t, trs[0].Detail, "attempt 1/5")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_CIUnknownFailsClosedAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"
	summary := "CI status unknown after 5 attempts, failing closed"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs(7, "CI status unknown").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(reconcile.CIUnknownMaxAttempts))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusCIFailed, testRunID, prURL,
			"abc123", summary, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusPROpened, store.StatusCIFailed, summary, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, "unknown"),
	}}
	gh := &stubGitHub{meta: map[string]github.PRMetadata{prURL: {State: "open"}}}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusCIFailed, trs[0].To)
	assert.Contains(t, trs[0].Detail, "failing closed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PendingCIHoldsWithoutBurningAttempt(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	// No COUNT query and no transaction: pending CI is not unknown CI.
	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, ""),
	}}
	gh := &stubGitHub{
		meta:     map[string]github.PRMetadata{prURL: {State: "open", HeadSHA: "abc"}},
		ciStatus: github.CIPending,
	}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_ClosedUnmergedWithoutReplacement(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/55"

	expectInProgress(mock, testJob(7, store.StatusRunning, &prURL))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusNeedsHuman, testRunID, nil,
			"abc123", "PR closed without merge", sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusRunning, store.StatusNeedsHuman, "PR closed without merge", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, ""),
	}}
	gh := &stubGitHub{meta: map[string]github.PRMetadata{
		prURL: {State: "closed", Merged: false, HeadSHA: "deadbeef"},
	}}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusNeedsHuman, trs[0].To)
	assert.Equal(t, 1, gh.replCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_ClosedPRReplacedThenGreen(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	oldPR := testRepo + "/pull/55"
	newPR := testRepo + "/pull/77"

	expectInProgress(mock, testJob(7, store.StatusRunning, &oldPR))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusGreen, testRunID, newPR,
			"abc123", nil, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusRunning, store.StatusPROpened,
			"PR replaced after close: "+oldPR+" -> "+newPR, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusPROpened, store.StatusGreen,
			"PR: "+newPR+" | merge: auto_merge is disabled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", oldPR, "passed"),
	}}
	gh := &stubGitHub{
		meta: map[string]github.PRMetadata{
			oldPR: {State: "closed", Merged: false, HeadSHA: "deadbeef", HeadRef: "devin/fix-contract"},
			newPR: {State: "open", HeadSHA: "cafebabe", HeadRef: "devin/fix-contract"},
		},
		replacement: newPR,
		ciPassed:    true,
		ciStatus:    github.CIPassed,
		files:       []string{"src/client.py"},
	}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, store.StatusPROpened, trs[0].To)
	assert.Equal(t, store.StatusGreen, trs[1].To)

	// CI must have been checked on the replacement PR's head.
	assert.Equal(t, []string{newPR}, gh.ciURLs)
	assert.Equal(t, []string{"cafebabe"}, gh.ciSHAs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_MergedPRCountsAsPassed(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusGreen, testRunID, prURL,
			"abc123", nil, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, ""),
	}}
	gh := &stubGitHub{
		meta:  map[string]github.PRMetadata{prURL: {State: "closed", Merged: true, HeadSHA: "abc"}},
		files: []string{"src/client.py"},
	}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusGreen, trs[0].To)
	assert.Empty(t, gh.ciURLs, "merged PR must not consult the checks API")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_StoppedWithoutPRNeedsHuman(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)

	expectInProgress(mock, testJob(7, store.StatusRunning, nil))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusNeedsHuman, testRunID, nil,
			"abc123", "Devin stopped without PR", sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusRunning, store.StatusNeedsHuman, "Devin stopped without PR", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", "", ""),
	}}

	trs, err := newReconciler(st, ag, &stubGitHub{}).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusNeedsHuman, trs[0].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_AgentFailureStatuses(t *testing.T) {
	t.Parallel()

	for _, status := range []string{"failed", "error", "cancelled"} {
		t.Run(status, func(t *testing.T) {
			t.Parallel()

			st, mock := newMockStore(t)
			summary := "Devin session " + status

			expectInProgress(mock, testJob(7, store.StatusRunning, nil))
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE remediation_jobs").
				WithArgs(1, testRepo, testService, store.StatusCIFailed, testRunID, nil,
					"abc123", summary, sqlmock.AnyArg(), 7).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO audit_log").
				WithArgs(7, store.StatusRunning, store.StatusCIFailed, summary, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()

			ag := &stubAgent{sessions: map[string]agent.Session{
				testRunID: session(status, "", ""),
			}}

			trs, err := newReconciler(st, ag, &stubGitHub{}).Run(context.Background(), 0)
			require.NoError(t, err)
			require.Len(t, trs, 1)
			assert.Equal(t, store.StatusCIFailed, trs[0].To)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRun_PostExecutionPathViolation(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusNeedsHuman, testRunID, prURL,
			"abc123", "Post-execution path violation", sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusPROpened, store.StatusNeedsHuman,
			"Post-execution path violation: infra/terraform/main.tf touches protected path infra/",
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, ""),
	}}
	gh := &stubGitHub{
		meta:     map[string]github.PRMetadata{prURL: {State: "open", HeadSHA: "abc"}},
		ciPassed: true,
		ciStatus: github.CIPassed,
		files:    []string{"infra/terraform/main.tf"},
	}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusNeedsHuman, trs[0].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_UnverifiableChangedFilesFailsClosed(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusNeedsHuman, testRunID, prURL,
			"abc123", "Cannot verify PR changed files", sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(7, store.StatusPROpened, store.StatusNeedsHuman,
			"Cannot verify PR changed files", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, ""),
	}}
	gh := &stubGitHub{
		meta:     map[string]github.PRMetadata{prURL: {State: "open", HeadSHA: "abc"}},
		ciPassed: true,
		ciStatus: github.CIPassed,
		filesErr: errors.New("api rate limited"),
	}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusNeedsHuman, trs[0].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_NoProtectedPathsSkipsFileVerification(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusGreen, testRunID, prURL,
			"abc123", nil, sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("stopped", prURL, ""),
	}}
	gh := &stubGitHub{
		meta:     map[string]github.PRMetadata{prURL: {State: "open", HeadSHA: "abc"}},
		ciPassed: true,
		ciStatus: github.CIPassed,
		filesErr: errors.New("api rate limited"),
	}

	rec := newReconciler(st, ag, gh)
	rec.Policy = guardrails.Policy{MaxParallel: 1, CIRequired: true}

	trs, err := rec.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, store.StatusGreen, trs[0].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PollErrorSkipsJobAndContinues(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)

	okRun := "devin_456"
	jobA := testJob(7, store.StatusRunning, nil)
	jobB := testJob(8, store.StatusRunning, nil)
	jobB.AgentRunID = &okRun

	expectInProgress(mock, jobA, jobB)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE remediation_jobs").
		WithArgs(1, testRepo, testService, store.StatusNeedsHuman, okRun, nil,
			"abc123", "Devin session blocked", sqlmock.AnyArg(), 8).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ag := &stubAgent{
		sessions: map[string]agent.Session{okRun: session("blocked", "", "")},
		errs:     map[string]error{testRunID: errors.New("agent 502")},
	}

	trs, err := newReconciler(st, ag, &stubGitHub{}).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, int64(8), trs[0].JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_IdempotentWhenNothingChanged(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	prURL := testRepo + "/pull/1"

	// No Begin/Update/Insert expected: the second pass must be a no-op.
	expectInProgress(mock, testJob(7, store.StatusPROpened, &prURL))

	ag := &stubAgent{sessions: map[string]agent.Session{
		testRunID: session("running", prURL, ""),
	}}
	gh := &stubGitHub{meta: map[string]github.PRMetadata{prURL: {State: "open"}}}

	trs, err := newReconciler(st, ag, gh).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_FiltersByChange(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)

	mock.ExpectQuery("change_id = \\$4").
		WithArgs(store.StatusGreen, store.StatusCIFailed, store.StatusNeedsHuman, 42).
		WillReturnRows(jobRows())

	trs, err := newReconciler(st, &stubAgent{}, &stubGitHub{}).Run(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_AuthErrorSkipsSession(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)

	expectInProgress(mock, testJob(7, store.StatusRunning, nil))

	ag := &stubAgent{errs: map[string]error{testRunID: agent.ErrAuthentication}}

	trs, err := newReconciler(st, ag, &stubGitHub{}).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
