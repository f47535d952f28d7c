package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/propagate/internal/agent"
)

func newClient(t *testing.T, baseURL string) *agent.Client {
	t.Helper()

	c, err := agent.New(agent.Config{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Backoff: time.Millisecond,
	})
	require.NoError(t, err)

	return c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := agent.New(agent.Config{BaseURL: "https://api.example.com/v1"})
	assert.ErrorIs(t, err, agent.ErrMissingAPIKey)

	_, err = agent.New(agent.Config{APIKey: "k"})
	assert.ErrorIs(t, err, agent.ErrMissingBaseURL)
}

func TestCreateSession_PayloadAndAuth(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))

		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "devin_123"})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)

	session, err := c.CreateSession(context.Background(), "fix contract", "change-1-abc", nil)
	require.NoError(t, err)

	assert.Equal(t, "devin_123", session.SessionID)
	assert.Equal(t, "/sessions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "fix contract", gotBody["prompt"])
	assert.Equal(t, "change-1-abc", gotBody["idempotency_key"])
	assert.NotContains(t, gotBody, "wave_context")
}

func TestCreateSession_OmitsEmptyIdempotencyKey(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))

		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "s"})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)

	_, err := c.CreateSession(context.Background(), "fix contract", "", nil)
	require.NoError(t, err)
	assert.NotContains(t, gotBody, "idempotency_key")
}

func TestSendMessage_PathAndWaveContext(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotBody map[string]any
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))

		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)

	waveContext := map[string]any{"type": "wave-context", "wave_index": 1}
	err := c.SendMessage(context.Background(), "sess_456", "Wave 1 complete", waveContext)
	require.NoError(t, err)

	assert.Equal(t, "/sessions/sess_456/messages", gotPath)
	assert.Equal(t, "Wave 1 complete", gotBody["message"])
	assert.Equal(t, "wave-context", gotBody["wave_context"].(map[string]any)["type"])
}

func TestGetSession_ParsesStructuredOutput(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/sess_1", r.URL.Path)

		_, _ = w.Write([]byte(`{
			"session_id": "sess_1",
			"status_enum": "stopped",
			"structured_output": {
				"pull_request": {"url": "https://github.com/org/repo/pull/5"},
				"ci_status": "passed",
				"changed_files": ["src/client.go"]
			}
		}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)

	session, err := c.GetSession(context.Background(), "sess_1")
	require.NoError(t, err)

	assert.Equal(t, "stopped", session.StatusEnum)
	require.NotNil(t, session.StructuredOutput)
	assert.Equal(t, "passed", session.StructuredOutput.CIStatus)
	assert.Equal(t, "https://github.com/org/repo/pull/5", session.PRCandidate())
}

func TestListSessions_EnvelopeVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bare list", body: `[{"session_id":"a"},{"session_id":"b"}]`, want: 2},
		{name: "sessions envelope", body: `{"sessions":[{"session_id":"a"}]}`, want: 1},
		{name: "data envelope", body: `{"data":[{"session_id":"a"}]}`, want: 1},
		{name: "results envelope", body: `{"results":[{"session_id":"a"}]}`, want: 1},
		{name: "unknown shape", body: `{"foo":"bar"}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "25", r.URL.Query().Get("limit"))
				assert.Equal(t, "running", r.URL.Query().Get("status"))

				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newClient(t, srv.URL)

			sessions, err := c.ListSessions(context.Background(), 25, "running")
			require.NoError(t, err)
			assert.Len(t, sessions, tt.want)
		})
	}
}

func TestSend_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "sess_ok"})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)

	session, err := c.GetSession(context.Background(), "sess_ok")
	require.NoError(t, err)
	assert.Equal(t, "sess_ok", session.SessionID)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSend_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)

	_, err := c.GetSession(context.Background(), "sess_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, int32(4), attempts.Load())
}

func TestSend_AuthenticationNotRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)

	_, err := c.GetSession(context.Background(), "sess_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrAuthentication)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestSend_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"no such session"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)

	_, err := c.GetSession(context.Background(), "sess_missing")
	require.Error(t, err)
	assert.NotErrorIs(t, err, agent.ErrAuthentication)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPRCandidate_Precedence(t *testing.T) {
	t.Parallel()

	structured := agent.Session{
		StructuredOutput: &agent.StructuredOutput{PullRequest: &agent.PullRequest{URL: "https://s/1"}},
		PullRequest:      &agent.PullRequest{URL: "https://flat/2"},
		PullRequestURL:   "https://flat/3",
		PRURL:            "https://flat/4",
	}
	assert.Equal(t, "https://s/1", structured.PRCandidate())

	flat := agent.Session{
		PullRequest:    &agent.PullRequest{URL: "https://flat/2"},
		PullRequestURL: "https://flat/3",
	}
	assert.Equal(t, "https://flat/2", flat.PRCandidate())

	urlOnly := agent.Session{PullRequestURL: "https://flat/3", PRURL: "https://flat/4"}
	assert.Equal(t, "https://flat/3", urlOnly.PRCandidate())

	last := agent.Session{PRURL: "https://flat/4"}
	assert.Equal(t, "https://flat/4", last.PRCandidate())

	assert.Empty(t, agent.Session{}.PRCandidate())
}

func TestRepoHint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "org/a", agent.Session{Repo: "org/a", Repository: "org/b"}.RepoHint())
	assert.Equal(t, "org/b", agent.Session{Repository: "org/b"}.RepoHint())
	assert.Empty(t, agent.Session{}.RepoHint())
}
