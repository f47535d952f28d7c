// Package agent is the HTTP client for the autonomous coding agent's session
// API: create remediation sessions, poll their state, send follow-up
// messages, and list recent sessions.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingAPIKey is returned by New when no API key is configured.
	ErrMissingAPIKey = errors.New("agent API key is required")

	// ErrMissingBaseURL is returned by New when no API base URL is configured.
	ErrMissingBaseURL = errors.New("agent API base URL is required")

	// ErrAuthentication marks non-retryable 401/403 responses.
	ErrAuthentication = errors.New("agent authentication failed")
)

const (
	defaultTimeout = 60 * time.Second
	defaultBackoff = time.Second
	maxRetries     = 3
)

// retryableStatus holds the transient HTTP statuses worth retrying.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// Config configures the agent client.
type Config struct {
	APIKey  string
	BaseURL string

	// Timeout bounds each HTTP attempt. Zero means 60s.
	Timeout time.Duration

	// Backoff is the first retry delay, doubling per attempt. Zero means 1s.
	Backoff time.Duration

	// Logger receives retry warnings. When nil, a discard logger is used.
	Logger *slog.Logger
}

// Client talks to the agent API with bearer auth and bounded retries.
type Client struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	backoff time.Duration
	logger  *slog.Logger
}

// Session is the agent's view of one remediation session. The flat
// pull-request fields mirror response-shape variants seen in the wild.
type Session struct {
	SessionID        string            `json:"session_id"`
	StatusEnum       string            `json:"status_enum,omitempty"`
	StructuredOutput *StructuredOutput `json:"structured_output,omitempty"`
	PullRequest      *PullRequest      `json:"pull_request,omitempty"`
	PullRequestURL   string            `json:"pull_request_url,omitempty"`
	PRURL            string            `json:"pr_url,omitempty"`
	Repo             string            `json:"repo,omitempty"`
	Repository       string            `json:"repository,omitempty"`
	Prompt           string            `json:"prompt,omitempty"`
	Title            string            `json:"title,omitempty"`
	Messages         []Message         `json:"messages,omitempty"`
}

// StructuredOutput is the machine-readable block a session publishes once it
// has results.
type StructuredOutput struct {
	PullRequest  *PullRequest `json:"pull_request,omitempty"`
	CIStatus     string       `json:"ci_status,omitempty"`
	ChangedFiles []string     `json:"changed_files,omitempty"`
	Summary      string       `json:"summary,omitempty"`
}

// PullRequest is the PR reference embedded in session output.
type PullRequest struct {
	URL string `json:"url"`
}

// Message is one entry of a session's conversation log.
type Message struct {
	Type      string `json:"type,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PRCandidate returns the first pull-request URL present in the session,
// preferring the structured output and falling back to the flat variants.
// Empty when the session has no PR yet.
func (s Session) PRCandidate() string {
	if s.StructuredOutput != nil && s.StructuredOutput.PullRequest != nil && s.StructuredOutput.PullRequest.URL != "" {
		return s.StructuredOutput.PullRequest.URL
	}

	if s.PullRequest != nil && s.PullRequest.URL != "" {
		return s.PullRequest.URL
	}

	if s.PullRequestURL != "" {
		return s.PullRequestURL
	}

	return s.PRURL
}

// RepoHint returns whichever repository identifier the session carries.
func (s Session) RepoHint() string {
	if s.Repo != "" {
		return s.Repo
	}

	return s.Repository
}

// New builds a client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = defaultBackoff
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		backoff: backoff,
		logger:  logger,
	}, nil
}

type createSessionRequest struct {
	Prompt         string `json:"prompt"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	WaveContext    any    `json:"wave_context,omitempty"`
}

type sendMessageRequest struct {
	Message     string `json:"message"`
	WaveContext any    `json:"wave_context,omitempty"`
}

// CreateSession starts a new session for prompt. The idempotency key lets the
// server collapse duplicate creates for the same change and bundle.
func (c *Client) CreateSession(ctx context.Context, prompt, idempotencyKey string, waveContext any) (Session, error) {
	var session Session

	payload := createSessionRequest{Prompt: prompt, IdempotencyKey: idempotencyKey, WaveContext: waveContext}

	if err := c.doJSON(ctx, http.MethodPost, "/sessions", nil, payload, &session); err != nil {
		return Session{}, err
	}

	c.logger.Info("agent session created", "session_id", session.SessionID)

	return session, nil
}

// GetSession polls one session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var session Session

	path := "/sessions/" + url.PathEscape(sessionID)

	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &session); err != nil {
		return Session{}, err
	}

	return session, nil
}

// SendMessage delivers follow-up context to an existing session.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string, waveContext any) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	payload := sendMessageRequest{Message: message, WaveContext: waveContext}

	return c.doJSON(ctx, http.MethodPost, path, nil, payload, nil)
}

// ListSessions fetches up to limit recent sessions, optionally filtered by
// status. Both bare-list and enveloped response shapes are accepted.
func (c *Client) ListSessions(ctx context.Context, limit int, status string) ([]Session, error) {
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	if status != "" {
		query.Set("status", status)
	}

	raw, err := c.send(ctx, http.MethodGet, c.baseURL+"/sessions?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	return decodeSessionList(raw), nil
}

func decodeSessionList(raw []byte) []Session {
	var list []Session
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var envelope struct {
		Sessions []Session `json:"sessions"`
		Data     []Session `json:"data"`
		Results  []Session `json:"results"`
	}

	if err := json.Unmarshal(raw, &envelope); err == nil {
		for _, variant := range [][]Session{envelope.Sessions, envelope.Data, envelope.Results} {
			if variant != nil {
				return variant
			}
		}
	}

	return []Session{}
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	var body []byte

	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode agent request: %w", err)
		}

		body = encoded
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	raw, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}

	return nil
}

// send executes one request with exponential-backoff retries on transient
// statuses and transport errors. 401/403 surface immediately as
// ErrAuthentication.
func (c *Client) send(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		raw, retryable, err := c.attempt(ctx, method, endpoint, body)
		if err == nil {
			return raw, nil
		}

		if !retryable || attempt >= maxRetries {
			if retryable {
				return nil, fmt.Errorf("%w (after %d attempts)", err, attempt+1)
			}

			return nil, err
		}

		delay := c.backoff * (1 << attempt)
		c.logger.Warn("retrying agent request",
			"method", method,
			"url", endpoint,
			"delay", delay,
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, body []byte) ([]byte, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, false, fmt.Errorf("build agent request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read agent response: %w", err)
	}

	switch {
	case retryableStatus[resp.StatusCode]:
		return nil, true, fmt.Errorf("agent returned %d for %s %s", resp.StatusCode, method, endpoint)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: %s %s returned %d, check the agent API key",
			ErrAuthentication, method, endpoint, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, false, fmt.Errorf("agent returned %d for %s %s: %s",
			resp.StatusCode, method, endpoint, snippet(raw))
	}

	return raw, false, nil
}

func snippet(raw []byte) string {
	const max = 200

	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}

	return s
}
