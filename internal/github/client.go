// Package github is a minimal GitHub REST client covering what the
// reconciler needs: pull-request metadata, check-run CI state, changed
// files, and the open-PR listing used for replacement search. Calls run
// behind a circuit breaker so a degraded GitHub API cannot stall every
// reconcile cycle.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// DefaultAPIBase is the public GitHub REST endpoint.
	DefaultAPIBase = "https://api.github.com"

	defaultTimeout = 30 * time.Second
	pageSize       = 100
)

// CI statuses reported by FetchCIStatus.
const (
	CIPassed  = "passed"
	CIFailed  = "failed"
	CIPending = "pending"
	CIUnknown = "unknown"
)

// PRMetadata is the slice of pull-request state the reconciler acts on.
type PRMetadata struct {
	State       string
	Merged      bool
	HeadSHA     string
	HeadRef     string
	Title       string
	AuthorLogin string
}

// OpenPR is one entry of a repository's open pull-request listing.
type OpenPR struct {
	Number    int
	URL       string
	HeadRef   string
	HeadSHA   string
	Title     string
	Author    string
	CreatedAt time.Time
}

// Config configures the client.
type Config struct {
	// Token authenticates requests when set. Unauthenticated reads work but
	// are rate-limited aggressively.
	Token string

	// APIBase overrides the REST endpoint. Empty means DefaultAPIBase.
	APIBase string

	// Timeout bounds each HTTP call. Zero means 30s.
	Timeout time.Duration

	// Logger receives breaker state changes. When nil, a discard logger is
	// used.
	Logger *slog.Logger
}

// Client talks to the GitHub REST API.
type Client struct {
	token   string
	apiBase string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client from cfg.
func NewClient(cfg Config) *Client {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "github-api",
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		token:   cfg.Token,
		apiBase: strings.TrimRight(apiBase, "/"),
		httpc:   &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type prResponse struct {
	State  string `json:"state"`
	Merged bool   `json:"merged"`
	Title  string `json:"title"`
	Head   struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

// FetchPRMetadata returns the metadata of the pull request at prURL.
func (c *Client) FetchPRMetadata(ctx context.Context, prURL string) (PRMetadata, error) {
	ref, err := ParsePRURL(prURL)
	if err != nil {
		return PRMetadata{}, err
	}

	var resp prResponse

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.apiBase, ref.Owner, ref.Repo, ref.Number)
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return PRMetadata{}, err
	}

	return PRMetadata{
		State:       resp.State,
		Merged:      resp.Merged,
		HeadSHA:     resp.Head.SHA,
		HeadRef:     resp.Head.Ref,
		Title:       resp.Title,
		AuthorLogin: resp.User.Login,
	}, nil
}

type checkRunsResponse struct {
	TotalCount int `json:"total_count"`
	CheckRuns  []struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_runs"`
}

// FetchCIStatus evaluates the check runs on headSHA of the repository that
// prURL belongs to. All runs complete with success or skipped conclusions
// means passed; any incomplete run means pending; no runs at all means
// unknown, so the caller can fall back to another CI source.
func (c *Client) FetchCIStatus(ctx context.Context, prURL, headSHA string) (bool, string, error) {
	ref, err := ParsePRURL(prURL)
	if err != nil {
		return false, CIUnknown, err
	}

	if headSHA == "" {
		meta, err := c.FetchPRMetadata(ctx, prURL)
		if err != nil {
			return false, CIUnknown, err
		}

		headSHA = meta.HeadSHA
	}

	var resp checkRunsResponse

	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-runs?per_page=%d",
		c.apiBase, ref.Owner, ref.Repo, headSHA, pageSize)
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return false, CIUnknown, err
	}

	if len(resp.CheckRuns) == 0 {
		return false, CIUnknown, nil
	}

	allGreen := true

	for _, run := range resp.CheckRuns {
		if run.Status != "completed" {
			return false, CIPending, nil
		}

		if run.Conclusion != "success" && run.Conclusion != "skipped" {
			allGreen = false
		}
	}

	if allGreen {
		return true, CIPassed, nil
	}

	return false, CIFailed, nil
}

// FetchChangedFiles returns the file paths touched by the pull request.
func (c *Client) FetchChangedFiles(ctx context.Context, prURL string) ([]string, error) {
	ref, err := ParsePRURL(prURL)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Filename string `json:"filename"`
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=%d",
		c.apiBase, ref.Owner, ref.Repo, ref.Number, pageSize)
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(resp))
	for _, f := range resp {
		files = append(files, f.Filename)
	}

	return files, nil
}

type openPRResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	Head    struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOpenPRs returns the open pull requests of the repository that prURL
// belongs to, newest first.
func (c *Client) ListOpenPRs(ctx context.Context, prURL string) ([]OpenPR, error) {
	ref, err := ParsePRURL(prURL)
	if err != nil {
		return nil, err
	}

	var resp []openPRResponse

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls?state=open&per_page=%d",
		c.apiBase, ref.Owner, ref.Repo, pageSize)
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	prs := make([]OpenPR, 0, len(resp))

	for _, pr := range resp {
		prs = append(prs, OpenPR{
			Number:    pr.Number,
			URL:       pr.HTMLURL,
			HeadRef:   pr.Head.Ref,
			HeadSHA:   pr.Head.SHA,
			Title:     pr.Title,
			Author:    pr.User.Login,
			CreatedAt: pr.CreatedAt,
		})
	}

	sort.Slice(prs, func(i, j int) bool { return prs[i].CreatedAt.After(prs[j].CreatedAt) })

	return prs, nil
}

// FindReplacementOpenPR searches the repository of prURL for an open pull
// request that plausibly supersedes the closed one: identical head branch
// first, then identical title, then a unique PR by the same author, then the
// most recently created open PR. Empty when the repository has no open PRs.
func (c *Client) FindReplacementOpenPR(ctx context.Context, prURL string, closed PRMetadata) (string, error) {
	prs, err := c.ListOpenPRs(ctx, prURL)
	if err != nil {
		return "", err
	}

	if len(prs) == 0 {
		return "", nil
	}

	if closed.HeadRef != "" {
		for _, pr := range prs {
			if pr.HeadRef == closed.HeadRef {
				return pr.URL, nil
			}
		}
	}

	if closed.Title != "" {
		for _, pr := range prs {
			if pr.Title == closed.Title {
				return pr.URL, nil
			}
		}
	}

	if closed.AuthorLogin != "" {
		var sameAuthor []OpenPR

		for _, pr := range prs {
			if pr.Author == closed.AuthorLogin {
				sameAuthor = append(sameAuthor, pr)
			}
		}

		if len(sameAuthor) == 1 {
			return sameAuthor[0].URL, nil
		}
	}

	return prs[0].URL, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.fetch(ctx, endpoint, out)
	})

	return err
}

func (c *Client) fetch(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build github request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("github: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("github: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github: GET %s returned %d", endpoint, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("github: decode response: %w", err)
	}

	return nil
}
