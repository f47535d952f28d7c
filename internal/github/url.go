package github

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadPRURL is returned when a pull-request URL cannot be parsed.
var ErrBadPRURL = errors.New("unrecognized pull request URL")

// PRRef identifies one pull request.
type PRRef struct {
	Owner  string
	Repo   string
	Number int
}

// ParsePRURL extracts owner, repository, and number from a GitHub PR URL
// such as https://github.com/org/repo/pull/55.
func ParsePRURL(prURL string) (PRRef, error) {
	_, tail, ok := strings.Cut(prURL, "github.com/")
	if !ok {
		return PRRef{}, fmt.Errorf("%w: %s", ErrBadPRURL, prURL)
	}

	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) < 4 || parts[2] != "pull" {
		return PRRef{}, fmt.Errorf("%w: %s", ErrBadPRURL, prURL)
	}

	number, err := strconv.Atoi(parts[3])
	if err != nil {
		return PRRef{}, fmt.Errorf("%w: %s", ErrBadPRURL, prURL)
	}

	return PRRef{Owner: parts[0], Repo: parts[1], Number: number}, nil
}

// RepoURLFromPR returns the canonical https repository URL a pull-request
// URL belongs to, or "" when the URL is not a GitHub link.
func RepoURLFromPR(prURL string) string {
	_, tail, ok := strings.Cut(prURL, "github.com/")
	if !ok {
		return ""
	}

	parts := strings.Split(tail, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}

	repo := "https://github.com/" + parts[0] + "/" + parts[1]

	return strings.TrimSuffix(strings.TrimRight(repo, "/"), ".git")
}

// NormalizeRepoURL canonicalizes repository identifiers into https GitHub
// URLs. Accepted inputs: https or http github.com URLs, bare github.com/
// paths, and "owner/repo" shorthand. Anything else returns "".
func NormalizeRepoURL(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(value, "https://github.com/") || strings.HasPrefix(value, "http://github.com/"):
		trimmed := strings.TrimSuffix(strings.TrimRight(value, "/"), ".git")

		return strings.Replace(trimmed, "http://", "https://", 1)
	case strings.HasPrefix(value, "github.com/"):
		return "https://" + strings.TrimSuffix(strings.TrimRight(value, "/"), ".git")
	case strings.Count(value, "/") == 1 && !strings.Contains(value, " "):
		return "https://github.com/" + strings.TrimSuffix(strings.TrimRight(value, "/"), ".git")
	default:
		return ""
	}
}
