package github_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/propagate/internal/github"
)

func TestParsePRURL(t *testing.T) {
	t.Parallel()

	ref, err := github.ParsePRURL("https://github.com/org/repo/pull/55")
	require.NoError(t, err)
	assert.Equal(t, github.PRRef{Owner: "org", Repo: "repo", Number: 55}, ref)

	ref, err = github.ParsePRURL("https://github.com/org/repo/pull/55/files")
	require.NoError(t, err)
	assert.Equal(t, 55, ref.Number)
}

func TestParsePRURL_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
	}{
		{name: "not github", url: "https://gitlab.com/org/repo/merge_requests/5"},
		{name: "not a pull url", url: "https://github.com/org/repo/issues/55"},
		{name: "non-numeric", url: "https://github.com/org/repo/pull/abc"},
		{name: "too short", url: "https://github.com/org"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := github.ParsePRURL(tt.url)
			assert.ErrorIs(t, err, github.ErrBadPRURL)
		})
	}
}

func TestRepoURLFromPR(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://github.com/org/repo", github.RepoURLFromPR("https://github.com/org/repo/pull/55"))
	assert.Equal(t, "https://github.com/org/repo", github.RepoURLFromPR("https://github.com/org/repo"))
	assert.Empty(t, github.RepoURLFromPR("https://gitlab.com/org/repo/pull/55"))
	assert.Empty(t, github.RepoURLFromPR("https://github.com/org"))
}

func TestNormalizeRepoURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "https passthrough", in: "https://github.com/org/repo", want: "https://github.com/org/repo"},
		{name: "trailing slash", in: "https://github.com/org/repo/", want: "https://github.com/org/repo"},
		{name: "git suffix", in: "https://github.com/org/repo.git", want: "https://github.com/org/repo"},
		{name: "http upgraded", in: "http://github.com/org/repo", want: "https://github.com/org/repo"},
		{name: "bare host path", in: "github.com/org/repo", want: "https://github.com/org/repo"},
		{name: "owner repo shorthand", in: "org/repo", want: "https://github.com/org/repo"},
		{name: "shorthand git suffix", in: "org/repo.git", want: "https://github.com/org/repo"},
		{name: "whitespace trimmed", in: "  org/repo  ", want: "https://github.com/org/repo"},
		{name: "empty", in: "", want: ""},
		{name: "blank", in: "   ", want: ""},
		{name: "too many segments", in: "org/repo/extra", want: ""},
		{name: "contains space", in: "org /repo", want: ""},
		{name: "not a repo", in: "just-a-name", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, github.NormalizeRepoURL(tt.in))
		})
	}
}
