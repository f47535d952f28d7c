package config

import "time"

// Default core settings.
const (
	// DefaultDatabaseURL is the local development database.
	DefaultDatabaseURL = "postgres://localhost:5432/propagate?sslmode=disable"

	// DefaultContractPath is the OpenAPI contract location relative to the repo root.
	DefaultContractPath = "contracts/openapi.json"

	// DefaultContractOwner is the service that publishes the contract.
	DefaultContractOwner = "api-core"

	// DefaultServiceMapPath is the service dependency map location.
	DefaultServiceMapPath = "contracts/service_map.yaml"
)

// Default agent API settings.
const (
	// DefaultAgentAPIBase is the remediation agent REST endpoint.
	DefaultAgentAPIBase = "https://api.devin.ai/v1"

	// DefaultAgentAppBase is the agent web UI base for session links.
	DefaultAgentAppBase = "https://app.devin.ai"
)

// DefaultGitHubAPIBase is the GitHub REST endpoint.
const DefaultGitHubAPIBase = "https://api.github.com"

// Default guardrail settings.
const (
	// DefaultMaxParallel bounds concurrent remediation sessions.
	DefaultMaxParallel = 3

	// DefaultCIRequired gates merges on passing CI.
	DefaultCIRequired = true

	// DefaultAutoMerge keeps merging a human decision.
	DefaultAutoMerge = false
)

// DefaultProtectedPaths lists path prefixes the agent must never touch.
func DefaultProtectedPaths() []string {
	return []string{"infra/", ".github/workflows/", "terraform/", "k8s/"}
}

// Default wave wait loop settings.
const (
	// DefaultWavePollInterval is the sleep between wave status polls.
	DefaultWavePollInterval = 30 * time.Second

	// DefaultWaveMaxPolls bounds the wave wait loop.
	DefaultWaveMaxPolls = 30
)

// DefaultCIUnknownMax is how many reconcile passes a PR may hold at
// pr_opened with unknown CI before failing closed.
const DefaultCIUnknownMax = 5

// Default daemon settings.
const (
	// DefaultDaemonAddr is the daemon HTTP listen address.
	DefaultDaemonAddr = ":8090"

	// DefaultDaemonSyncInterval is the live session sync loop interval.
	DefaultDaemonSyncInterval = 45 * time.Second
)
