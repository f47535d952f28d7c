// Package guardrails holds the safety policy consulted before and after
// remediation jobs run: the protected-path denylist, the merge gate, and the
// fan-out concurrency cap.
package guardrails

import (
	"fmt"
	"strings"

	"github.com/tidemark-io/propagate/internal/config"
)

// Merge gate reasons returned by CheckCanMerge.
const (
	reasonAutoMergeDisabled = "auto_merge is disabled"
	reasonCINotPassed       = "CI has not passed and ci_required is on"
	reasonMergeAllowed      = "merge allowed"
)

// Policy is the immutable guardrail record built once at startup.
type Policy struct {
	MaxParallel    int
	ProtectedPaths []string
	CIRequired     bool
	AutoMerge      bool
}

// Default returns the stock policy: three parallel sessions, infrastructure
// and CI-definition paths protected, CI required, auto-merge off.
func Default() Policy {
	return Policy{
		MaxParallel:    config.DefaultMaxParallel,
		ProtectedPaths: config.DefaultProtectedPaths(),
		CIRequired:     config.DefaultCIRequired,
		AutoMerge:      config.DefaultAutoMerge,
	}
}

// FromConfig builds the policy from the loaded configuration.
func FromConfig(cfg config.GuardrailsConfig) Policy {
	return Policy{
		MaxParallel:    cfg.MaxParallel,
		ProtectedPaths: cfg.ProtectedPaths,
		CIRequired:     cfg.CIRequired,
		AutoMerge:      cfg.AutoMerge,
	}
}

// ValidatePaths returns one human-readable violation per path that falls
// under a protected prefix. An empty result means every path is allowed.
// Matching is segment-aware: "infrastructure/main.tf" does not violate the
// "infra/" prefix, while "infra/nested/deep/file.tf" does.
func (p Policy) ValidatePaths(paths []string) []string {
	violations := make([]string, 0)

	for _, path := range paths {
		for _, prefix := range p.ProtectedPaths {
			if underPrefix(path, prefix) {
				violations = append(violations, fmt.Sprintf("%s touches protected path %s", path, prefix))

				break
			}
		}
	}

	return violations
}

// CheckCanMerge reports whether a PR may be merged automatically and why.
// Merging is allowed only when auto-merge is enabled and CI passed or is not
// required.
func (p Policy) CheckCanMerge(ciPassed bool) (bool, string) {
	if !p.AutoMerge {
		return false, reasonAutoMergeDisabled
	}

	if p.CIRequired && !ciPassed {
		return false, reasonCINotPassed
	}

	return true, reasonMergeAllowed
}

func underPrefix(path, prefix string) bool {
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}

	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
