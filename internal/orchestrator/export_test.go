package orchestrator

import "time"

// ProbeRollOutcome exposes rollOutcome for testing.
func ProbeRollOutcome(bundleHash string) (string, string, time.Duration) {
	return rollOutcome(bundleHash)
}

// ProbeBundleSeed exposes bundleSeed for testing.
func ProbeBundleSeed(bundleHash string) uint64 {
	return bundleSeed(bundleHash)
}
