package orchestrator_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/propagate/internal/orchestrator"
	"github.com/tidemark-io/propagate/internal/store"
)

func TestRollOutcome_Deterministic(t *testing.T) {
	t.Parallel()

	status1, detail1, duration1 := orchestrator.ProbeRollOutcome("ab12cd34ef56ab12")
	status2, detail2, duration2 := orchestrator.ProbeRollOutcome("ab12cd34ef56ab12")

	assert.Equal(t, status1, status2)
	assert.Equal(t, detail1, detail2)
	assert.Equal(t, duration1, duration2)
}

func TestRollOutcome_DurationWithinBounds(t *testing.T) {
	t.Parallel()

	for i := range 64 {
		hash := fmt.Sprintf("%016x", uint64(i)*0x9e3779b97f4a7c15)

		_, _, duration := orchestrator.ProbeRollOutcome(hash)

		assert.GreaterOrEqual(t, duration, 15*time.Minute, "hash %s", hash)
		assert.LessOrEqual(t, duration, 90*time.Minute, "hash %s", hash)
	}
}

func TestRollOutcome_DetailMatchesStatus(t *testing.T) {
	t.Parallel()

	wantDetail := map[string]string{
		store.StatusGreen:      "CI passed, PR ready for review",
		store.StatusCIFailed:   "CI failed: test assertions broke",
		store.StatusNeedsHuman: "Devin session blocked, requires human review",
	}

	seen := make(map[string]bool)

	for i := range 256 {
		hash := fmt.Sprintf("%016x", uint64(i)*0x9e3779b97f4a7c15)

		status, detail, _ := orchestrator.ProbeRollOutcome(hash)

		want, ok := wantDetail[status]
		require.True(t, ok, "unexpected status %q for hash %s", status, hash)
		assert.Equal(t, want, detail)

		seen[status] = true
	}

	// 256 seeds against a 60/20/20 split land in every bucket.
	assert.Len(t, seen, 3)
}

func TestBundleSeed_ParsesHexHash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(0xab12cd34ef56ab12), orchestrator.ProbeBundleSeed("ab12cd34ef56ab12"))
}

func TestBundleSeed_FallsBackToFNV(t *testing.T) {
	t.Parallel()

	seed := orchestrator.ProbeBundleSeed("not-a-hex-hash")

	assert.NotZero(t, seed)
	assert.Equal(t, seed, orchestrator.ProbeBundleSeed("not-a-hex-hash"))
	assert.NotEqual(t, seed, orchestrator.ProbeBundleSeed("another-value"))
}
