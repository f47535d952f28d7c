package guardrails_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/propagate/internal/config"
	"github.com/tidemark-io/propagate/internal/guardrails"
)

func TestValidatePaths_NoViolations(t *testing.T) {
	t.Parallel()

	p := guardrails.Default()
	assert.Empty(t, p.ValidatePaths([]string{"src/client.go", "internal/client/client_test.go"}))
}

func TestValidatePaths_DefaultPrefixes(t *testing.T) {
	t.Parallel()

	p := guardrails.Default()

	tests := []struct {
		name   string
		path   string
		prefix string
	}{
		{name: "infra", path: "infra/main.tf", prefix: "infra/"},
		{name: "workflows", path: ".github/workflows/ci.yaml", prefix: ".github/workflows/"},
		{name: "terraform", path: "terraform/modules/rds.tf", prefix: "terraform/"},
		{name: "k8s", path: "k8s/deployment.yaml", prefix: "k8s/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			violations := p.ValidatePaths([]string{tt.path})
			require.Len(t, violations, 1)
			assert.Contains(t, violations[0], tt.prefix)
			assert.Contains(t, violations[0], tt.path)
		})
	}
}

func TestValidatePaths_MixedList(t *testing.T) {
	t.Parallel()

	p := guardrails.Default()

	violations := p.ValidatePaths([]string{"infra/main.tf", "src/app.go"})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "infra/")
}

func TestValidatePaths_MultipleViolations(t *testing.T) {
	t.Parallel()

	p := guardrails.Default()

	violations := p.ValidatePaths([]string{"infra/x", "terraform/y", ".github/workflows/z"})
	assert.Len(t, violations, 3)
}

func TestValidatePaths_EmptyInput(t *testing.T) {
	t.Parallel()

	p := guardrails.Default()
	assert.Empty(t, p.ValidatePaths(nil))
}

func TestValidatePaths_CustomPrefixes(t *testing.T) {
	t.Parallel()

	p := guardrails.Policy{ProtectedPaths: []string{"secret/"}}

	require.Len(t, p.ValidatePaths([]string{"secret/keys.json"}), 1)
	assert.Empty(t, p.ValidatePaths([]string{"infra/main.tf"}))
}

func TestValidatePaths_DeeplyNested(t *testing.T) {
	t.Parallel()

	p := guardrails.Default()

	violations := p.ValidatePaths([]string{"infra/nested/deep/file.tf"})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "infra/")
}

func TestValidatePaths_SiblingDirectoryNotCaught(t *testing.T) {
	t.Parallel()

	p := guardrails.Default()

	// infrastructure/ shares a name prefix with infra/ but is a different
	// directory.
	assert.Empty(t, p.ValidatePaths([]string{"infrastructure/main.tf"}))
}

func TestValidatePaths_PrefixWithoutTrailingSlash(t *testing.T) {
	t.Parallel()

	p := guardrails.Policy{ProtectedPaths: []string{"deploy"}}

	assert.Len(t, p.ValidatePaths([]string{"deploy/app.yaml"}), 1)
	assert.Len(t, p.ValidatePaths([]string{"deploy"}), 1)
	assert.Empty(t, p.ValidatePaths([]string{"deployment/app.yaml"}))
}

func TestCheckCanMerge_AutoMergeDisabled(t *testing.T) {
	t.Parallel()

	p := guardrails.Policy{AutoMerge: false, CIRequired: true}

	allowed, reason := p.CheckCanMerge(true)
	assert.False(t, allowed)
	assert.Contains(t, reason, "auto_merge is disabled")
}

func TestCheckCanMerge_CIRequiredNotPassed(t *testing.T) {
	t.Parallel()

	p := guardrails.Policy{AutoMerge: true, CIRequired: true}

	allowed, reason := p.CheckCanMerge(false)
	assert.False(t, allowed)
	assert.Equal(t, "CI has not passed and ci_required is on", reason)
}

func TestCheckCanMerge_Allowed(t *testing.T) {
	t.Parallel()

	p := guardrails.Policy{AutoMerge: true, CIRequired: true}

	allowed, reason := p.CheckCanMerge(true)
	assert.True(t, allowed)
	assert.Contains(t, reason, "merge allowed")
}

func TestCheckCanMerge_CINotRequired(t *testing.T) {
	t.Parallel()

	p := guardrails.Policy{AutoMerge: true, CIRequired: false}

	allowed, _ := p.CheckCanMerge(false)
	assert.True(t, allowed)
}

func TestDefault(t *testing.T) {
	t.Parallel()

	p := guardrails.Default()

	assert.Equal(t, 3, p.MaxParallel)
	assert.Equal(t, []string{"infra/", ".github/workflows/", "terraform/", "k8s/"}, p.ProtectedPaths)
	assert.True(t, p.CIRequired)
	assert.False(t, p.AutoMerge)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	p := guardrails.FromConfig(config.GuardrailsConfig{
		MaxParallel:    5,
		ProtectedPaths: []string{"secret/"},
		CIRequired:     false,
		AutoMerge:      true,
	})

	assert.Equal(t, 5, p.MaxParallel)
	assert.Equal(t, []string{"secret/"}, p.ProtectedPaths)
	assert.False(t, p.CIRequired)
	assert.True(t, p.AutoMerge)
}
