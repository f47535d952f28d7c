package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/propagate/internal/config"
	"github.com/tidemark-io/propagate/internal/contract"
	"github.com/tidemark-io/propagate/internal/guardrails"
	"github.com/tidemark-io/propagate/internal/observability"
	"github.com/tidemark-io/propagate/internal/orchestrator"
	"github.com/tidemark-io/propagate/internal/servicemap"
	"github.com/tidemark-io/propagate/pkg/version"
)

// RunCommand holds the flags for one propagation run.
type RunCommand struct {
	dryRun bool
	noWait bool
	ci     bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	rc := &RunCommand{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Diff the contract and dispatch remediation jobs",
		Long: `Run diffs the current contract against the stored baseline, classifies
the change, computes dependency waves over the service map, and
dispatches one remediation agent session per impacted repository.

The command exits non-zero when any dispatched job lands in a
non-green terminal state, so CI pipelines fail visibly.

Examples:
  propagate run
  propagate run --dry-run
  propagate run --ci --no-wait`,
		RunE: rc.run,
	}

	cmd.Flags().BoolVar(&rc.dryRun, "dry-run", false, "Simulate the pipeline without creating agent sessions")
	cmd.Flags().BoolVar(&rc.noWait, "no-wait", false, "Dispatch waves without waiting for completion gates")
	cmd.Flags().BoolVar(&rc.ci, "ci", false, "CI mode: treat a missing baseline as an empty contract")

	return cmd
}

func (rc *RunCommand) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, cmd, observability.ModeCLI)
	if err != nil {
		return err
	}
	defer a.close()

	doc, err := contract.LoadFile(a.cfg.Contract.Path)
	if err != nil {
		return err
	}

	services, err := servicemap.Load(a.cfg.ServiceMap.Path)
	if err != nil {
		return err
	}

	metrics, err := observability.NewPipelineMetrics(a.providers.Meter)
	if err != nil {
		return err
	}

	pipe := &orchestrator.Pipeline{
		Store:        a.store,
		GitHub:       a.githubClient(),
		Policy:       guardrails.FromConfig(a.cfg.Guardrails),
		Services:     services,
		Owner:        a.cfg.Contract.Owner,
		SourceRef:    os.Getenv("GITHUB_SHA"),
		PollInterval: a.cfg.Wave.PollInterval,
		MaxPolls:     a.cfg.Wave.MaxPolls,
		MaxUnknownCI: a.cfg.Reconcile.CIUnknownMax,
		Metrics:      metrics,
		Tracer:       a.providers.Tracer,
		Out:          cmd.OutOrStdout(),
		Logger:       a.providers.Logger,
	}

	// Dry runs never touch the agent API, so the key may be absent.
	if !rc.dryRun {
		agentClient, err := a.agentClient()
		if err != nil {
			return err
		}

		pipe.Agent = agentClient
	}

	rc.printHeader(cmd.OutOrStdout(), a.cfg)

	_, err = pipe.Run(ctx, doc, orchestrator.Options{
		DryRun: rc.dryRun,
		NoWait: rc.noWait,
		CI:     rc.ci,
	})

	return err
}

// printHeader echoes the effective run configuration so operators can
// spot a mis-pointed contract or stale guardrails at a glance.
func (rc *RunCommand) printHeader(w io.Writer, cfg *config.Config) {
	owner := cfg.Contract.Owner
	if owner == "" {
		owner = config.DefaultContractOwner
	}

	fmt.Fprintf(w, "propagate %s\n", version.Version)
	fmt.Fprintf(w, "  contract: %s (owner %s)\n", cfg.Contract.Path, owner)
	fmt.Fprintf(w, "  guardrails: max_parallel=%d ci_required=%t auto_merge=%t protected_paths=%d\n",
		cfg.Guardrails.MaxParallel, cfg.Guardrails.CIRequired,
		cfg.Guardrails.AutoMerge, len(cfg.Guardrails.ProtectedPaths))

	if rc.dryRun {
		fmt.Fprintln(w, "  mode: dry-run, no agent sessions will be created")
	}

	if rc.noWait {
		fmt.Fprintln(w, "  mode: no-wait, waves dispatch without completion gates")
	}

	if rc.ci {
		fmt.Fprintln(w, "  mode: ci, a missing baseline counts as an empty contract")
	}
}
