package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tidemark-io/propagate/internal/guardrails"
	"github.com/tidemark-io/propagate/internal/observability"
	"github.com/tidemark-io/propagate/internal/reconcile"
	"github.com/tidemark-io/propagate/internal/store"
)

// StatusCommand holds the flags for a one-shot reconcile pass.
type StatusCommand struct {
	changeID int64
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	sc := &StatusCommand{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Grade in-flight jobs against the agent and GitHub",
		Long: `Status runs one reconcile pass: every in-flight remediation job is
checked against its agent session and pull request, and job states are
advanced accordingly. Jobs that reached a terminal state are reported.

Examples:
  propagate status
  propagate status --change-id 42`,
		RunE: sc.run,
	}

	cmd.Flags().Int64Var(&sc.changeID, "change-id", 0, "Restrict the pass to one change (0 = all in-flight jobs)")

	return cmd
}

func (sc *StatusCommand) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, cmd, observability.ModeCLI)
	if err != nil {
		return err
	}
	defer a.close()

	agentClient, err := a.agentClient()
	if err != nil {
		return err
	}

	rec := &reconcile.Reconciler{
		Store:        a.store,
		Agent:        agentClient,
		GitHub:       a.githubClient(),
		Policy:       guardrails.FromConfig(a.cfg.Guardrails),
		MaxUnknownCI: a.cfg.Reconcile.CIUnknownMax,
		Tracer:       a.providers.Tracer,
		Logger:       a.providers.Logger,
	}

	transitions, err := rec.Run(ctx, sc.changeID)
	if err != nil {
		return err
	}

	printTransitions(cmd.OutOrStdout(), transitions)

	return nil
}

// printTransitions renders the job moves of one reconcile pass.
func printTransitions(w io.Writer, transitions []reconcile.Transition) {
	if len(transitions) == 0 {
		fmt.Fprintln(w, "No job transitions. All in-flight jobs are holding.")

		return
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false
	tbl.AppendHeader(table.Row{"Job", "Repo", "From", "To", "Detail"})

	for _, tr := range transitions {
		tbl.AppendRow(table.Row{
			tr.JobID,
			tr.TargetRepo,
			strings.ToUpper(tr.From),
			transitionCell(tr.To),
			tr.Detail,
		})
	}

	fmt.Fprintln(w, tbl.Render())
	fmt.Fprintf(w, "%d transition(s)\n", len(transitions))
}

// transitionCell colors the destination status for terminal output.
func transitionCell(status string) string {
	label := strings.ToUpper(status)

	switch status {
	case store.StatusGreen:
		return color.New(color.FgGreen).Sprint(label)
	case store.StatusCIFailed:
		return color.New(color.FgRed).Sprint(label)
	case store.StatusNeedsHuman:
		return color.New(color.FgYellow).Sprint(label)
	default:
		return label
	}
}
