package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/propagate/internal/daemon"
	"github.com/tidemark-io/propagate/internal/observability"
	"github.com/tidemark-io/propagate/internal/servicemap"
)

// SyncCommand holds the flags for a one-shot live-session import.
type SyncCommand struct {
	limit int
}

// NewSyncCommand creates the sync command.
func NewSyncCommand() *cobra.Command {
	sc := &SyncCommand{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import live agent sessions into the job table",
		Long: `Sync lists recent agent sessions and mirrors them into the job table,
so work started outside a pipeline run still shows up in status passes
and webhooks. Sessions whose repository is not in the service map are
skipped.

Examples:
  propagate sync
  propagate sync --limit 100`,
		RunE: sc.run,
	}

	cmd.Flags().IntVar(&sc.limit, "limit", 0, "Max sessions to fetch per pass (0 = default)")

	return cmd
}

func (sc *SyncCommand) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, cmd, observability.ModeCLI)
	if err != nil {
		return err
	}
	defer a.close()

	services, err := servicemap.Load(a.cfg.ServiceMap.Path)
	if err != nil {
		return err
	}

	agentClient, err := a.agentClient()
	if err != nil {
		return err
	}

	syncer := &daemon.Syncer{
		Store:    a.store,
		Agent:    agentClient,
		Services: services,
		Notifier: a.webhookNotifier(),
		Owner:    a.cfg.Contract.Owner,
		AppBase:  a.cfg.Agent.AppBase,
		Limit:    sc.limit,
		Logger:   a.providers.Logger,
	}

	summary, err := syncer.Run(ctx)
	if err != nil {
		return err
	}

	printSyncSummary(cmd.OutOrStdout(), summary)

	return nil
}

func printSyncSummary(w io.Writer, s daemon.Summary) {
	fmt.Fprintf(w, "Fetched %d session(s): %d imported, %d updated, %d skipped.\n",
		s.TotalFetched, s.Imported, s.Updated, s.Skipped)

	if s.ChangeID > 0 {
		fmt.Fprintf(w, "Live sessions tracked under change %d.\n", s.ChangeID)
	}
}
