// Package main provides the propagate CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/propagate/cmd/propagate/commands"
	"github.com/tidemark-io/propagate/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "propagate",
		Short: "Contract-change propagation for dependent services",
		Long: `propagate diffs a service's API contract against its stored baseline,
classifies the change, and dispatches remediation agents to every
dependent repository in dependency-wave order.

Commands:
  run      Diff the contract and dispatch remediation jobs
  status   Grade in-flight jobs against the agent and GitHub
  sync     Import live agent sessions into the job table
  daemon   Resident sync loop with an HTTP control surface
  migrate  Apply database schema migrations
  version  Print version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path (default: .propagate.yaml in the working directory)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging and verbose trace spans")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Only log warnings and errors")

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewSyncCommand())
	rootCmd.AddCommand(commands.NewDaemonCommand())
	rootCmd.AddCommand(commands.NewMigrateCommand())
	rootCmd.AddCommand(versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("propagate %s (commit: %s, built: %s)\n",
				version.Version, version.Commit, version.Date)
		},
	}
}
