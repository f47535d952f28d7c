package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/propagate/internal/observability"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Long: `Migrate applies pending schema migrations to the configured database.
Migrations are embedded in the binary and applied in order.`,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, cmd, observability.ModeCLI)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Migrate(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")

	return nil
}
