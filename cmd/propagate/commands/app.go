// Package commands implements the propagate CLI subcommands.
package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/propagate/internal/agent"
	"github.com/tidemark-io/propagate/internal/config"
	"github.com/tidemark-io/propagate/internal/github"
	"github.com/tidemark-io/propagate/internal/notify"
	"github.com/tidemark-io/propagate/internal/observability"
	"github.com/tidemark-io/propagate/internal/store"
	"github.com/tidemark-io/propagate/pkg/version"
)

// app bundles what every subcommand needs: loaded configuration,
// telemetry providers, and an open job store.
type app struct {
	cfg       *config.Config
	providers observability.Providers
	store     *store.Store
}

// openApp loads configuration, initializes telemetry, and opens the job
// store. Callers must close the returned app.
func openApp(ctx context.Context, cmd *cobra.Command, mode observability.AppMode) (*app, error) {
	cfg, err := config.LoadConfig(stringFlag(cmd, "config"))
	if err != nil {
		return nil, err
	}

	providers, err := initObservability(cmd, mode)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = providers.Shutdown(context.Background())

		return nil, err
	}

	return &app{cfg: cfg, providers: providers, store: st}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.providers.Logger.Warn("store close failed", "error", err)
	}

	if err := a.providers.Shutdown(context.Background()); err != nil {
		a.providers.Logger.Warn("telemetry shutdown failed", "error", err)
	}
}

func (a *app) agentClient() (*agent.Client, error) {
	return agent.New(agent.Config{
		APIKey:  a.cfg.Agent.APIKey,
		BaseURL: a.cfg.Agent.APIBase,
		Logger:  a.providers.Logger,
	})
}

func (a *app) githubClient() *github.Client {
	return github.NewClient(github.Config{
		Token:   a.cfg.GitHub.Token,
		APIBase: a.cfg.GitHub.APIBase,
		Logger:  a.providers.Logger,
	})
}

// webhookNotifier builds the event sink. An empty webhook URL yields a
// notifier that drops every event.
func (a *app) webhookNotifier() *notify.Notifier {
	return notify.New(notify.Config{
		BaseURL: a.cfg.Notify.WebhookURL,
		Logger:  a.providers.Logger,
	})
}

// initObservability builds telemetry providers for one command
// invocation. OTLP export follows the standard OTEL_EXPORTER_OTLP_*
// environment variables; without an endpoint, traces and metrics stay
// in-process.
func initObservability(cmd *cobra.Command, mode observability.AppMode) (observability.Providers, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Environment = os.Getenv("PROPAGATE_ENV")
	obsCfg.Mode = mode
	obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	obsCfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	obsCfg.LogJSON = mode == observability.ModeDaemon

	if boolFlag(cmd, "verbose") {
		obsCfg.LogLevel = slog.LevelDebug
		obsCfg.DebugTrace = true
		obsCfg.TraceVerbose = true
	}

	if boolFlag(cmd, "quiet") {
		obsCfg.LogLevel = slog.LevelWarn
	}

	return observability.Init(obsCfg)
}

// stringFlag reads a string flag, tolerating commands that never
// registered it.
func stringFlag(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return ""
	}

	return v
}

func boolFlag(cmd *cobra.Command, name string) bool {
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		return false
	}

	return v
}
