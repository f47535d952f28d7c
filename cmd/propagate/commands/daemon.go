package commands

import (
	"github.com/spf13/cobra"

	"github.com/tidemark-io/propagate/internal/daemon"
	"github.com/tidemark-io/propagate/internal/guardrails"
	"github.com/tidemark-io/propagate/internal/observability"
	"github.com/tidemark-io/propagate/internal/reconcile"
	"github.com/tidemark-io/propagate/internal/servicemap"
)

// DaemonCommand holds the flags for resident mode.
type DaemonCommand struct {
	addr string
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand() *cobra.Command {
	dc := &DaemonCommand{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Resident sync loop with an HTTP control surface",
		Long: `Daemon runs the live-session sync and job reconcile passes on an
interval, and serves health, readiness, Prometheus metrics, and a
manual sync trigger over HTTP. It shuts down cleanly on SIGINT and
SIGTERM.

Examples:
  propagate daemon
  propagate daemon --addr 0.0.0.0:9090`,
		RunE: dc.run,
	}

	cmd.Flags().StringVar(&dc.addr, "addr", "", "HTTP listen address (default from config)")

	return cmd
}

func (dc *DaemonCommand) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, cmd, observability.ModeDaemon)
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
		Logger:   a.providers.Logger,
	}

	if err := observability.RegisterSyncMetrics(a.providers.Meter, syncer); err != nil {
		return err
	}

	red, err := observability.NewREDMetrics(a.providers.Meter)
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

	addr := dc.addr
	if addr == "" {
		addr = a.cfg.Daemon.Addr
	}

	d := &daemon.Daemon{
		Addr:           addr,
		SyncInterval:   a.cfg.Daemon.SyncInterval,
		Syncer:         syncer,
		Reconciler:     rec,
		Tracer:         a.providers.Tracer,
		Metrics:        a.providers.MetricsHandler,
		RequestMetrics: red,
		ReadyChecks:    []observability.ReadyCheck{a.store.Ping},
		Logger:         a.providers.Logger,
	}

	return d.Serve(ctx)
}
