// Package daemon runs propagate's resident mode: a background loop that
// imports live agent sessions and reconciles in-flight jobs, plus a small
// HTTP surface for health probes, Prometheus scrapes, and a manual sync
// trigger.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark-io/propagate/internal/config"
	"github.com/tidemark-io/propagate/internal/observability"
	"github.com/tidemark-io/propagate/internal/reconcile"
	"github.com/tidemark-io/propagate/internal/store"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// opLiveJobsSync labels manual sync requests in RED metrics.
const opLiveJobsSync = "live-jobs-sync"

// Daemon wires the sync loop and the control HTTP server. Syncer is
// required; everything else has a usable zero value.
type Daemon struct {
	// Addr is the HTTP listen address. Empty means the config default.
	Addr string

	// SyncInterval is the background pass cadence. Zero means the
	// config default.
	SyncInterval time.Duration

	Syncer *Syncer

	// Reconciler, when set, runs after each sync pass to grade
	// in-flight jobs against the agent and GitHub.
	Reconciler *reconcile.Reconciler

	// Tracer instruments the HTTP surface. Nil means no-op spans.
	Tracer trace.Tracer

	// Metrics serves the Prometheus exposition endpoint. Nil disables
	// /metrics.
	Metrics http.Handler

	// RequestMetrics records RED instruments for the manual sync
	// endpoint. Nil disables recording.
	RequestMetrics *observability.REDMetrics

	// ReadyChecks gate /readyz. Typically the database ping.
	ReadyChecks []observability.ReadyCheck

	Logger *slog.Logger
}

func (d *Daemon) addr() string {
	if d.Addr != "" {
		return d.Addr
	}

	return config.DefaultDaemonAddr
}

func (d *Daemon) interval() time.Duration {
	if d.SyncInterval > 0 {
		return d.SyncInterval
	}

	return config.DefaultDaemonSyncInterval
}

func (d *Daemon) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (d *Daemon) tracer() trace.Tracer {
	if d.Tracer != nil {
		return d.Tracer
	}

	return nooptrace.NewTracerProvider().Tracer("propagate.daemon")
}

// Router assembles the daemon's HTTP surface.
func (d *Daemon) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return observability.HTTPMiddleware(d.tracer(), d.logger(), next)
	})

	r.Method(http.MethodGet, "/healthz", observability.HealthHandler())
	r.Method(http.MethodGet, "/readyz", observability.ReadyHandler(d.ReadyChecks...))

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Post("/api/v1/live-jobs/sync", d.handleSync)

	return r
}

// Serve runs the HTTP server and the sync loop until ctx is cancelled or
// the server fails, then drains connections and waits for the loop to
// finish.
func (d *Daemon) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.addr(),
		Handler:           d.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.runLoop(ctx)

		return nil
	})

	g.Go(func() error {
		d.logger().Info("daemon listening", "addr", srv.Addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("drain daemon http server: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	d.logger().Info("daemon stopped")

	return nil
}

// runLoop fires a sync+reconcile pass immediately and then on every tick
// until ctx ends.
func (d *Daemon) runLoop(ctx context.Context) {
	interval := d.interval()
	d.logger().Info("live session sync loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.runOnce(ctx)

		select {
		case <-ctx.Done():
			d.logger().Info("live session sync loop stopped")

			return
		case <-ticker.C:
		}
	}
}

// runOnce is one loop iteration. Failures are logged, never fatal: the
// next tick retries from scratch.
func (d *Daemon) runOnce(ctx context.Context) {
	summary, err := d.Syncer.Run(ctx)
	if err != nil {
		d.logger().Warn("live session sync failed", "error", err)

		return
	}

	d.logger().Debug("live session sync pass finished",
		"synced", summary.Synced,
		"imported", summary.Imported,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"total_fetched", summary.TotalFetched,
	)

	if d.Reconciler == nil {
		return
	}

	transitions, err := d.Reconciler.Run(ctx, 0)
	if err != nil {
		d.logger().Warn("reconcile pass failed", "error", err)

		return
	}

	if len(transitions) > 0 {
		d.logger().Info("reconcile pass moved jobs", "transitions", len(transitions))
	}
}

// syncResponse is the manual-trigger reply: the sync pass counters plus
// what the follow-up reconcile pass moved. Updated folds both in, the
// status_* fields break the reconcile share back out.
type syncResponse struct {
	Summary

	StatusUpdated int `json:"status_updated"`
	StatusGreen   int `json:"status_green"`
}

func (d *Daemon) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	release := d.RequestMetrics.TrackInflight(r.Context(), opLiveJobsSync)
	defer release()

	summary, err := d.Syncer.Run(r.Context())
	if err != nil {
		d.logger().Error("manual live-jobs sync failed", "error", err)
		d.RequestMetrics.RecordRequest(r.Context(), opLiveJobsSync, "error", time.Since(start))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})

		return
	}

	resp := syncResponse{Summary: summary}

	if d.Reconciler != nil {
		transitions, err := d.Reconciler.Run(r.Context(), summary.ChangeID)
		if err != nil {
			d.logger().Warn("post-sync reconcile failed", "error", err)
		}

		for _, tr := range transitions {
			resp.StatusUpdated++

			if tr.To == store.StatusGreen {
				resp.StatusGreen++
			}
		}

		resp.Updated += resp.StatusUpdated
	}

	d.RequestMetrics.RecordRequest(r.Context(), opLiveJobsSync, "ok", time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}
