package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricSyncJobs   = "propagate.sync.jobs"
	metricSyncPasses = "propagate.sync.passes"

	attrAction = "action"
)

// SyncStatsProvider exposes cumulative live-sync counters for OTel export.
type SyncStatsProvider interface {
	JobsImported() int64
	JobsUpdated() int64
	JobsSkipped() int64
	Passes() int64
}

// RegisterSyncMetrics registers observable gauges that report cumulative
// live-sync counters from the daemon sync loop. src may be nil.
func RegisterSyncMetrics(mt metric.Meter, src SyncStatsProvider) error {
	if src == nil {
		return nil
	}

	_, err := mt.Int64ObservableGauge(metricSyncJobs,
		metric.WithDescription("Cumulative live-sync job counts by action"),
		metric.WithUnit("{job}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(src.JobsImported(), metric.WithAttributes(
				attribute.String(attrAction, "imported"),
			))
			o.Observe(src.JobsUpdated(), metric.WithAttributes(
				attribute.String(attrAction, "updated"),
			))
			o.Observe(src.JobsSkipped(), metric.WithAttributes(
				attribute.String(attrAction, "skipped"),
			))

			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricSyncJobs, err)
	}

	_, err = mt.Int64ObservableGauge(metricSyncPasses,
		metric.WithDescription("Cumulative live-sync passes completed"),
		metric.WithUnit("{pass}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(src.Passes())

			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricSyncPasses, err)
	}

	return nil
}
