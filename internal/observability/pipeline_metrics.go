package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricChangesTotal   = "propagate.changes.total"
	metricJobsDispatched = "propagate.jobs.dispatched.total"
	metricJobTransitions = "propagate.job.transitions.total"
	metricWavesTotal     = "propagate.waves.total"
	metricWaveDuration   = "propagate.wave.duration.seconds"

	attrFromStatus = "from"
	attrToStatus   = "to"
)

// PipelineMetrics holds OTel instruments for propagation-specific metrics.
type PipelineMetrics struct {
	changesTotal   metric.Int64Counter
	jobsDispatched metric.Int64Counter
	jobTransitions metric.Int64Counter
	wavesTotal     metric.Int64Counter
	waveDuration   metric.Float64Histogram
}

// PipelineStats holds the statistics for a single propagation run,
// decoupled from orchestrator types.
type PipelineStats struct {
	Changes        int64
	JobsDispatched int64
	Waves          int
	WaveDurations  []time.Duration
}

// NewPipelineMetrics creates propagation metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		changesTotal:   b.counter(metricChangesTotal, "Total contract changes detected", "{change}"),
		jobsDispatched: b.counter(metricJobsDispatched, "Total remediation jobs dispatched", "{job}"),
		jobTransitions: b.counter(metricJobTransitions, "Job state transitions by from/to status", "{transition}"),
		wavesTotal:     b.counter(metricWavesTotal, "Total dependency waves executed", "{wave}"),
		waveDuration:   b.histogram(metricWaveDuration, "Per-wave wall-clock duration in seconds", "s", durationBucketBoundaries...),
	}

	if b.err != nil {
		return nil, b.err
	}

	return pm, nil
}

// RecordRun records statistics for a completed propagation run.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordRun(ctx context.Context, stats PipelineStats) {
	if pm == nil {
		return
	}

	pm.changesTotal.Add(ctx, stats.Changes)
	pm.jobsDispatched.Add(ctx, stats.JobsDispatched)
	pm.wavesTotal.Add(ctx, int64(stats.Waves))

	for _, d := range stats.WaveDurations {
		pm.waveDuration.Record(ctx, d.Seconds())
	}
}

// RecordTransition records a single job state transition.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordTransition(ctx context.Context, from, to string) {
	if pm == nil {
		return
	}

	pm.jobTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFromStatus, from),
		attribute.String(attrToStatus, to),
	))
}
