package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// shutdownFunc flushes and releases a telemetry provider.
type shutdownFunc func(ctx context.Context) error

// Providers bundles the process-wide telemetry handles created by [Init].
type Providers struct {
	// Tracer creates spans. No-op when no OTLP endpoint is configured.
	Tracer trace.Tracer

	// Meter creates metric instruments. Always backed by a real provider so
	// the Prometheus scrape endpoint works without an OTLP collector.
	Meter metric.Meter

	// Logger is the process logger, also installed as the slog default.
	Logger *slog.Logger

	// MetricsHandler serves the Prometheus exposition format for every
	// instrument created from Meter.
	MetricsHandler http.Handler

	shutdowns []shutdownFunc
	timeout   time.Duration
}

// Init wires up logging, tracing, and metrics from cfg. With an empty
// OTLPEndpoint the tracer is no-op and metrics are scrape-only, so Init
// never touches the network in that case. Call [Providers.Shutdown] on exit
// to flush exporters.
func Init(cfg Config) (Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res, err := buildResource(cfg)
	if err != nil {
		return Providers{}, err
	}

	p := Providers{
		Logger:  logger,
		timeout: time.Duration(cfg.ShutdownTimeoutSec) * time.Second,
	}

	ctx := context.Background()

	tracer, tracerShutdown, err := initTracer(ctx, cfg, res)
	if err != nil {
		return Providers{}, err
	}

	p.Tracer = tracer
	if tracerShutdown != nil {
		p.shutdowns = append(p.shutdowns, tracerShutdown)
	}

	meter, metricsHandler, meterShutdown, err := initMeter(ctx, cfg, res)
	if err != nil {
		return Providers{}, err
	}

	p.Meter = meter
	p.MetricsHandler = metricsHandler
	p.shutdowns = append(p.shutdowns, meterShutdown)

	_, err = NewSchedulerMetrics(meter)
	if err != nil {
		return Providers{}, fmt.Errorf("register runtime metrics: %w", err)
	}

	return p, nil
}

// Shutdown flushes all exporters, bounded by the configured shutdown timeout.
func (p Providers) Shutdown(ctx context.Context) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var errs []error

	for _, fn := range p.shutdowns {
		err := fn(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ParseOTLPHeaders parses a comma-separated "key=value" list, the format of
// OTEL_EXPORTER_OTLP_HEADERS, into a header map. Malformed entries are
// skipped. Returns nil when no valid pairs remain.
func ParseOTLPHeaders(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	headers := make(map[string]string)

	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		headers[key] = strings.TrimSpace(value)
	}

	if len(headers) == 0 {
		return nil
	}

	return headers
}

// newLogger builds the process slog.Logger per cfg (level, text vs JSON).
func newLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// buildResource assembles the OTel resource identifying this process.
func buildResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}

	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}

	if cfg.Mode != "" {
		attrs = append(attrs, attribute.String("app.mode", string(cfg.Mode)))
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	return res, nil
}

// selectSampler resolves the trace sampler from cfg: DebugTrace wins, then an
// explicit ratio, then parent-based always-on.
func selectSampler(cfg Config) sdktrace.Sampler {
	switch {
	case cfg.DebugTrace:
		return sdktrace.AlwaysSample()
	case cfg.SampleRatio > 0 && cfg.SampleRatio < 1:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (trace.Tracer, shutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return nooptrace.NewTracerProvider().Tracer(cfg.ServiceName), nil, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}

	if len(cfg.OTLPHeaders) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.OTLPHeaders))
	}

	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)

	var provider trace.TracerProvider = tp
	if !cfg.TraceVerbose {
		provider = NewFilteringTracerProvider(tp)
	}

	otel.SetTracerProvider(provider)

	return provider.Tracer(cfg.ServiceName), tp.Shutdown, nil
}

func initMeter(ctx context.Context, cfg Config, res *resource.Resource) (metric.Meter, http.Handler, shutdownFunc, error) {
	registry := prometheus.NewRegistry()

	scrapeExporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mpOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(scrapeExporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}

		if len(cfg.OTLPHeaders) > 0 {
			otlpOpts = append(otlpOpts, otlpmetricgrpc.WithHeaders(cfg.OTLPHeaders))
		}

		if cfg.OTLPInsecure {
			otlpOpts = append(otlpOpts, otlpmetricgrpc.WithInsecure())
		}

		metricExporter, expErr := otlpmetricgrpc.New(ctx, otlpOpts...)
		if expErr != nil {
			return nil, nil, nil, fmt.Errorf("create otlp metric exporter: %w", expErr)
		}

		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)

	scrape := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return mp.Meter(cfg.ServiceName), scrape, mp.Shutdown, nil
}
