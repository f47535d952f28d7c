package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span error classification values recorded via [RecordSpanError].
const (
	// ErrTypeValidation marks malformed or rejected input.
	ErrTypeValidation = "validation"
	// ErrTypeDependencyUnavailable marks an unreachable downstream system.
	ErrTypeDependencyUnavailable = "dependency_unavailable"
	// ErrTypeInternal marks an unexpected internal failure.
	ErrTypeInternal = "internal"

	// ErrSourceClient attributes the failure to the caller.
	ErrSourceClient = "client"
	// ErrSourceDependency attributes the failure to a downstream system.
	ErrSourceDependency = "dependency"
)

// statusRecorder captures the response status code for spans and access logs.
type statusRecorder struct {
	http.ResponseWriter

	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.wrote {
		return
	}

	sr.wrote = true
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(data []byte) (int, error) {
	if !sr.wrote {
		sr.WriteHeader(http.StatusOK)
	}

	n, err := sr.ResponseWriter.Write(data)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}

	return n, nil
}

// HTTPMiddleware wraps next with a server span, panic recovery, and an access
// log line. Incoming W3C traceparent headers are honored so spans join the
// caller's trace.
func HTTPMiddleware(tracer trace.Tracer, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(hr.Context(), propagation.HeaderCarrier(hr.Header))

		ctx, span := tracer.Start(ctx, hr.Method+" "+hr.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", hr.Method),
				attribute.String("http.path", hr.URL.Path),
			),
		)

		recorder := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		start := time.Now()

		defer func() {
			recovered := recover()
			if recovered != nil {
				recorder.WriteHeader(http.StatusInternalServerError)

				span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", recovered))
				span.SetAttributes(attribute.String("error.type", "panic"))
				span.AddEvent("panic.stack", trace.WithAttributes(
					attribute.String("stack.trace", string(debug.Stack())),
				))

				logger.LogAttrs(ctx, slog.LevelError, "http.panic",
					slog.Any("panic", recovered),
					slog.String("path", hr.URL.Path),
				)
			}

			span.SetAttributes(attribute.Int("http.status_code", recorder.status))

			if recorder.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(recorder.status))
			}

			logger.LogAttrs(ctx, slog.LevelInfo, "http.request",
				slog.String("method", hr.Method),
				slog.String("path", hr.URL.Path),
				slog.Int("status", recorder.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)

			span.End()
		}()

		next.ServeHTTP(recorder, hr.WithContext(ctx))
	})
}

// RecordSpanError marks span as failed and classifies the error for triage.
// errSource is omitted when empty.
func RecordSpanError(span trace.Span, err error, errType, errSource string) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.type", errType))

	if errSource != "" {
		span.SetAttributes(attribute.String("error.source", errSource))
	}
}
