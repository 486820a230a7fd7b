// Package tracing provides OpenTelemetry instrumentation for stratum.
//
// Basic usage with the command bus:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	bus := stratum.NewCommandBus()
//	bus.Use(tracing.CommandMiddleware(tracer))
//
// Spans carry the command type, aggregate id, resulting version, and the
// correlation id when one is present in the context.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratumhq/stratum"
)

const (
	// TracerName is the name of the stratum tracer.
	TracerName = "github.com/stratumhq/stratum"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "stratum"
)

// Tracer wraps an OpenTelemetry tracer for stratum operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// CommandMiddleware returns bus middleware that traces command dispatch.
func CommandMiddleware(tracer *Tracer) stratum.Middleware {
	return func(next stratum.DispatchFunc) stratum.DispatchFunc {
		return func(ctx context.Context, cmd stratum.Command) (stratum.CommandResult, error) {
			spanName := fmt.Sprintf("command.%s", cmd.CommandType())

			ctx, span := tracer.StartSpan(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			attrs := []attribute.KeyValue{
				attribute.String("stratum.service", tracer.serviceName),
				attribute.String("stratum.command.type", cmd.CommandType()),
			}
			if id := cmd.AggregateID(); id != "" {
				attrs = append(attrs, attribute.String("stratum.command.aggregate_id", id))
			}
			span.SetAttributes(attrs...)

			if correlationID := stratum.CorrelationIDFromContext(ctx); correlationID != "" {
				span.SetAttributes(attribute.String("stratum.correlation_id", correlationID))
			}

			result, err := next(ctx, cmd)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
				span.SetAttributes(
					attribute.String("stratum.result.aggregate_id", result.AggregateID),
					attribute.Int64("stratum.result.version", result.Version),
					attribute.Int("stratum.result.events", len(result.Events)),
				)
			}

			return result, err
		}
	}
}
