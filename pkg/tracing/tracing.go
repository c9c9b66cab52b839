// Package tracing wires OpenTelemetry for the engine.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/alem-hub/progression-engine"

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// InitProvider installs a global tracer provider. Exporters are attached by
// the caller through opts, for example a batcher over the Jaeger exporter.
func InitProvider(serviceName string, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	all := append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)
	tp := sdktrace.NewTracerProvider(all...)
	otel.SetTracerProvider(tp)
	return tp
}

// Start opens a span named op.
func Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, op, trace.WithAttributes(attrs...))
}

// Finish records *errp on the span and ends it. Use with defer.
func Finish(span trace.Span, errp *error) {
	if errp != nil && *errp != nil {
		span.RecordError(*errp, trace.WithStackTrace(true))
		span.SetStatus(codes.Error, (*errp).Error())
	}
	span.End()
}
