// Package telemetry owns the OpenTelemetry SDK plumbing: building a
// TracerProvider scoped to a service name and environment, installing
// it as the process-wide default, and handing back an
// engine/tracing.Tracer wired to it. No exporter is attached here, so
// spans stay in the process unless one is added to the
// *sdktrace.TracerProvider installed as the process-wide default;
// NewOTelTracer itself returns only the wrapping *OTelTracer.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/fleetwire/inspector/engine/tracing"
)

// OTelTracer is an engine/tracing.Tracer backed by a real, exportable
// OpenTelemetry TracerProvider, so an evaluation pass and the
// snapshot it produces share a trace an external collector can
// actually receive.
type OTelTracer struct {
	tracing.Tracer
	provider *sdktrace.TracerProvider
}

// NewOTelTracer builds an SDK TracerProvider scoped to serviceName and
// environment and installs it as the process-wide default.
func NewOTelTracer(serviceName, environment string) (*OTelTracer, error) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)
	otel.SetTracerProvider(tp)
	return &OTelTracer{Tracer: tracing.Wrap(otel.Tracer(serviceName)), provider: tp}, nil
}

// Shutdown flushes and stops the underlying TracerProvider.
func (t *OTelTracer) Shutdown(ctx context.Context) error { return t.provider.Shutdown(ctx) }

// RecordError records err on the span active in ctx, if any.
func RecordError(ctx context.Context, errType string, err error) {
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", errType),
		attribute.String("error.message", err.Error()),
	)
}
