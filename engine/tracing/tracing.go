// Package tracing provides the minimal span abstraction the inspection
// engine programs against when wrapping matrix swaps, condition
// evaluation passes, and snapshot emission. It is a thin seam over
// go.opentelemetry.io/otel/trace rather than a tracing system of its
// own: NewTracer(false) is backed by OTel's own no-op tracer so a
// disabled engine pays no tracing cost, and NewTracer(true) records
// into its own local, always-sampling SDK provider. Wrap lets a caller
// that owns a real, exporting TracerProvider (engine/telemetry.OTelTracer)
// hand it to the engine instead, so this package never needs to know
// anything about exporters.
package tracing

import (
	"context"
	"fmt"
	"math/rand"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "fleetwire/inspector/engine"

// Span represents one traced operation.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// SpanContext carries the correlation IDs of a span.
type SpanContext struct {
	TraceID, SpanID string
}

// Tracer starts spans, optionally sampling them.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type otelTracer struct {
	tracer oteltrace.Tracer
	noop   bool
}

// Wrap adapts an existing go.opentelemetry.io/otel/trace.Tracer to the
// Tracer contract, so a caller owning its own TracerProvider (such as
// engine/telemetry.OTelTracer) does not need to reimplement span
// handling.
func Wrap(t oteltrace.Tracer) Tracer { return &otelTracer{tracer: t} }

// NewTracer returns a tracer that records every span into its own
// local, always-sampling SDK TracerProvider, or OTel's own no-op
// tracer when enabled is false. It deliberately does not depend on any
// globally installed provider, so an engine with tracing enabled gets
// real, well-formed trace/span IDs even before (or without)
// engine/telemetry.NewOTelTracer ever installing an exporting one.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return &otelTracer{tracer: noop.NewTracerProvider().Tracer(tracerName), noop: true}
	}
	return &otelTracer{tracer: sdktrace.NewTracerProvider().Tracer(tracerName)}
}

// adaptiveTracer samples new root spans by a caller-supplied percent
// function, letting a governor throttle span volume under load while
// always continuing a trace already started by the caller.
type adaptiveTracer struct {
	base     Tracer
	policyFn func() float64
}

// NewAdaptiveTracer returns a tracer sampling new root spans at the
// percentage percentFn reports (0-100), re-evaluated on every root
// span start. A span that continues an existing trace is never
// subject to the percentage: only fresh root spans are gated.
func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return &otelTracer{tracer: noop.NewTracerProvider().Tracer(tracerName), noop: true}
	}
	return &adaptiveTracer{base: NewTracer(true), policyFn: percentFn}
}

func (t *otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, sp := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: sp}
}
func (t *otelTracer) Noop() bool { return t.noop }

func (a *adaptiveTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	if !oteltrace.SpanContextFromContext(ctx).IsValid() {
		pct := a.policyFn()
		if pct <= 0 || rand.Float64()*100 > pct {
			return NewTracer(false).StartSpan(ctx, name)
		}
	}
	return a.base.StartSpan(ctx, name)
}
func (a *adaptiveTracer) Noop() bool { return false }

type otelSpan struct{ span oteltrace.Span }

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) Context() SpanContext {
	sc := s.span.SpanContext()
	return SpanContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

func (s *otelSpan) IsEnded() bool { return !s.span.IsRecording() }

// ExtractIDs returns the trace and span ID of the span active in ctx,
// or empty strings if none is active.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
