package tracing

import (
	"context"
	"testing"
)

func TestNoopTracer(t *testing.T) {
	tr := NewTracer(false)
	if !tr.Noop() {
		t.Fatalf("expected noop")
	}
	ctx, sp := tr.StartSpan(context.Background(), "noop")
	if ctx == nil || sp == nil {
		t.Fatalf("expected span and ctx")
	}
	sp.End()
}

func TestTracerProducesRealIDs(t *testing.T) {
	tr := NewTracer(true)
	if tr.Noop() {
		t.Fatalf("should be enabled")
	}
	ctx, root := tr.StartSpan(context.Background(), "root")
	if root.Context().TraceID == "" || root.Context().SpanID == "" {
		t.Fatalf("missing ids")
	}
	_, child := tr.StartSpan(ctx, "child")
	if child.Context().TraceID != root.Context().TraceID {
		t.Fatalf("trace mismatch")
	}
	child.End()
	root.End()
	if !root.IsEnded() || !child.IsEnded() {
		t.Fatalf("expected spans ended")
	}
}

func TestSpanAttributes(t *testing.T) {
	tr := NewTracer(true)
	_, sp := tr.StartSpan(context.Background(), "work")
	sp.SetAttribute("stage", "pipeline")
	sp.SetAttribute("ok", true)
	sp.End()
	if !sp.IsEnded() {
		t.Fatalf("span should be ended")
	}
}

func TestExtractIDsMatchesActiveSpan(t *testing.T) {
	tr := NewTracer(true)
	ctx, sp := tr.StartSpan(context.Background(), "traced")
	traceID, spanID := ExtractIDs(ctx)
	if traceID != sp.Context().TraceID || spanID != sp.Context().SpanID {
		t.Fatalf("ExtractIDs mismatch: got %s/%s want %s/%s", traceID, spanID, sp.Context().TraceID, sp.Context().SpanID)
	}
	sp.End()

	if tid, sid := ExtractIDs(context.Background()); tid != "" || sid != "" {
		t.Fatalf("expected empty ids for context with no active span, got %s/%s", tid, sid)
	}
}

func TestAdaptiveTracerGatesNewRootSpans(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 0 })
	_, sp := tr.StartSpan(context.Background(), "dropped-root")
	if sp.Context().TraceID == "" {
		t.Fatalf("even a sampled-out span should have a no-op trace id")
	}
	sp.End()

	full := NewAdaptiveTracer(func() float64 { return 100 })
	ctx, root := full.StartSpan(context.Background(), "kept-root")
	if root.Context().TraceID == "" {
		t.Fatalf("expected a real trace id when the policy keeps everything")
	}
	_, child := full.StartSpan(ctx, "child")
	if child.Context().TraceID != root.Context().TraceID {
		t.Fatalf("child span should continue the parent's trace regardless of policy")
	}
	root.End()
	child.End()
}
