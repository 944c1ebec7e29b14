package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer installs an in-memory tracer provider for the test. Tests
// using it must not run in parallel.
func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestEndSpan_Success(t *testing.T) {
	exp := withTestTracer(t)

	_, span := StartSpan(context.Background(), "turn.open_session")
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "turn.open_session" {
		t.Errorf("name = %q", spans[0].Name)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := withTestTracer(t)

	_, span := StartSpan(context.Background(), "turn.tool_call")
	EndSpan(span, errors.New("tool timed out"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Status.Code != codes.Error || got.Status.Description != "tool timed out" {
		t.Errorf("status = %+v", got.Status)
	}
	if len(got.Events) == 0 || got.Events[0].Name != "exception" {
		t.Errorf("events = %+v, want a recorded exception", got.Events)
	}
}

func TestTraceAttrs(t *testing.T) {
	withTestTracer(t)

	if attrs := TraceAttrs(context.Background()); attrs != nil {
		t.Errorf("TraceAttrs without span = %v, want nil", attrs)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	attrs := TraceAttrs(ctx)
	if len(attrs) != 4 || attrs[0] != "trace_id" || attrs[2] != "span_id" {
		t.Fatalf("TraceAttrs = %v", attrs)
	}
	if id, _ := attrs[1].(string); id != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", attrs[1], span.SpanContext().TraceID())
	}
}
