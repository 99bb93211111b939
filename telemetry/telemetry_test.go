package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return NewTracerFromProvider(tp), rec
}

func attr(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestTransitionSpan(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	_, span := tr.StartTransitionSpan(context.Background(), "reserve", 42)
	tr.EndTransitionSpan(span, TransitionSpanOptions{From: "open", To: "reserved"}, nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "task.reserve" {
		t.Errorf("name = %q", s.Name())
	}
	if attr(s, "task.id") != "42" || attr(s, "task.state.to") != "reserved" {
		t.Errorf("unexpected attributes %v", s.Attributes())
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v", s.Status())
	}
}

func TestVerifySpanRecordsError(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	ctx, span := tr.StartVerifySpan(context.Background(), 7)
	_, child := tr.StartCanvasSpan(ctx, "get_pixel")
	tr.EndCanvasSpan(child, 429, true, nil)
	tr.EndVerifySpan(span, VerifySpanOptions{Attempts: 2, Outcome: "no_match", Waited: 1500 * time.Millisecond}, errors.New("no match"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	canvas, verify := spans[0], spans[1]
	if canvas.Parent().SpanID() != verify.SpanContext().SpanID() {
		t.Error("canvas span should be a child of the verify span")
	}
	if attr(canvas, "canvas.rate_limited") != "true" {
		t.Errorf("canvas attrs %v", canvas.Attributes())
	}
	if verify.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", verify.Status())
	}
	if attr(verify, "verify.attempts") != "2" {
		t.Errorf("verify attrs %v", verify.Attributes())
	}
	if attr(verify, "verify.waited_ms") != "1500" {
		t.Errorf("verify.waited_ms = %q", attr(verify, "verify.waited_ms"))
	}
}

func TestGetTracerDefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	_, span := tr.StartTransitionSpan(context.Background(), "expire", 1)
	tr.EndTransitionSpan(span, TransitionSpanOptions{}, nil)
}

func TestInitProviderRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestInitProviderRejectsUnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}
