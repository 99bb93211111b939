// OpenTelemetry tracing for task transitions and canvas verification.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vinayprograms/pixelmarket"

// Tracer wraps OpenTelemetry tracing with market-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer. Before InitProvider runs it
// returns a tracer on otel's delegating global provider, which is a
// no-op until a real provider is installed.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewTracer(instrumentationName)
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer on a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Task transition spans ---

// TransitionSpanOptions describes a task state change.
type TransitionSpanOptions struct {
	From string
	To   string
}

// StartTransitionSpan starts a span for an operation that may move a task
// between states.
func (t *Tracer) StartTransitionSpan(ctx context.Context, op string, taskID uint64) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("task.id", strconv.FormatUint(taskID, 10)))
	return ctx, span
}

// EndTransitionSpan records the outcome and ends the span.
func (t *Tracer) EndTransitionSpan(span trace.Span, opts TransitionSpanOptions, err error) {
	if opts.From != "" {
		span.SetAttributes(attribute.String("task.state.from", opts.From))
	}
	if opts.To != "" {
		span.SetAttributes(attribute.String("task.state.to", opts.To))
	}
	endSpan(span, err)
}

// --- Verification spans ---

// VerifySpanOptions summarizes one verification run.
type VerifySpanOptions struct {
	Attempts int
	Outcome  string        // match, no_match, rate_limited, error
	Waited   time.Duration // time spent on the cooldown gate and backoff
}

// StartVerifySpan starts a span covering every attempt of one submission.
func (t *Tracer) StartVerifySpan(ctx context.Context, taskID uint64) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "verify", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("task.id", strconv.FormatUint(taskID, 10)))
	return ctx, span
}

// EndVerifySpan records the verification outcome and ends the span.
func (t *Tracer) EndVerifySpan(span trace.Span, opts VerifySpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("verify.attempts", opts.Attempts),
		attribute.String("verify.outcome", opts.Outcome),
		attribute.Int64("verify.waited_ms", opts.Waited.Milliseconds()),
	)
	endSpan(span, err)
}

// StartCanvasSpan starts a client span for one call to the canvas.
func (t *Tracer) StartCanvasSpan(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "canvas."+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("canvas.endpoint", endpoint))
	return ctx, span
}

// EndCanvasSpan ends a canvas span with the HTTP status seen.
func (t *Tracer) EndCanvasSpan(span trace.Span, status int, limited bool, err error) {
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Bool("canvas.rate_limited", limited),
	)
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
