package shutdown

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vinayprograms/pixelmarket/logging"
)

var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phase orders shutdown. Lower phases run first; handlers in the same
// phase run concurrently.
type Phase int

const (
	// PhaseFrontend stops intake: the HTTP listener and event streams.
	PhaseFrontend Phase = 10

	// PhaseTimers stops reservation timers and the verification gate.
	// Persisted reservations are re-armed on the next start.
	PhaseTimers Phase = 20

	// PhaseBackend flushes notifiers and closes the bus, store and
	// telemetry exporters.
	PhaseBackend Phase = 30
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown stops the component. The context is cancelled when the
	// shutdown timeout is reached.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer to Handler.
func Closer(c io.Closer) Func {
	return func(context.Context) error { return c.Close() }
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    Phase
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil if every handler succeeded in time.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout and signal-triggered shutdown.
	// Default: 30s
	Timeout time.Duration

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	Logger *logging.Logger
}

// DefaultTimeout is the shutdown timeout when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second
