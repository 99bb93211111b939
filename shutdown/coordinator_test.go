package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/pixelmarket/logging"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// TestPhasesRunInOrder checks frontend, timers and backend stop in that order.
func TestPhasesRunInOrder(t *testing.T) {
	coord := NewCoordinator(Config{})

	var order []string
	var mu sync.Mutex
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of order on purpose.
	coord.RegisterFunc("store", PhaseBackend, record("store"))
	coord.RegisterFunc("http", PhaseFrontend, record("http"))
	coord.RegisterFunc("scheduler", PhaseTimers, record("scheduler"))

	if err := coord.ShutdownWithTimeout(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"http", "scheduler", "store"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("expected order %v, got %v", want, order)
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
	if r := coord.Result(); r == nil || len(r.Results) != 3 || r.Failed() {
		t.Fatalf("unexpected result %+v", r)
	}
}

// TestSamePhaseRunsConcurrently checks that handlers in one phase do not
// wait on each other.
func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: 2 * time.Second})

	var ready sync.WaitGroup
	ready.Add(2)
	for _, name := range []string{"notifier", "bus"} {
		coord.RegisterFunc(name, PhaseBackend, func(ctx context.Context) error {
			ready.Done()
			ready.Wait() // deadlocks if run one after the other
			return nil
		})
	}

	if err := coord.ShutdownWithTimeout(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCloserAdapter(t *testing.T) {
	coord := NewCoordinator(Config{})
	closed := false
	coord.Register("store", PhaseBackend, Closer(closerFunc(func() error {
		closed = true
		return nil
	})))

	if err := coord.ShutdownWithTimeout(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !closed {
		t.Error("expected Close to be called")
	}
}

func TestHandlerFailureContinues(t *testing.T) {
	coord := NewCoordinator(Config{})
	boom := errors.New("boom")

	backendRan := false
	coord.RegisterFunc("http", PhaseFrontend, func(context.Context) error { return boom })
	coord.RegisterFunc("store", PhaseBackend, func(context.Context) error {
		backendRan = true
		return nil
	})

	err := coord.ShutdownWithTimeout()
	if !errors.Is(err, ErrHandlerFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrHandlerFailed wrapping boom, got %v", err)
	}
	if !backendRan {
		t.Error("later phases should still run")
	}
	if failed := coord.Result().FailedHandlers(); len(failed) != 1 || failed[0] != "http" {
		t.Errorf("expected [http] failed, got %v", failed)
	}
}

func TestStopOnError(t *testing.T) {
	coord := NewCoordinator(Config{StopOnError: true})

	backendRan := false
	coord.RegisterFunc("http", PhaseFrontend, func(context.Context) error { return errors.New("boom") })
	coord.RegisterFunc("store", PhaseBackend, func(context.Context) error {
		backendRan = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if backendRan {
		t.Error("later phases should be skipped")
	}
}

func TestTimeout(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: 50 * time.Millisecond})

	coord.RegisterFunc("slow", PhaseFrontend, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	backendRan := false
	coord.RegisterFunc("store", PhaseBackend, func(context.Context) error {
		backendRan = true
		return nil
	})

	start := time.Now()
	err := coord.ShutdownWithTimeout()
	if time.Since(start) > time.Second {
		t.Fatalf("shutdown took too long: %v", time.Since(start))
	}
	if !errors.Is(err, ErrHandlerFailed) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected handler failure and timeout, got %v", err)
	}
	if backendRan {
		t.Error("phases after the deadline should not run")
	}
}

func TestCancelledContext(t *testing.T) {
	coord := NewCoordinator(Config{})
	called := false
	coord.RegisterFunc("http", PhaseFrontend, func(context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := coord.Shutdown(ctx); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if called {
		t.Error("handler should not run with a cancelled context")
	}
}

func TestDoubleShutdown(t *testing.T) {
	coord := NewCoordinator(Config{})
	calls := 0
	coord.RegisterFunc("http", PhaseFrontend, func(context.Context) error {
		calls++
		return nil
	})

	if err := coord.ShutdownWithTimeout(); err != nil {
		t.Fatalf("first shutdown failed: %v", err)
	}
	if err := coord.ShutdownWithTimeout(); err != ErrAlreadyShutdown {
		t.Fatalf("expected ErrAlreadyShutdown, got %v", err)
	}
	if calls != 1 {
		t.Errorf("handler should run once, ran %d times", calls)
	}
}

func TestSignalTrigger(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: time.Second})
	called := make(chan struct{})
	coord.RegisterFunc("http", PhaseFrontend, func(context.Context) error {
		close(called)
		return nil
	})

	coord.HandleSignals()
	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete after signal trigger")
	}
	select {
	case <-called:
	default:
		t.Fatal("expected handler to be called")
	}
}

func TestResultBeforeDone(t *testing.T) {
	coord := NewCoordinator(Config{})
	if coord.Result() != nil {
		t.Error("expected nil result before shutdown")
	}
}

func TestLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	coord := NewCoordinator(Config{Logger: logger})
	coord.RegisterFunc("bus", PhaseBackend, func(context.Context) error { return errors.New("flush failed") })
	coord.ShutdownWithTimeout()

	out := buf.String()
	if !strings.Contains(out, "handler failed") || !strings.Contains(out, "flush failed") {
		t.Errorf("expected failure to be logged, got %q", out)
	}
}

func TestGroupByPhase(t *testing.T) {
	if groups := groupByPhase(nil); len(groups) != 0 {
		t.Errorf("expected no groups, got %d", len(groups))
	}

	regs := []registration{
		{name: "a", phase: PhaseFrontend},
		{name: "b", phase: PhaseFrontend},
		{name: "c", phase: PhaseTimers},
		{name: "d", phase: PhaseBackend},
	}
	groups := groupByPhase(regs)
	if len(groups) != 3 || len(groups[0]) != 2 || groups[2][0].name != "d" {
		t.Errorf("unexpected grouping %+v", groups)
	}
}
