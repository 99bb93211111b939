package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/pixelmarket/logging"
)

type registration struct {
	name    string
	handler Handler
	phase   Phase
}

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		config:  cfg,
		logger:  logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase Phase, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function to phase.
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// Shutdown runs every handler once. Later calls return
// ErrAlreadyShutdown without waiting.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.result = c.run(ctx)
		close(c.done)
	})
	if !ran {
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by the configured timeout.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-c.signals:
			c.logger.Info("signal received", map[string]any{"signal": sig.String()})
			signal.Stop(c.signals)
			_ = c.ShutdownWithTimeout()
		case <-c.done:
			signal.Stop(c.signals)
		}
	}()
}

// Trigger behaves as if SIGTERM had arrived.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown result, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	var failures []error
	timedOut := false
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			timedOut = true
			break
		}
		results := c.runPhase(ctx, group)
		result.Results = append(result.Results, results...)

		failed := false
		for _, hr := range results {
			if hr.Err != nil {
				failed = true
				failures = append(failures, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
		if failed && c.config.StopOnError {
			break
		}
	}

	switch {
	case timedOut && len(failures) == 0:
		result.Err = ErrTimeout
	case timedOut:
		failures = append(failures, ErrTimeout)
		fallthrough
	case len(failures) > 0:
		result.Err = fmt.Errorf("%w: %w", ErrHandlerFailed, errors.Join(failures...))
	}
	result.TotalDuration = time.Since(start)

	fields := map[string]any{"duration": result.TotalDuration.String(), "handlers": len(result.Results)}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
		c.logger.Warn("shutdown finished with errors", fields)
	} else {
		c.logger.Info("shutdown complete", fields)
	}
	return result
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = HandlerResult{Name: reg.name, Phase: reg.phase, Duration: time.Since(start), Err: err}

			fields := map[string]any{"handler": reg.name, "phase": int(reg.phase), "duration": results[i].Duration.String()}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Error("handler failed", fields)
				return
			}
			c.logger.Debug("handler stopped", fields)
		}()
	}
	wg.Wait()
	return results
}

// groupByPhase splits handlers, already sorted by phase, into runs of
// equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i + 1
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
