package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vinayprograms/pixelmarket/canvas"
	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/logging"
)

// GateConfig configures a Gate.
type GateConfig struct {
	// MinInterval spaces successive calls even when the authority
	// reports spare capacity. Zero disables pacing.
	MinInterval time.Duration

	Clock  clock.Clock
	Logger *logging.Logger
}

// Gate is the process-wide cooldown gate. It owns the single Cooldown
// record; every read and write goes through its lock. At most one
// permit is outstanding, so the check-wait-call-update sequence of one
// caller never interleaves with another's.
type Gate struct {
	clock  clock.Clock
	logger *logging.Logger
	pacer  *rate.Limiter

	// sem holds a token while a permit is outstanding.
	sem  chan struct{}
	done chan struct{}

	mu         sync.Mutex
	state      Cooldown
	closed     bool
	onCooldown func(CooldownUpdate)
}

// NewGate creates a gate with no cooldown in force.
func NewGate(cfg GateConfig) *Gate {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	g := &Gate{
		clock:  c,
		logger: logger.WithComponent("ratelimit"),
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if cfg.MinInterval > 0 {
		g.pacer = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return g
}

// Acquire implements Limiter.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.done:
		return nil, ErrClosed
	}

	if err := g.waitClear(ctx); err != nil {
		<-g.sem
		return nil, err
	}
	return &Permit{gate: g}, nil
}

// waitClear sleeps until the cooldown has passed and the pacer allows a
// call. Caller holds the semaphore.
func (g *Gate) waitClear(ctx context.Context) error {
	paced := false
	for {
		g.mu.Lock()
		now := g.clock.Now()
		wait := g.state.ResetAt.Sub(now)
		source := g.state.Source
		g.mu.Unlock()

		if wait <= 0 && !paced && g.pacer != nil {
			wait = g.pacer.ReserveN(now, 1).DelayFrom(now)
			source = "pacing"
			paced = true
		}
		if wait <= 0 {
			return nil
		}

		if source != "pacing" {
			g.logger.CooldownObserved(wait, source)
		}
		select {
		case <-g.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case <-g.done:
			return ErrClosed
		}
	}
}

// Snapshot implements Limiter.
func (g *Gate) Snapshot() Cooldown {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := g.state
	if g.state.Remaining != nil {
		n := *g.state.Remaining
		snap.Remaining = &n
	}
	return snap
}

// Apply extends the cooldown to at least now+wait. It never shortens a
// cooldown already in force.
func (g *Gate) Apply(wait time.Duration, remaining *int, source string) {
	if wait <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	resetAt := g.clock.Now().Add(wait)
	if resetAt.After(g.state.ResetAt) {
		g.state.ResetAt = resetAt
		g.state.Source = source
	}
	if remaining != nil {
		n := *remaining
		g.state.Remaining = &n
	}
}

func (g *Gate) release(rl canvas.RateLimit) {
	wait := rl.Wait()

	g.mu.Lock()
	now := g.clock.Now()
	if rl.Remaining != nil {
		n := *rl.Remaining
		g.state.Remaining = &n
	}
	extended := false
	if wait > 0 {
		if resetAt := now.Add(wait); resetAt.After(g.state.ResetAt) {
			g.state.ResetAt = resetAt
			g.state.Source = "local"
			extended = true
		}
	}
	hook := g.onCooldown
	g.mu.Unlock()

	<-g.sem

	if extended {
		reason := "window exhausted"
		if rl.Limited {
			reason = "rate limited"
		} else if rl.Cooldown > 0 {
			reason = "cooldown"
		}
		g.logger.Info("canvas cooldown set", map[string]any{
			"wait":   wait.String(),
			"reason": reason,
		})
		if hook != nil {
			hook(CooldownUpdate{
				Wait:      wait,
				Remaining: rl.Remaining,
				Reason:    reason,
				Timestamp: now,
			})
		}
	}
}

// setHook installs fn to be called after a local release extends the
// cooldown.
func (g *Gate) setHook(fn func(CooldownUpdate)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onCooldown = fn
}

// Close implements Limiter.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.closed = true
	close(g.done)
	return nil
}

var _ Limiter = (*Gate)(nil)
