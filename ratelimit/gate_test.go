package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/pixelmarket/canvas"
	"github.com/vinayprograms/pixelmarket/clock"
)

var epoch = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func intPtr(n int) *int { return &n }

func acquireAsync(ctx context.Context, g *Gate) <-chan *Permit {
	ch := make(chan *Permit, 1)
	go func() {
		p, err := g.Acquire(ctx)
		if err != nil {
			close(ch)
			return
		}
		ch <- p
	}()
	return ch
}

func expectBlocked(t *testing.T, ch <-chan *Permit) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("Acquire returned while it should be blocked")
	case <-time.After(20 * time.Millisecond):
	}
}

func expectPermit(t *testing.T, ch <-chan *Permit) *Permit {
	t.Helper()
	select {
	case p, ok := <-ch:
		if !ok {
			t.Fatal("Acquire failed")
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return")
	}
	return nil
}

func TestGate_AcquireFree(t *testing.T) {
	g := NewGate(GateConfig{Clock: clock.Fake(epoch)})
	defer g.Close()

	p, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Release(canvas.RateLimit{Remaining: intPtr(5)})

	snap := g.Snapshot()
	if snap.Remaining == nil || *snap.Remaining != 5 {
		t.Errorf("expected remaining 5, got %v", snap.Remaining)
	}
	if snap.Active(epoch) {
		t.Error("no cooldown expected")
	}
}

func TestGate_SinglePermit(t *testing.T) {
	g := NewGate(GateConfig{Clock: clock.Fake(epoch)})
	defer g.Close()
	ctx := context.Background()

	first, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	second := acquireAsync(ctx, g)
	expectBlocked(t, second)

	first.Release(canvas.RateLimit{})
	first.Release(canvas.RateLimit{}) // no-op
	p := expectPermit(t, second)
	p.Release(canvas.RateLimit{})
}

// Two verifiers in flight; the authority announces a 5s cooldown. No
// call from either may happen before 5s have passed.
func TestGate_CooldownHoldsEveryCaller(t *testing.T) {
	clk := clock.Fake(epoch)
	g := NewGate(GateConfig{Clock: clk})
	defer g.Close()
	ctx := context.Background()

	a, _ := g.Acquire(ctx)
	b := acquireAsync(ctx, g)

	a.Release(canvas.RateLimit{Limited: true, Cooldown: 5 * time.Second})
	signal := clk.Now()

	// b now owns the semaphore and waits on the clock.
	clk.WaitForTimers(1)
	retryA := acquireAsync(ctx, g)

	clk.Advance(4 * time.Second)
	expectBlocked(t, b)
	expectBlocked(t, retryA)

	clk.Advance(time.Second)
	pb := expectPermit(t, b)
	if got := clk.Now().Sub(signal); got < 5*time.Second {
		t.Errorf("call allowed %v after signal", got)
	}
	expectBlocked(t, retryA)

	pb.Release(canvas.RateLimit{Remaining: intPtr(1)})
	pa := expectPermit(t, retryA)
	pa.Release(canvas.RateLimit{})
}

func TestGate_ExhaustedWindow(t *testing.T) {
	clk := clock.Fake(epoch)
	g := NewGate(GateConfig{Clock: clk})
	defer g.Close()
	ctx := context.Background()

	p, _ := g.Acquire(ctx)
	p.Release(canvas.RateLimit{Remaining: intPtr(0), ResetAfter: 2 * time.Second})

	snap := g.Snapshot()
	if !snap.ResetAt.Equal(epoch.Add(2*time.Second)) || snap.Source != "local" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	next := acquireAsync(ctx, g)
	clk.WaitForTimers(1)
	expectBlocked(t, next)
	clk.Advance(2 * time.Second)
	expectPermit(t, next).Release(canvas.RateLimit{})
}

func TestGate_CooldownNeverShrinks(t *testing.T) {
	clk := clock.Fake(epoch)
	g := NewGate(GateConfig{Clock: clk})
	defer g.Close()

	g.Apply(10*time.Second, nil, "peer:n2")
	p := acquireAsync(context.Background(), g)
	clk.WaitForTimers(1)

	g.Apply(3*time.Second, nil, "peer:n3")
	if snap := g.Snapshot(); !snap.ResetAt.Equal(epoch.Add(10*time.Second)) || snap.Source != "peer:n2" {
		t.Errorf("shorter cooldown replaced longer one: %+v", snap)
	}
	clk.Advance(10 * time.Second)
	expectPermit(t, p).Release(canvas.RateLimit{})
}

func TestGate_ContextCanceledWhileWaiting(t *testing.T) {
	clk := clock.Fake(epoch)
	g := NewGate(GateConfig{Clock: clk})
	defer g.Close()

	g.Apply(time.Minute, nil, "local")
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx)
		errc <- err
	}()
	clk.WaitForTimers(1)
	cancel()

	if err := <-errc; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The semaphore was given back.
	clk.Advance(time.Minute)
	p, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after cancel failed: %v", err)
	}
	p.Release(canvas.RateLimit{})
}

func TestGate_CloseWakesWaiters(t *testing.T) {
	clk := clock.Fake(epoch)
	g := NewGate(GateConfig{Clock: clk})

	held, _ := g.Acquire(context.Background())
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Acquire(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	wg.Wait()
	for i, err := range errs {
		if err != ErrClosed {
			t.Errorf("waiter %d: expected ErrClosed, got %v", i, err)
		}
	}
	held.Release(canvas.RateLimit{})

	if err := g.Close(); err != ErrClosed {
		t.Errorf("expected ErrClosed on second close, got %v", err)
	}
}

func TestGate_Pacing(t *testing.T) {
	clk := clock.Fake(epoch)
	g := NewGate(GateConfig{Clock: clk, MinInterval: time.Second})
	defer g.Close()
	ctx := context.Background()

	p, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Release(canvas.RateLimit{Remaining: intPtr(100)})

	next := acquireAsync(ctx, g)
	clk.WaitForTimers(1)
	expectBlocked(t, next)
	clk.Advance(time.Second)
	expectPermit(t, next).Release(canvas.RateLimit{})
}
