package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/errors"
)

// Fake is an in-memory Authority for tests. Pixels default to "ffffff".
// Scripted responses queued with Push are returned, in order, before
// normal lookups resume.
type Fake struct {
	clock clock.Clock

	mu         sync.Mutex
	size       Size
	pixels     map[[2]int]string
	script     []scripted
	pixelCalls []time.Time
	sizeCalls  int
}

type scripted struct {
	rl  RateLimit
	err error
}

// NewFake creates a width x height fake canvas.
func NewFake(width, height int, c clock.Clock) *Fake {
	if c == nil {
		c = clock.Real()
	}
	return &Fake{
		clock:  c,
		size:   Size{Width: width, Height: height},
		pixels: make(map[[2]int]string),
	}
}

// SetPixel paints (x, y).
func (f *Fake) SetPixel(x, y int, color string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pixels[[2]int{x, y}] = NormalizeColor(color)
}

// SetSize resizes the canvas.
func (f *Fake) SetSize(width, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size = Size{Width: width, Height: height}
}

// Push queues a response for the next Pixel call. A Limited rate limit
// with a nil err produces a RATE_LIMITED error.
func (f *Fake) Push(rl RateLimit, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rl.Limited && err == nil {
		err = errors.New(errors.ErrCodeRateLimit, "canvas rate limit reached", errors.WithRetryable(true))
	}
	f.script = append(f.script, scripted{rl: rl, err: err})
}

// PixelCalls returns the clock time of every Pixel call.
func (f *Fake) PixelCalls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.pixelCalls...)
}

// SizeCalls returns how many times Size was called.
func (f *Fake) SizeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizeCalls
}

// Pixel implements Authority.
func (f *Fake) Pixel(ctx context.Context, x, y int) (Pixel, RateLimit, error) {
	if err := ctx.Err(); err != nil {
		return Pixel{}, RateLimit{}, errors.Wrap(err, "canvas request")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pixelCalls = append(f.pixelCalls, f.clock.Now())

	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		if next.err != nil {
			return Pixel{}, next.rl, next.err
		}
		return f.lookup(x, y, next.rl)
	}
	return f.lookup(x, y, RateLimit{})
}

func (f *Fake) lookup(x, y int, rl RateLimit) (Pixel, RateLimit, error) {
	if !f.size.Contains(x, y) {
		return Pixel{}, rl, errors.New(errors.ErrCodeUnavailable, fmt.Sprintf("canvas rejected request: pixel (%d,%d) is off the canvas", x, y))
	}
	color, ok := f.pixels[[2]int{x, y}]
	if !ok {
		color = "ffffff"
	}
	return Pixel{X: x, Y: y, Color: color}, rl, nil
}

// Size implements Authority.
func (f *Fake) Size(ctx context.Context) (Size, RateLimit, error) {
	if err := ctx.Err(); err != nil {
		return Size{}, RateLimit{}, errors.Wrap(err, "canvas request")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizeCalls++
	return f.size, RateLimit{}, nil
}
