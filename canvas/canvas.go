// Package canvas talks to the external canvas authority: the service
// that holds the current color of every pixel and the canvas size.
//
// Every call reports the rate-limit metadata the authority attached to
// the response so the caller can honor the shared cooldown.
package canvas

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Size is the canvas dimensions. Valid coordinates are 0 <= x < Width
// and 0 <= y < Height.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Contains reports whether (x, y) is on the canvas.
func (s Size) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < s.Width && y < s.Height
}

// Pixel is the authority's view of one pixel.
type Pixel struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"rgb"`
}

// RateLimit is the rate-limit metadata returned with a call.
type RateLimit struct {
	// Remaining is the number of calls left in the current window, when
	// the authority reported it.
	Remaining *int

	// ResetAfter is the time until the window refills.
	ResetAfter time.Duration

	// Cooldown is a caller-specific wait imposed after the caller
	// exceeded its allowance.
	Cooldown time.Duration

	// Limited is set when the call itself was rejected for rate reasons.
	Limited bool
}

// Exhausted reports whether no further call may be made before the
// window resets.
func (r RateLimit) Exhausted() bool {
	return r.Limited || r.Cooldown > 0 || (r.Remaining != nil && *r.Remaining <= 0)
}

// Wait returns how long the caller must wait before the next call. It
// is zero when calls remain.
func (r RateLimit) Wait() time.Duration {
	if !r.Exhausted() {
		return 0
	}
	wait := r.Cooldown
	if r.ResetAfter > wait && (r.Limited || r.Remaining != nil && *r.Remaining <= 0) {
		wait = r.ResetAfter
	}
	if wait <= 0 && r.Limited {
		wait = defaultLimitedWait
	}
	return wait
}

// defaultLimitedWait applies when a call was rejected without any reset hint.
const defaultLimitedWait = time.Second

// Authority is the external source of truth.
type Authority interface {
	// Pixel returns the current color at (x, y). When the call was
	// rejected for rate reasons the returned RateLimit has Limited set
	// and err is a RATE_LIMITED error.
	Pixel(ctx context.Context, x, y int) (Pixel, RateLimit, error)

	// Size returns the current canvas dimensions.
	Size(ctx context.Context) (Size, RateLimit, error)
}

// NormalizeColor lower-cases a hex color and strips a leading '#'.
func NormalizeColor(c string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c), "#"))
}

// parseSeconds reads a header holding a (possibly fractional) number of
// seconds. Missing or malformed values yield zero.
func parseSeconds(v string) time.Duration {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
