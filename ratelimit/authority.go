package ratelimit

import (
	"context"

	"github.com/vinayprograms/pixelmarket/canvas"
	"github.com/vinayprograms/pixelmarket/errors"
)

// Gated is a canvas.Authority whose every call holds a permit from the
// limiter and reports the call's rate limit back to it. Callers that
// already hold a permit must use the inner authority instead.
type Gated struct {
	inner   canvas.Authority
	limiter Limiter
}

var _ canvas.Authority = (*Gated)(nil)

// Guard wraps authority so its calls draw from limiter.
func Guard(authority canvas.Authority, limiter Limiter) *Gated {
	return &Gated{inner: authority, limiter: limiter}
}

// Pixel implements canvas.Authority.
func (g *Gated) Pixel(ctx context.Context, x, y int) (canvas.Pixel, canvas.RateLimit, error) {
	permit, err := g.acquire(ctx)
	if err != nil {
		return canvas.Pixel{}, canvas.RateLimit{}, err
	}
	px, rl, err := g.inner.Pixel(ctx, x, y)
	permit.Release(rl)
	return px, rl, err
}

// Size implements canvas.Authority.
func (g *Gated) Size(ctx context.Context) (canvas.Size, canvas.RateLimit, error) {
	permit, err := g.acquire(ctx)
	if err != nil {
		return canvas.Size{}, canvas.RateLimit{}, err
	}
	s, rl, err := g.inner.Size(ctx)
	permit.Release(rl)
	return s, rl, err
}

func (g *Gated) acquire(ctx context.Context) (*Permit, error) {
	permit, err := g.limiter.Acquire(ctx)
	switch {
	case err == nil:
		return permit, nil
	case err == ErrClosed:
		return nil, errors.New(errors.ErrCodeUnavailable, "canvas gate closed")
	default:
		return nil, errors.Wrap(err, "waiting for canvas cooldown")
	}
}
