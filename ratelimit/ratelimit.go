package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/pixelmarket/canvas"
)

// Common errors.
var (
	ErrClosed        = errors.New("gate closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// SubjectPrefix is the message bus subject prefix for rate limit messages.
const SubjectPrefix = "ratelimit."

// CooldownSubject carries cooldowns observed by any node.
const CooldownSubject = SubjectPrefix + "cooldown"

// Limiter hands out the right to call the canvas authority.
type Limiter interface {
	// Acquire blocks until no cooldown is in force and no other caller
	// holds the permit. Returns the context error if ctx ends first.
	Acquire(ctx context.Context) (*Permit, error)

	// Snapshot returns the current cooldown state.
	Snapshot() Cooldown

	// Close wakes every waiter with ErrClosed.
	Close() error
}

// Cooldown is the shared cooldown state.
type Cooldown struct {
	// ResetAt is the earliest time the next call may be issued.
	ResetAt time.Time

	// Remaining is the last reported number of calls left in the window.
	Remaining *int

	// Source names who imposed the current ResetAt ("local" or a peer).
	Source string
}

// Active reports whether the cooldown is still in force at now.
func (c Cooldown) Active(now time.Time) bool {
	return now.Before(c.ResetAt)
}

// Permit is the right to make one authority call. It must be released
// with the rate-limit metadata the call returned (zero if it failed
// before a response arrived).
type Permit struct {
	gate     *Gate
	released bool
}

// Release records rl and frees the permit for the next caller. Only the
// first call has any effect.
func (p *Permit) Release(rl canvas.RateLimit) {
	if p == nil || p.released {
		return
	}
	p.released = true
	p.gate.release(rl)
}

// CooldownUpdate is broadcast when a node observes a cooldown.
type CooldownUpdate struct {
	// NodeID that observed the cooldown.
	NodeID string `json:"node_id"`

	// Wait is how long callers must hold off, measured from Timestamp.
	Wait time.Duration `json:"wait_ns"`

	// Remaining calls in the window, when known.
	Remaining *int `json:"remaining,omitempty"`

	// Reason for the cooldown.
	Reason string `json:"reason"`

	// Timestamp of the observation.
	Timestamp time.Time `json:"timestamp"`
}
