package canvas

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/logging"
)

// DefaultSizeTTL is how long a fetched canvas size is trusted.
const DefaultSizeTTL = time.Minute

// SizeCache remembers the canvas size for a TTL. Concurrent misses share
// one authority call. When a refresh fails the last known size is served.
//
// The authority should be the gated one (ratelimit.Guard) so size
// lookups honor the same cooldown as verification.
type SizeCache struct {
	authority Authority
	ttl       time.Duration
	clock     clock.Clock
	logger    *logging.Logger
	group     singleflight.Group

	mu      sync.RWMutex
	size    Size
	fetched time.Time
	valid   bool
}

// NewSizeCache wraps authority. A non-positive ttl uses DefaultSizeTTL.
func NewSizeCache(authority Authority, ttl time.Duration, c clock.Clock, logger *logging.Logger) *SizeCache {
	if ttl <= 0 {
		ttl = DefaultSizeTTL
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &SizeCache{
		authority: authority,
		ttl:       ttl,
		clock:     c,
		logger:    logger.WithComponent("canvas"),
	}
}

// Get returns the canvas size, refreshing it when stale.
func (c *SizeCache) Get(ctx context.Context) (Size, error) {
	c.mu.RLock()
	size, fetched, valid := c.size, c.fetched, c.valid
	c.mu.RUnlock()

	if valid && c.clock.Now().Sub(fetched) < c.ttl {
		return size, nil
	}

	// One caller giving up must not fail the others sharing the flight.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do("size", func() (any, error) {
		s, _, err := c.authority.Size(flightCtx)
		if err != nil {
			return Size{}, err
		}
		c.mu.Lock()
		c.size, c.fetched, c.valid = s, c.clock.Now(), true
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		if valid {
			c.logger.Warn("canvas size refresh failed, serving stale", map[string]any{"error": err.Error()})
			return size, nil
		}
		return Size{}, err
	}
	return v.(Size), nil
}

// Invalidate forces the next Get to refresh.
func (c *SizeCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
