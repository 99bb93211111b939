package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/tasks"
)

// DefaultRetryDelay is how long a failed transient expiry waits before
// it is attempted again.
const DefaultRetryDelay = time.Second

// ExpireFunc releases a task whose reservation deadline was reached.
type ExpireFunc func(ctx context.Context, taskID uint64) error

// Source lists tasks that hold a reservation.
type Source interface {
	Reserved(ctx context.Context) ([]*tasks.Task, error)
}

type entry struct {
	gen      uint64
	deadline time.Time
	timer    clock.Timer
}

// Scheduler is a registry of reservation timers.
type Scheduler struct {
	clock      clock.Clock
	expire     ExpireFunc
	logger     *logging.Logger
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[uint64]*entry
	gen     uint64
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l.WithComponent("scheduler") }
}

// WithRetryDelay sets the delay before a transient expiry failure is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// New creates a scheduler that calls expire when a deadline is reached.
func New(c clock.Clock, expire ExpireFunc, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clock:      c,
		expire:     expire,
		logger:     logging.Nop(),
		retryDelay: DefaultRetryDelay,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ tasks.Timers = (*Scheduler)(nil)

// Arm schedules an expiry for taskID at deadline, replacing any pending one.
func (s *Scheduler) Arm(taskID uint64, deadline time.Time) {
	gen, due := s.schedule(taskID, deadline)
	if !due {
		return
	}
	go func() {
		defer s.wg.Done()
		s.run(taskID, gen)
	}()
}

// schedule records a pending expiry for taskID. When the deadline has
// already passed no timer is started; it reports due with the wait group
// already held for the caller's run.
func (s *Scheduler) schedule(taskID uint64, deadline time.Time) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false
	}
	s.stopLocked(taskID)

	s.gen++
	gen := s.gen
	e := &entry{gen: gen, deadline: deadline}
	s.entries[taskID] = e

	delay := deadline.Sub(s.clock.Now())
	if delay <= 0 {
		s.wg.Add(1)
		return gen, true
	}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(taskID, gen) })
	return gen, false
}

// Cancel drops the pending expiry for taskID, if any.
func (s *Scheduler) Cancel(taskID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(taskID)
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Deadline returns the armed deadline for taskID.
func (s *Scheduler) Deadline(taskID uint64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Recover arms a timer for every reserved task in src and returns how
// many were recovered. Reservations that are already overdue, including
// those without a deadline, are expired before Recover returns.
// Recover must not be called while holding a lock the expire function
// needs.
func (s *Scheduler) Recover(ctx context.Context, src Source) (int, error) {
	reserved, err := src.Reserved(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list reserved tasks")
	}

	now := s.clock.Now()
	overdue := 0
	for _, t := range reserved {
		deadline := now
		if t.ReservedUntil != nil {
			deadline = *t.ReservedUntil
		}
		gen, due := s.schedule(t.ID, deadline)
		if !due {
			continue
		}
		overdue++
		s.run(t.ID, gen)
		s.wg.Done()
	}

	if len(reserved) > 0 {
		s.logger.Info("reservations recovered", map[string]any{
			"armed":   len(reserved) - overdue,
			"overdue": overdue,
		})
	}
	return len(reserved), nil
}

// Close stops every pending timer and waits for in-flight expiries.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id := range s.entries {
		s.stopLocked(id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// fire is the clock callback. It registers the run with the wait group
// before doing any work so Close can wait for it.
func (s *Scheduler) fire(taskID, gen uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.run(taskID, gen)
}

func (s *Scheduler) run(taskID, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok || e.gen != gen {
		// Canceled or superseded after the timer was already in flight.
		s.mu.Unlock()
		return
	}
	delete(s.entries, taskID)
	s.mu.Unlock()

	err := s.expire(s.ctx, taskID)
	if err == nil {
		return
	}

	fields := map[string]any{"task": taskID, "error": err.Error()}
	if errors.IsRetryable(err) && s.ctx.Err() == nil {
		fields["retry_in"] = s.retryDelay.String()
		s.logger.Warn("expiry failed, retrying", fields)
		s.retry(taskID)
		return
	}
	s.logger.Error("expiry failed", fields)
}

// retry re-arms taskID unless something armed it in the meantime.
func (s *Scheduler) retry(taskID uint64) {
	s.mu.Lock()
	_, armed := s.entries[taskID]
	s.mu.Unlock()
	if !armed {
		s.Arm(taskID, s.clock.Now().Add(s.retryDelay))
	}
}

func (s *Scheduler) stopLocked(taskID uint64) {
	e, ok := s.entries[taskID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, taskID)
}
