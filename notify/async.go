package notify

import (
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/pixelmarket/logging"
)

// Async queues events in a bounded buffer and hands them to a sink from
// a single worker goroutine.
type Async struct {
	sink    func(Event) error
	events  chan Event
	done    chan struct{}
	logger  *logging.Logger
	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsync starts a worker delivering events to sink. buffer <= 0 means 1024.
func NewAsync(sink func(Event) error, buffer int, logger *logging.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = logging.Nop()
	}
	a := &Async{
		sink:   sink,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger.WithComponent("notify"),
	}
	go a.run()
	return a
}

// Emit queues e, or drops it if the buffer is full or the notifier closed.
func (a *Async) Emit(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.events {
		if err := a.sink(e); err != nil {
			a.failed.Add(1)
			a.logger.Debug("event delivery failed", map[string]any{
				"kind":  e.Kind,
				"error": err.Error(),
			})
		}
	}
}

// Dropped returns how many events were discarded without delivery.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Failed returns how many deliveries the sink rejected.
func (a *Async) Failed() uint64 { return a.failed.Load() }

// Close stops accepting events and waits for queued ones to drain.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
	})
	<-a.done
	return nil
}
