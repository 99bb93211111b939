// Package notify emits best-effort market events. Emit never blocks and
// never fails the caller; events that cannot be queued are dropped and
// counted.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	TaskCreated     Kind = "task_created"
	TaskReserved    Kind = "task_reserved"
	TaskCompleted   Kind = "task_completed"
	TaskExpired     Kind = "task_expired"
	TaskDeleted     Kind = "task_deleted"
	BalanceAdjusted Kind = "balance_adjusted"
	AccountOpened   Kind = "account_opened"
)

// Event is one notification. Account holds an AccountRef, never the raw
// token, because tokens are bearer credentials.
type Event struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	TaskID  uint64            `json:"task_id,omitempty"`
	Account string            `json:"account,omitempty"`
	Amount  string            `json:"amount,omitempty"`
	At      time.Time         `json:"at"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Notifier accepts events.
type Notifier interface {
	Emit(Event)
}

// NewEvent stamps an event with a fresh id and the given time.
func NewEvent(kind Kind, taskID uint64, account string, at time.Time) Event {
	e := Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		TaskID: taskID,
		At:     at.UTC(),
	}
	if account != "" {
		e.Account = AccountRef(account)
	}
	return e
}

// AccountRef derives a stable, non-reversible reference for a token.
func AccountRef(account string) string {
	sum := sha256.Sum256([]byte(account))
	return "acct-" + hex.EncodeToString(sum[:6])
}

// Nop discards every event.
type Nop struct{}

// Emit implements Notifier.
func (Nop) Emit(Event) {}

// Fanout sends each event to every notifier in order.
type Fanout []Notifier

// Emit implements Notifier.
func (f Fanout) Emit(e Event) {
	for _, n := range f {
		n.Emit(e)
	}
}

// Recorder keeps events in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds emitted so far, in order.
func (r *Recorder) Kinds() []Kind {
	var kinds []Kind
	for _, e := range r.Events() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// Emit implements Notifier.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}
