package tasks

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vinayprograms/pixelmarket/errors"
)

// State is the lifecycle position of a task.
type State string

const (
	// StateOpen tasks are in the pool and can be reserved.
	StateOpen State = "open"

	// StateReserved tasks are held by one account until their deadline.
	StateReserved State = "reserved"

	// StateCompleted tasks have been verified and paid out. Terminal.
	StateCompleted State = "completed"

	// StateDeleted tasks were withdrawn and refunded. Terminal, kept for audit.
	StateDeleted State = "deleted"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateDeleted
}

// Task is a bounty for setting one canvas pixel to one color.
type Task struct {
	ID      uint64          `json:"id"`
	Creator string          `json:"creator"`
	State   State           `json:"state"`
	X       int             `json:"x"`
	Y       int             `json:"y"`
	Color   string          `json:"color"`
	Pay     decimal.Decimal `json:"pay"`

	// Reserver is set iff State is Reserved or Completed.
	Reserver string `json:"reserver,omitempty"`

	// ReservedUntil is set iff State is Reserved.
	ReservedUntil *time.Time `json:"reserved_until,omitempty"`

	// Completer equals Reserver at the moment of completion.
	Completer string `json:"completer,omitempty"`

	// Expirations counts reservations that lapsed on this task.
	Expirations int `json:"expirations,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	if t.ReservedUntil != nil {
		until := *t.ReservedUntil
		clone.ReservedUntil = &until
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	if t.DeletedAt != nil {
		deleted := *t.DeletedAt
		clone.DeletedAt = &deleted
	}
	return &clone
}

// Available reports whether the task belongs to the listing pool.
func (t *Task) Available() bool {
	return t.State == StateOpen
}

// NewTask is the input to Manager.Create.
type NewTask struct {
	Creator string
	X, Y    int
	Color   string
	Pay     decimal.Decimal
}

var colorPattern = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)

// NormalizeColor validates a 6-hex-digit color and lower-cases it. A
// leading '#' is accepted.
func NormalizeColor(c string) (string, error) {
	c = strings.TrimPrefix(strings.TrimSpace(c), "#")
	if !colorPattern.MatchString(c) {
		return "", errors.InvalidInput("color must be 6 hex digits", errors.WithMetadata("field", "color"))
	}
	return strings.ToLower(c), nil
}

// Validate checks fields that do not depend on external state and
// normalizes the color.
func (n *NewTask) Validate() error {
	if n.Creator == "" {
		return errors.Unauthorized("creator required")
	}
	if n.X < 0 || n.Y < 0 {
		return errors.InvalidInput("coordinates must not be negative", errors.WithMetadata("field", "x,y"))
	}
	color, err := NormalizeColor(n.Color)
	if err != nil {
		return err
	}
	n.Color = color
	if !n.Pay.IsPositive() {
		return errors.InvalidInput("pay must be positive", errors.WithMetadata("field", "pay"))
	}
	return nil
}

// Filter selects tasks in List. Zero fields match everything.
type Filter struct {
	States    []State
	Creator   string
	Reserver  string
	Completer string
}

func (f Filter) match(t *Task) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if t.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Creator != "" && t.Creator != f.Creator {
		return false
	}
	if f.Reserver != "" && t.Reserver != f.Reserver {
		return false
	}
	if f.Completer != "" && t.Completer != f.Completer {
		return false
	}
	return true
}

// Timers is the reservation timer registry the manager drives. Arm and
// Cancel are called with the manager lock held and must not call back
// into the manager synchronously.
type Timers interface {
	Arm(taskID uint64, deadline time.Time)
	Cancel(taskID uint64)
}

// Store is the task store and state machine consumed by the verifier,
// scheduler recovery and the market service.
type Store interface {
	Create(ctx context.Context, spec NewTask) (*Task, error)
	Get(ctx context.Context, id uint64) (*Task, error)
	List(ctx context.Context, filter Filter) ([]*Task, error)
	Available(ctx context.Context, minPay decimal.Decimal, limit int) ([]*Task, error)
	Reserve(ctx context.Context, id uint64, account string) (*Task, error)
	Complete(ctx context.Context, id uint64, account string) (*Task, error)
	Expire(ctx context.Context, id uint64) error
	Delete(ctx context.Context, id uint64, account string, privileged bool) (*Task, error)
	Reserved(ctx context.Context) ([]*Task, error)
}

var _ Store = (*Manager)(nil)
