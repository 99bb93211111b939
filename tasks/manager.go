package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/ledger"
	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/notify"
	"github.com/vinayprograms/pixelmarket/state"
	"github.com/vinayprograms/pixelmarket/telemetry"
)

const (
	// Key prefixes for state store.
	taskPrefix = "tasks.task."
	seqKey     = "tasks.seq"

	// DefaultReservationWindow is how long a reservation lasts.
	DefaultReservationWindow = 30 * time.Second
)

// Manager owns every task record. A single lock serializes transitions
// so two operations on one task can never both win, and listings see a
// consistent snapshot. Lock order is Manager.mu, then the ledger's
// per-account lock.
type Manager struct {
	store    state.StateStore
	ledger   *ledger.Ledger
	clock    clock.Clock
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	notifier notify.Notifier
	window   time.Duration

	mu     sync.RWMutex
	timers Timers
	lastID uint64
	idInit bool
	closed atomic.Bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock for deadlines and timestamps.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l.WithComponent("tasks") }
}

// WithTracer sets the tracer for transition spans.
func WithTracer(t *telemetry.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// WithNotifier sets the event sink.
func WithNotifier(n notify.Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithReservationWindow sets how long a reservation lasts.
func WithReservationWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// NewManager creates a task manager backed by store that settles
// payments through l.
func NewManager(store state.StateStore, l *ledger.Ledger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		ledger:   l,
		clock:    clock.Real(),
		logger:   logging.Nop(),
		tracer:   telemetry.GetTracer(),
		notifier: notify.Nop{},
		window:   DefaultReservationWindow,
		timers:   noTimers{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UseTimers installs the reservation timer registry. The registry
// usually needs the manager itself to fire expirations, so it is wired
// after construction.
func (m *Manager) UseTimers(t Timers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t == nil {
		t = noTimers{}
	}
	m.timers = t
}

// Window returns the reservation window.
func (m *Manager) Window() time.Duration {
	return m.window
}

// Create escrows spec.Pay from the creator and inserts an Open task.
func (m *Manager) Create(ctx context.Context, spec NewTask) (task *Task, err error) {
	if m.closed.Load() {
		return nil, errClosed()
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.allocateID(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.StartTransitionSpan(ctx, "create", id)
	defer func() {
		m.tracer.EndTransitionSpan(span, telemetry.TransitionSpanOptions{To: string(StateOpen)}, err)
	}()

	memo := ledger.Memo{Reason: "escrow", TaskID: id}
	if _, err := m.ledger.Debit(ctx, spec.Creator, spec.Pay, memo); err != nil {
		_ = m.store.Delete(ctx, taskKey(id))
		return nil, err
	}

	task = &Task{
		ID:        id,
		Creator:   spec.Creator,
		State:     StateOpen,
		X:         spec.X,
		Y:         spec.Y,
		Color:     spec.Color,
		Pay:       spec.Pay,
		CreatedAt: m.clock.Now(),
	}
	if err := m.insertTask(ctx, task); err != nil {
		m.compensate(ctx, spec.Creator, spec.Pay, true, ledger.Memo{Reason: "escrow-reversal", TaskID: id})
		return nil, err
	}

	m.logger.TaskTransition(id, "", string(StateOpen), spec.Creator)
	m.emit(notify.TaskCreated, task, spec.Creator, spec.Pay)
	return task.Clone(), nil
}

// Get retrieves a task by ID.
func (m *Manager) Get(ctx context.Context, id uint64) (*Task, error) {
	if m.closed.Load() {
		return nil, errClosed()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	task, err := m.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// List returns tasks matching filter, ordered by id.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Task, error) {
	if m.closed.Load() {
		return nil, errClosed()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	all, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		if filter.match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Available returns up to limit Open tasks paying at least minPay,
// highest pay first. Ties go to the older task.
func (m *Manager) Available(ctx context.Context, minPay decimal.Decimal, limit int) ([]*Task, error) {
	open, err := m.List(ctx, Filter{States: []State{StateOpen}})
	if err != nil {
		return nil, err
	}

	pool := open[:0]
	for _, t := range open {
		if t.Pay.GreaterThanOrEqual(minPay) {
			pool = append(pool, t)
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if c := pool[i].Pay.Cmp(pool[j].Pay); c != 0 {
			return c > 0
		}
		return pool[i].ID < pool[j].ID
	})
	if limit > 0 && len(pool) > limit {
		pool = pool[:limit]
	}
	return pool, nil
}

// Reserved returns every task currently in the Reserved state.
func (m *Manager) Reserved(ctx context.Context) ([]*Task, error) {
	return m.List(ctx, Filter{States: []State{StateReserved}})
}

// Reserve gives account an exclusive claim on an Open task until now+window.
// Reserving a task the caller already holds returns it unchanged; the
// deadline is not extended.
func (m *Manager) Reserve(ctx context.Context, id uint64, account string) (task *Task, err error) {
	if m.closed.Load() {
		return nil, errClosed()
	}
	if account == "" {
		return nil, errors.Unauthorized("account required")
	}

	ctx, span := m.tracer.StartTransitionSpan(ctx, "reserve", id)
	var from State
	defer func() {
		m.tracer.EndTransitionSpan(span, telemetry.TransitionSpanOptions{From: string(from), To: string(StateReserved)}, err)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err = m.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	from = task.State

	switch task.State {
	case StateReserved:
		if task.Reserver == account {
			return task.Clone(), nil
		}
		return nil, errors.New(errors.ErrCodeAlreadyReserved,
			fmt.Sprintf("task %d is reserved by another account", id), errors.WithTaskID(id))
	case StateCompleted:
		return nil, errAlreadyCompleted(id)
	case StateDeleted:
		return nil, errDeleted(id)
	}

	deadline := m.clock.Now().Add(m.window)
	task.State = StateReserved
	task.Reserver = account
	task.ReservedUntil = &deadline

	if err := m.saveTask(ctx, task); err != nil {
		return nil, err
	}
	m.timers.Arm(id, deadline)

	m.logger.TaskTransition(id, string(StateOpen), string(StateReserved), account)
	m.emit(notify.TaskReserved, task, account, decimal.Zero)
	return task.Clone(), nil
}

// Complete settles a Reserved task: the reserver is credited the task's
// pay exactly once and the task becomes Completed. Only the current
// reserver may complete. A completion that commits before the expiry
// timer takes the lock wins, even if the deadline has just passed.
func (m *Manager) Complete(ctx context.Context, id uint64, account string) (task *Task, err error) {
	if m.closed.Load() {
		return nil, errClosed()
	}

	ctx, span := m.tracer.StartTransitionSpan(ctx, "complete", id)
	var from State
	defer func() {
		m.tracer.EndTransitionSpan(span, telemetry.TransitionSpanOptions{From: string(from), To: string(StateCompleted)}, err)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err = m.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	from = task.State

	switch task.State {
	case StateCompleted:
		return nil, errAlreadyCompleted(id)
	case StateDeleted:
		return nil, errDeleted(id)
	case StateOpen:
		return nil, errNotReserver(id)
	}
	if task.Reserver != account {
		return nil, errNotReserver(id)
	}

	// The Completed record is written before the payout. A crash in
	// between leaves a completed task with no payout journal entry.
	reserved := task.Clone()
	now := m.clock.Now()
	task.State = StateCompleted
	task.Completer = account
	task.CompletedAt = &now
	task.ReservedUntil = nil

	if err := m.saveTask(ctx, task); err != nil {
		return nil, err
	}
	memo := ledger.Memo{Reason: "payout", TaskID: id}
	if _, err := m.ledger.Credit(ctx, account, task.Pay, memo); err != nil {
		if rerr := m.saveTask(ctx, reserved); rerr != nil {
			m.logger.InvariantViolation("completed_unpaid", map[string]any{
				"task":    id,
				"account": logging.Redact(account),
				"amount":  task.Pay.String(),
				"error":   rerr.Error(),
			})
		}
		return nil, err
	}
	m.timers.Cancel(id)

	m.logger.TaskTransition(id, string(StateReserved), string(StateCompleted), account)
	m.emit(notify.TaskCompleted, task, account, task.Pay)
	return task.Clone(), nil
}

// Expire releases a lapsed reservation. It is the timer path and is safe
// to call at any time: a missing task, a task no longer Reserved, or a
// deadline still in the future all leave state untouched.
func (m *Manager) Expire(ctx context.Context, id uint64) (err error) {
	if m.closed.Load() {
		return errClosed()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.loadTask(ctx, id)
	if errors.Is(err, errors.ErrCodeNotFound) {
		m.logger.Debug("expiry for missing task ignored", map[string]any{"task": id})
		return nil
	}
	if err != nil {
		return err
	}
	if task.State != StateReserved {
		return nil
	}

	now := m.clock.Now()
	if task.ReservedUntil == nil {
		m.logger.InvariantViolation("reserved_without_deadline", map[string]any{"task": id})
	} else if now.Before(*task.ReservedUntil) {
		// Fired early; put the timer back.
		m.timers.Arm(id, *task.ReservedUntil)
		return nil
	}

	ctx, span := m.tracer.StartTransitionSpan(ctx, "expire", id)
	defer func() {
		m.tracer.EndTransitionSpan(span, telemetry.TransitionSpanOptions{From: string(StateReserved), To: string(StateOpen)}, err)
	}()

	reserver := task.Reserver
	task.State = StateOpen
	task.Reserver = ""
	task.ReservedUntil = nil
	task.Expirations++

	if err := m.saveTask(ctx, task); err != nil {
		return err
	}

	m.logger.TaskTransition(id, string(StateReserved), string(StateOpen), reserver)
	m.emit(notify.TaskExpired, task, reserver, decimal.Zero)
	return nil
}

// Delete withdraws a task and refunds its pay to the creator. Ordinary
// callers may only delete their own Open tasks. A privileged caller may
// delete any task that is not terminal, including a Reserved one; the
// reservation is dropped without compensating the reserver.
func (m *Manager) Delete(ctx context.Context, id uint64, account string, privileged bool) (task *Task, err error) {
	if m.closed.Load() {
		return nil, errClosed()
	}

	ctx, span := m.tracer.StartTransitionSpan(ctx, "delete", id)
	var from State
	defer func() {
		m.tracer.EndTransitionSpan(span, telemetry.TransitionSpanOptions{From: string(from), To: string(StateDeleted)}, err)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	task, err = m.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	from = task.State

	if !privileged && task.Creator != account {
		return nil, errors.New(errors.ErrCodeNotCreator,
			fmt.Sprintf("task %d was created by another account", id), errors.WithTaskID(id))
	}
	switch task.State {
	case StateCompleted:
		return nil, errAlreadyCompleted(id)
	case StateDeleted:
		return nil, errDeleted(id)
	case StateReserved:
		if !privileged {
			return nil, errors.New(errors.ErrCodeTaskReserved,
				fmt.Sprintf("task %d is reserved", id), errors.WithTaskID(id))
		}
	}

	memo := ledger.Memo{Reason: "refund", TaskID: id}
	if _, err := m.ledger.Credit(ctx, task.Creator, task.Pay, memo); err != nil {
		return nil, err
	}

	evicted := task.Reserver
	now := m.clock.Now()
	task.State = StateDeleted
	task.DeletedAt = &now
	task.Reserver = ""
	task.ReservedUntil = nil

	if err := m.saveTask(ctx, task); err != nil {
		m.compensate(ctx, task.Creator, task.Pay, false, ledger.Memo{Reason: "refund-reversal", TaskID: id})
		return nil, err
	}
	if from == StateReserved {
		m.timers.Cancel(id)
		m.logger.Warn("reserved task force-deleted", map[string]any{
			"task":     id,
			"reserver": logging.Redact(evicted),
		})
	}

	m.logger.TaskTransition(id, string(from), string(StateDeleted), account)
	e := m.event(notify.TaskDeleted, task, task.Creator, task.Pay)
	if evicted != "" {
		e.Meta = map[string]string{"evicted": notify.AccountRef(evicted)}
	}
	m.notifier.Emit(e)
	return task.Clone(), nil
}

// Close releases resources held by the manager.
func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}

// compensate undoes a ledger change whose task write failed. If the
// reversal also fails the books no longer balance, which is logged as an
// invariant violation for manual repair.
func (m *Manager) compensate(ctx context.Context, account string, amount decimal.Decimal, credit bool, memo ledger.Memo) {
	var err error
	if credit {
		_, err = m.ledger.Credit(ctx, account, amount, memo)
	} else {
		_, err = m.ledger.Debit(ctx, account, amount, memo)
	}
	if err != nil {
		m.logger.InvariantViolation("compensation_failed", map[string]any{
			"task":    memo.TaskID,
			"account": logging.Redact(account),
			"amount":  amount.String(),
			"reason":  memo.Reason,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) event(kind notify.Kind, task *Task, account string, amount decimal.Decimal) notify.Event {
	e := notify.NewEvent(kind, task.ID, account, m.clock.Now())
	if !amount.IsZero() {
		e.Amount = amount.String()
	}
	return e
}

func (m *Manager) emit(kind notify.Kind, task *Task, account string, amount decimal.Decimal) {
	m.notifier.Emit(m.event(kind, task, account, amount))
}

// allocateID returns the next task id. Caller holds m.mu. Ids are
// claimed with an insert-if-absent on the task key so two processes
// sharing a store never hand out the same id.
func (m *Manager) allocateID(ctx context.Context) (uint64, error) {
	if !m.idInit {
		last, err := m.loadLastID(ctx)
		if err != nil {
			return 0, err
		}
		m.lastID = last
		m.idInit = true
	}

	for attempt := 0; attempt < 64; attempt++ {
		id := m.lastID + 1
		m.lastID = id
		err := m.store.Create(ctx, taskKey(id), []byte("{}"))
		if err == state.ErrExists {
			continue
		}
		if err != nil {
			return 0, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "allocate task id")
		}
		if err := m.store.Put(ctx, seqKey, []byte(strconv.FormatUint(id, 10))); err != nil {
			m.logger.Warn("task sequence not persisted", map[string]any{"id": id, "error": err.Error()})
		}
		return id, nil
	}
	return 0, errors.Internal("could not allocate task id")
}

func (m *Manager) loadLastID(ctx context.Context) (uint64, error) {
	var last uint64
	data, err := m.store.Get(ctx, seqKey)
	switch {
	case err == nil:
		last, _ = strconv.ParseUint(string(data), 10, 64)
	case err != state.ErrNotFound:
		return 0, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "load task sequence")
	}

	keys, err := m.store.Keys(ctx, taskPrefix+"*")
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "scan task ids")
	}
	for _, k := range keys {
		if id, err := strconv.ParseUint(strings.TrimPrefix(k, taskPrefix), 10, 64); err == nil && id > last {
			last = id
		}
	}
	return last, nil
}

// insertTask fills the placeholder written by allocateID.
func (m *Manager) insertTask(ctx context.Context, task *Task) error {
	if err := m.saveTask(ctx, task); err != nil {
		_ = m.store.Delete(ctx, taskKey(task.ID))
		return err
	}
	return nil
}

func (m *Manager) loadTask(ctx context.Context, id uint64) (*Task, error) {
	data, err := m.store.Get(ctx, taskKey(id))
	if err == state.ErrNotFound {
		return nil, errNotFound(id)
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "load task", errors.WithTaskID(id))
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, errors.Wrap(err, "decode task", errors.WithTaskID(id))
	}
	if task.ID == 0 {
		// Placeholder from an allocation whose insert never landed.
		return nil, errNotFound(id)
	}
	return &task, nil
}

func (m *Manager) loadAll(ctx context.Context) ([]*Task, error) {
	kvs, err := m.store.List(ctx, taskPrefix+"*")
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list tasks")
	}
	out := make([]*Task, 0, len(kvs))
	for _, kv := range kvs {
		var task Task
		if err := json.Unmarshal(kv.Value, &task); err != nil {
			m.logger.Warn("skipping corrupt task record", map[string]any{"key": kv.Key})
			continue
		}
		if task.ID == 0 {
			continue
		}
		out = append(out, &task)
	}
	return out, nil
}

func (m *Manager) saveTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "encode task", errors.WithTaskID(task.ID))
	}
	if err := m.store.Put(ctx, taskKey(task.ID), data); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "save task", errors.WithTaskID(task.ID))
	}
	return nil
}

// taskKey zero-pads the id so key order is id order.
func taskKey(id uint64) string {
	return fmt.Sprintf("%s%020d", taskPrefix, id)
}

type noTimers struct{}

func (noTimers) Arm(uint64, time.Time) {}
func (noTimers) Cancel(uint64)         {}

func errClosed() error {
	return errors.New(errors.ErrCodeUnavailable, "task manager closed")
}

func errNotFound(id uint64) error {
	return errors.New(errors.ErrCodeNotFound, fmt.Sprintf("task %d not found", id), errors.WithTaskID(id))
}

func errAlreadyCompleted(id uint64) error {
	return errors.New(errors.ErrCodeAlreadyCompleted, fmt.Sprintf("task %d already completed", id), errors.WithTaskID(id))
}

func errDeleted(id uint64) error {
	return errors.New(errors.ErrCodeTaskDeleted, fmt.Sprintf("task %d was deleted", id), errors.WithTaskID(id))
}

func errNotReserver(id uint64) error {
	return errors.New(errors.ErrCodeNotReserver, fmt.Sprintf("task %d is not reserved by caller", id), errors.WithTaskID(id))
}
