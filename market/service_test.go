package market

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vinayprograms/pixelmarket/canvas"
	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/ledger"
	"github.com/vinayprograms/pixelmarket/notify"
	"github.com/vinayprograms/pixelmarket/ratelimit"
	"github.com/vinayprograms/pixelmarket/scheduler"
	"github.com/vinayprograms/pixelmarket/state"
	"github.com/vinayprograms/pixelmarket/tasks"
	"github.com/vinayprograms/pixelmarket/verify"
)

var epoch = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

const adminToken = "admin-token"

type fixture struct {
	clock  *clock.FakeClock
	store  *state.MemoryStore
	ledger *ledger.Ledger
	tasks  *tasks.Manager
	sched  *scheduler.Scheduler
	canvas *canvas.Fake
	events *notify.Recorder
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clock.Fake(epoch),
		store:  state.NewMemoryStore(),
		events: notify.NewRecorder(),
	}
	f.ledger = ledger.New(f.store, ledger.WithClock(f.clock))
	f.tasks = tasks.NewManager(f.store, f.ledger, tasks.WithClock(f.clock), tasks.WithNotifier(f.events))
	f.sched = scheduler.New(f.clock, f.tasks.Expire)
	f.tasks.UseTimers(f.sched)
	f.canvas = canvas.NewFake(32, 32, f.clock)
	gate := ratelimit.NewGate(ratelimit.GateConfig{Clock: f.clock})

	f.svc = New(Deps{
		Ledger:    f.ledger,
		Tasks:     f.tasks,
		Scheduler: f.sched,
		Verifier:  verify.New(f.tasks, f.canvas, gate, verify.Config{Clock: f.clock}),
		Sizes:     canvas.NewSizeCache(ratelimit.Guard(f.canvas, gate), time.Minute, f.clock, nil),
	}, Config{
		PrivilegedToken: adminToken,
		PrivilegedSeed:  decimal.NewFromInt(1000),
		Clock:           f.clock,
		Notifier:        f.events,
	})

	t.Cleanup(func() {
		gate.Close()
		f.sched.Close()
		f.store.Close()
	})
	return f
}

func (f *fixture) identify(t *testing.T, token string) *Caller {
	t.Helper()
	c, err := f.svc.Identify(context.Background(), token)
	if err != nil {
		t.Fatalf("Identify(%q) failed: %v", token, err)
	}
	return c
}

func (f *fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), account)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return b
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestIdentify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.identify(t, "  worker  ")
	if c.Account != "worker" || c.Privileged {
		t.Errorf("unexpected caller %+v", c)
	}
	if !f.balance(t, "worker").IsZero() {
		t.Error("new account should start at zero")
	}

	admin := f.identify(t, adminToken)
	if !admin.Privileged {
		t.Error("privileged token should be recognized")
	}
	if !f.balance(t, adminToken).Equal(dec("1000")) {
		t.Errorf("privileged account should be seeded, got %s", f.balance(t, adminToken))
	}

	// Reopening never reseeds.
	f.ledger.Debit(ctx, adminToken, dec("10"), ledger.Memo{Reason: "test"})
	f.identify(t, adminToken)
	if !f.balance(t, adminToken).Equal(dec("990")) {
		t.Errorf("expected 990 after reidentify, got %s", f.balance(t, adminToken))
	}

	opened := 0
	for _, k := range f.events.Kinds() {
		if k == notify.AccountOpened {
			opened++
		}
	}
	if opened != 2 {
		t.Errorf("expected 2 account_opened events, got %d", opened)
	}
}

func TestIdentify_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		code  errors.ErrorCode
	}{
		{"empty", "", errors.ErrCodeUnauthorized},
		{"blank", "   ", errors.ErrCodeUnauthorized},
		{"too long", strings.Repeat("x", 31), errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Identify(ctx, tt.token)
			if !errors.Is(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}

	if _, err := f.svc.Identify(ctx, strings.Repeat("x", 30)); err != nil {
		t.Errorf("30 character token should be accepted, got %v", err)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.identify(t, adminToken)
	poor := f.identify(t, "poor")

	tests := []struct {
		name   string
		caller *Caller
		req    CreateRequest
		code   errors.ErrorCode
	}{
		{"below minimum pay", admin, CreateRequest{X: 1, Y: 1, Color: "abcdef", Pay: dec("0.001")}, errors.ErrCodeInvalidInput},
		{"bad color", admin, CreateRequest{X: 1, Y: 1, Color: "red", Pay: dec("1")}, errors.ErrCodeInvalidInput},
		{"outside canvas", admin, CreateRequest{X: 32, Y: 1, Color: "abcdef", Pay: dec("1")}, errors.ErrCodeInvalidInput},
		{"negative", admin, CreateRequest{X: -1, Y: 1, Color: "abcdef", Pay: dec("1")}, errors.ErrCodeInvalidInput},
		{"insufficient funds", poor, CreateRequest{X: 1, Y: 1, Color: "abcdef", Pay: dec("1")}, errors.ErrCodeInsufficientFunds},
		{"anonymous", nil, CreateRequest{X: 1, Y: 1, Color: "abcdef", Pay: dec("1")}, errors.ErrCodeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateTask(ctx, tt.caller, tt.req)
			if !errors.Is(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}

	if !f.balance(t, adminToken).Equal(dec("1000")) {
		t.Errorf("rejected creations must not move money, got %s", f.balance(t, adminToken))
	}
}

func TestCreateTask_CanvasResize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.identify(t, adminToken)

	req := CreateRequest{X: 20, Y: 20, Color: "abcdef", Pay: dec("1")}
	first, err := f.svc.CreateTask(ctx, admin, req)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	f.canvas.SetSize(10, 10)
	f.clock.Advance(2 * time.Minute)

	if _, err := f.svc.CreateTask(ctx, admin, req); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT after shrink, got %v", err)
	}

	// Existing tasks stay listed.
	listed, _ := f.svc.ListTasks(ctx, nil)
	if len(listed) != 1 || listed[0].ID != first.ID {
		t.Errorf("existing task should remain listed, got %+v", listed)
	}
}

func TestScenario_CreateReserveSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.Open(ctx, "creator", dec("2.0"))
	creator := f.identify(t, "creator")
	worker := f.identify(t, "worker")

	task, err := f.svc.CreateTask(ctx, creator, CreateRequest{X: 5, Y: 5, Color: "ABCDEF", Pay: dec("1.0")})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.State != tasks.StateOpen || task.Color != "abcdef" {
		t.Errorf("unexpected task %+v", task)
	}
	if !f.balance(t, "creator").Equal(dec("1.0")) {
		t.Errorf("expected creator balance 1.0, got %s", f.balance(t, "creator"))
	}

	r, err := f.svc.ReserveTask(ctx, worker, task.ID)
	if err != nil {
		t.Fatalf("ReserveTask failed: %v", err)
	}
	if !r.ReservedUntil.Equal(epoch.Add(tasks.DefaultReservationWindow)) {
		t.Errorf("expected deadline now+window, got %v", r.ReservedUntil)
	}

	f.canvas.SetPixel(5, 5, "abcdef")
	p, err := f.svc.SubmitTask(ctx, worker, task.ID)
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if !p.Paid.Equal(dec("1.0")) || !p.Balance.Equal(dec("1.0")) {
		t.Errorf("unexpected payment %+v", p)
	}

	_, err = f.svc.SubmitTask(ctx, worker, task.ID)
	if !errors.Is(err, errors.ErrCodeAlreadyCompleted) {
		t.Errorf("expected ALREADY_COMPLETED on resubmit, got %v", err)
	}
	if !f.balance(t, "worker").Equal(dec("1.0")) {
		t.Errorf("worker must be paid once, got %s", f.balance(t, "worker"))
	}
}

func TestScenario_ReservationLapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.identify(t, adminToken)
	worker := f.identify(t, "worker")

	task, _ := f.svc.CreateTask(ctx, admin, CreateRequest{X: 1, Y: 1, Color: "000000", Pay: dec("3")})
	if _, err := f.svc.ReserveTask(ctx, worker, task.ID); err != nil {
		t.Fatalf("ReserveTask failed: %v", err)
	}
	if listed, _ := f.svc.ListTasks(ctx, nil); len(listed) != 0 {
		t.Fatalf("reserved task should not be listed, got %+v", listed)
	}

	f.clock.Advance(tasks.DefaultReservationWindow)

	listed, _ := f.svc.ListTasks(ctx, nil)
	if len(listed) != 1 || listed[0].ID != task.ID {
		t.Errorf("expired task should be listed again, got %+v", listed)
	}
	if _, err := f.svc.SubmitTask(ctx, worker, task.ID); !errors.Is(err, errors.ErrCodeNotReserver) {
		t.Errorf("expected NOT_RESERVER after expiry, got %v", err)
	}
}

func TestSubmitTask_NoMatchKeepsReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.identify(t, adminToken)
	worker := f.identify(t, "worker")

	task, _ := f.svc.CreateTask(ctx, admin, CreateRequest{X: 2, Y: 2, Color: "00ff00", Pay: dec("1")})
	f.svc.ReserveTask(ctx, worker, task.ID)

	_, err := f.svc.SubmitTask(ctx, worker, task.ID)
	if !errors.Is(err, errors.ErrCodeNoMatch) || !errors.IsRetryable(err) {
		t.Errorf("expected retryable NO_MATCH, got %v", err)
	}

	got, _ := f.tasks.Get(ctx, task.ID)
	if got.State != tasks.StateReserved || got.Reserver != "worker" {
		t.Errorf("reservation should be kept, got %+v", got)
	}
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.identify(t, adminToken)

	for i := 1; i <= 12; i++ {
		_, err := f.svc.CreateTask(ctx, admin, CreateRequest{X: i, Y: 0, Color: "123456", Pay: decimal.NewFromInt(int64(i))})
		if err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	listed, err := f.svc.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(listed) != DefaultListingLimit {
		t.Fatalf("expected %d listings, got %d", DefaultListingLimit, len(listed))
	}
	if !listed[0].Pay.Equal(dec("12")) || !listed[9].Pay.Equal(dec("3")) {
		t.Errorf("expected pay-descending listing, got first %s last %s", listed[0].Pay, listed[9].Pay)
	}

	min := dec("10.5")
	listed, _ = f.svc.ListTasks(ctx, &min)
	if len(listed) != 2 {
		t.Errorf("expected 2 tasks paying >= 10.5, got %d", len(listed))
	}
}

func TestDeleteTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.Open(ctx, "creator", dec("10"))
	creator := f.identify(t, "creator")
	other := f.identify(t, "other")
	admin := f.identify(t, adminToken)

	task, _ := f.svc.CreateTask(ctx, creator, CreateRequest{X: 3, Y: 3, Color: "abcdef", Pay: dec("4")})

	if _, err := f.svc.DeleteTask(ctx, other, task.ID); !errors.Is(err, errors.ErrCodeNotCreator) {
		t.Errorf("expected NOT_CREATOR, got %v", err)
	}

	f.svc.ReserveTask(ctx, other, task.ID)
	if _, err := f.svc.DeleteTask(ctx, creator, task.ID); !errors.Is(err, errors.ErrCodeTaskReserved) {
		t.Errorf("expected TASK_RESERVED, got %v", err)
	}

	refund, err := f.svc.DeleteTask(ctx, admin, task.ID)
	if err != nil {
		t.Fatalf("privileged delete failed: %v", err)
	}
	if !refund.Refunded.Equal(dec("4")) {
		t.Errorf("expected refund 4, got %s", refund.Refunded)
	}
	if !f.balance(t, "creator").Equal(dec("10")) {
		t.Errorf("creator should be refunded, got %s", f.balance(t, "creator"))
	}
	if f.sched.Pending() != 0 {
		t.Errorf("timer should be cancelled, %d pending", f.sched.Pending())
	}
}

func TestAdjustBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.identify(t, adminToken)
	worker := f.identify(t, "worker")

	if _, err := f.svc.AdjustBalance(ctx, worker, "worker", dec("5"), ""); !errors.Is(err, errors.ErrCodeForbidden) {
		t.Errorf("expected FORBIDDEN, got %v", err)
	}

	bal, err := f.svc.AdjustBalance(ctx, admin, "newcomer", dec("5"), "welcome bonus")
	if err != nil {
		t.Fatalf("AdjustBalance failed: %v", err)
	}
	if !bal.Equal(dec("5")) {
		t.Errorf("expected 5, got %s", bal)
	}

	if _, err := f.svc.AdjustBalance(ctx, admin, "newcomer", dec("-6"), ""); !errors.Is(err, errors.ErrCodeInsufficientFunds) {
		t.Errorf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
	if !f.balance(t, "newcomer").Equal(dec("5")) {
		t.Errorf("failed adjustment must not change balance, got %s", f.balance(t, "newcomer"))
	}

	events := f.events.Events()
	last := events[len(events)-1]
	if last.Kind != notify.BalanceAdjusted || last.Account != notify.AccountRef("newcomer") {
		t.Errorf("expected balance_adjusted for newcomer, got %+v", last)
	}

	history, err := f.svc.History(ctx, &Caller{Account: "newcomer"})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Reason != "welcome bonus" {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.identify(t, adminToken)
	f.svc.CreateTask(ctx, admin, CreateRequest{X: 1, Y: 1, Color: "abcdef", Pay: dec("2")})

	anon, err := f.svc.Stats(ctx, nil)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if anon.Account != nil || anon.Market.Available != 1 {
		t.Errorf("unexpected anonymous stats %+v", anon)
	}

	mine, _ := f.svc.Stats(ctx, admin)
	if mine.Account == nil || mine.Account.Submitted != 1 || !mine.Account.PendingPayment.Equal(dec("2")) {
		t.Errorf("unexpected account stats %+v", mine.Account)
	}
}

func TestStart_RecoversReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.identify(t, adminToken)
	worker := f.identify(t, "worker")
	task, _ := f.svc.CreateTask(ctx, admin, CreateRequest{X: 1, Y: 1, Color: "abcdef", Pay: dec("2")})
	f.svc.ReserveTask(ctx, worker, task.ID)

	// A fresh scheduler stands in for a restarted process.
	f.sched.Close()
	f.sched = scheduler.New(f.clock, f.tasks.Expire)
	f.tasks.UseTimers(f.sched)
	f.svc.sched = f.sched

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if f.sched.Pending() != 1 {
		t.Fatalf("expected 1 recovered timer, got %d", f.sched.Pending())
	}

	f.clock.Advance(tasks.DefaultReservationWindow)
	got, _ := f.tasks.Get(ctx, task.ID)
	if got.State != tasks.StateOpen {
		t.Errorf("recovered reservation should expire, got %s", got.State)
	}
}
