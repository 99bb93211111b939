package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/state"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T) (*Ledger, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(store, WithClock(fc)), store
}

func TestLedger_OpenIsGetOrCreate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	acct, created, err := l.Open(ctx, "admin", dec("1000"))
	if err != nil || !created {
		t.Fatalf("first Open: created=%v err=%v", created, err)
	}
	if !acct.Balance.Equal(dec("1000")) {
		t.Errorf("expected seeded balance, got %s", acct.Balance)
	}

	_, _ = l.Debit(ctx, "admin", dec("10"), Memo{Reason: "create"})

	again, created, err := l.Open(ctx, "admin", dec("1000"))
	if err != nil || created {
		t.Fatalf("second Open: created=%v err=%v", created, err)
	}
	if !again.Balance.Equal(dec("990")) {
		t.Errorf("seed must only apply on creation, got %s", again.Balance)
	}
}

func TestLedger_OpenConcurrentCreatesOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := l.Open(ctx, "bob", dec("5"))
			if err != nil {
				t.Errorf("Open: %v", err)
			}
			if c {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	if created.Load() != 1 {
		t.Errorf("expected one creation, got %d", created.Load())
	}
	bal, _ := l.Balance(ctx, "bob")
	if !bal.Equal(dec("5")) {
		t.Errorf("expected balance 5, got %s", bal)
	}
}

func TestLedger_OpenValidation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.Open(ctx, "", decimal.Zero); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("empty id: got %v", err)
	}
	if _, _, err := l.Open(ctx, "x", dec("-1")); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("negative seed: got %v", err)
	}
}

func TestLedger_DebitInsufficientFunds(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Open(ctx, "alice", dec("2.0"))

	bal, err := l.Debit(ctx, "alice", dec("1.0"), Memo{Reason: "create", TaskID: 1})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !bal.Equal(dec("1.0")) {
		t.Errorf("expected 1.0, got %s", bal)
	}

	_, err = l.Debit(ctx, "alice", dec("1.01"), Memo{Reason: "create", TaskID: 2})
	if !errors.Is(err, errors.ErrCodeInsufficientFunds) {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
	if got, _ := l.Balance(ctx, "alice"); !got.Equal(dec("1.0")) {
		t.Errorf("failed debit changed balance to %s", got)
	}

	// Exactly draining is allowed.
	if _, err := l.Debit(ctx, "alice", dec("1.0"), Memo{}); err != nil {
		t.Errorf("draining to zero should succeed: %v", err)
	}
}

func TestLedger_DecimalPrecision(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Open(ctx, "p", decimal.Zero)

	for i := 0; i < 10; i++ {
		_, _ = l.Credit(ctx, "p", dec("0.1"), Memo{})
	}
	bal, _ := l.Balance(ctx, "p")
	if !bal.Equal(dec("1")) {
		t.Errorf("expected exactly 1, got %s", bal)
	}
}

func TestLedger_NegativeAmountsRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Open(ctx, "n", dec("1"))

	if _, err := l.Debit(ctx, "n", dec("-1"), Memo{}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("negative debit: %v", err)
	}
	if _, err := l.Credit(ctx, "n", dec("-1"), Memo{}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("negative credit: %v", err)
	}
}

func TestLedger_UnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "ghost", dec("1"), Memo{}); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestLedger_Adjust(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Open(ctx, "c", dec("3"))

	bal, err := l.Adjust(ctx, "c", dec("-3"), "correction")
	if err != nil || !bal.IsZero() {
		t.Fatalf("Adjust to zero: %s %v", bal, err)
	}
	if _, err := l.Adjust(ctx, "c", dec("-0.01"), ""); !errors.Is(err, errors.ErrCodeInsufficientFunds) {
		t.Errorf("Adjust below zero: %v", err)
	}
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Open(ctx, "race", dec("10"))

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "race", dec("1"), Memo{}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 {
		t.Errorf("expected exactly 10 successful debits, got %d", ok.Load())
	}
	bal, _ := l.Balance(ctx, "race")
	if !bal.IsZero() {
		t.Errorf("expected zero balance, got %s", bal)
	}
	if l.locks.size() != 0 {
		t.Errorf("lock set leaked %d entries", l.locks.size())
	}
}

func TestLedger_History(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Open(ctx, "h", dec("2"))
	_, _ = l.Debit(ctx, "h", dec("1.5"), Memo{Reason: "escrow", TaskID: 7})
	_, _ = l.Credit(ctx, "h", dec("1.5"), Memo{Reason: "refund", TaskID: 7})

	hist, err := l.History(ctx, "h")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(hist))
	}
	want := []struct {
		kind  Kind
		after string
	}{
		{KindCredit, "2"},
		{KindDebit, "0.5"},
		{KindCredit, "2"},
	}
	for i, w := range want {
		if hist[i].Kind != w.kind || !hist[i].BalanceAfter.Equal(dec(w.after)) {
			t.Errorf("entry %d = %+v, want %v after %s", i, hist[i], w.kind, w.after)
		}
		if hist[i].Seq != uint64(i+1) {
			t.Errorf("entry %d seq = %d", i, hist[i].Seq)
		}
	}
	if hist[1].TaskID != 7 || hist[1].Reason != "escrow" {
		t.Errorf("memo lost: %+v", hist[1])
	}
}

func TestLedger_SaveFailureLeavesBalance(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	_, _, _ = l.Open(ctx, "f", dec("5"))

	store.FailWrites(fmt.Errorf("disk full"))
	if _, err := l.Debit(ctx, "f", dec("1"), Memo{}); !errors.Is(err, errors.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
	store.FailWrites(nil)

	if bal, _ := l.Balance(ctx, "f"); !bal.Equal(dec("5")) {
		t.Errorf("balance changed despite failed write: %s", bal)
	}
}

func TestLedger_TokensWithOddCharacters(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	id := "we*ird tok/en!"
	if _, _, err := l.Open(ctx, id, dec("1")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	accts, err := l.Accounts(ctx)
	if err != nil || len(accts) != 1 || accts[0].ID != id {
		t.Errorf("Accounts = %v, %v", accts, err)
	}
}
