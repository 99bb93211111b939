package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/state"
)

const (
	accountPrefix = "ledger.account."
	journalPrefix = "ledger.journal."
)

// Kind tells whether an entry added to or removed from a balance.
type Kind string

const (
	KindDebit  Kind = "debit"
	KindCredit Kind = "credit"
)

// Account is a balance holder identified by an opaque caller token.
type Account struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
	Created time.Time       `json:"created"`

	// Seq is the number of journal entries written for the account.
	Seq uint64 `json:"seq"`
}

// Entry is one journaled balance change.
type Entry struct {
	Account      string          `json:"account"`
	Seq          uint64          `json:"seq"`
	Kind         Kind            `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Reason       string          `json:"reason"`
	TaskID       uint64          `json:"task_id,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	At           time.Time       `json:"at"`
}

// Memo describes why money moved.
type Memo struct {
	Reason string
	TaskID uint64
}

// Ledger implements balance operations over a state store.
type Ledger struct {
	store  state.StateStore
	clock  clock.Clock
	logger *logging.Logger
	locks  *lockSet
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger.WithComponent("ledger") }
}

// New creates a ledger backed by store.
func New(store state.StateStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		clock:  clock.Real(),
		logger: logging.Nop(),
		locks:  newLockSet(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open returns the account for id, creating it with seed if it does not
// exist. created reports whether this call created it.
func (l *Ledger) Open(ctx context.Context, id string, seed decimal.Decimal) (acct *Account, created bool, err error) {
	if id == "" {
		return nil, false, errors.InvalidInput("account id required")
	}
	if seed.IsNegative() {
		return nil, false, errors.InvalidInput("seed balance must not be negative")
	}

	unlock := l.locks.lock(id)
	defer unlock()

	existing, err := l.load(ctx, id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, errors.ErrCodeNotFound) {
		return nil, false, err
	}

	acct = &Account{ID: id, Balance: seed, Created: l.clock.Now()}
	var seedEntry *Entry
	if seed.IsPositive() {
		seedEntry = l.nextEntry(acct, KindCredit, seed, Memo{Reason: "seed"})
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return nil, false, errors.Wrap(err, "encode account")
	}
	switch err := l.store.Create(ctx, accountKey(id), data); {
	case err == state.ErrExists:
		// Another process created it first; theirs wins.
		existing, err := l.load(ctx, id)
		return existing, false, err
	case err != nil:
		return nil, false, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "create account")
	}

	if seedEntry != nil {
		l.writeEntry(ctx, seedEntry)
	}
	return acct, true, nil
}

// Get returns a snapshot of the account.
func (l *Ledger) Get(ctx context.Context, id string) (*Account, error) {
	unlock := l.locks.lock(id)
	defer unlock()
	return l.load(ctx, id)
}

// Balance returns the current balance of id.
func (l *Ledger) Balance(ctx context.Context, id string) (decimal.Decimal, error) {
	acct, err := l.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// Debit removes amount from id. Fails with INSUFFICIENT_FUNDS, leaving
// the balance untouched, if the balance is smaller than amount.
func (l *Ledger) Debit(ctx context.Context, id string, amount decimal.Decimal, memo Memo) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, errors.InvalidInput("debit amount must not be negative")
	}
	return l.apply(ctx, id, amount.Neg(), memo)
}

// Credit adds amount to id.
func (l *Ledger) Credit(ctx context.Context, id string, amount decimal.Decimal, memo Memo) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, errors.InvalidInput("credit amount must not be negative")
	}
	return l.apply(ctx, id, amount, memo)
}

// Adjust applies a signed correction. The result must stay non-negative.
func (l *Ledger) Adjust(ctx context.Context, id string, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	if reason == "" {
		reason = "adjustment"
	}
	return l.apply(ctx, id, delta, Memo{Reason: reason})
}

func (l *Ledger) apply(ctx context.Context, id string, delta decimal.Decimal, memo Memo) (decimal.Decimal, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	acct, err := l.load(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}

	next := acct.Balance.Add(delta)
	if next.IsNegative() {
		return acct.Balance, errors.InsufficientFunds(id, errors.WithTaskID(memo.TaskID),
			errors.WithMetadata("balance", acct.Balance.String()),
			errors.WithMetadata("required", delta.Neg().String()))
	}

	prev := acct.Balance
	acct.Balance = next
	kind := KindCredit
	if delta.IsNegative() {
		kind = KindDebit
	}
	entry := l.nextEntry(acct, kind, delta.Abs(), memo)
	if err := l.save(ctx, acct); err != nil {
		return prev, err
	}
	l.writeEntry(ctx, entry)
	return next, nil
}

// nextEntry advances acct's journal sequence and builds the entry for a
// change already applied to acct.Balance. Caller holds the account lock.
func (l *Ledger) nextEntry(acct *Account, kind Kind, amount decimal.Decimal, memo Memo) *Entry {
	acct.Seq++
	return &Entry{
		Account:      acct.ID,
		Seq:          acct.Seq,
		Kind:         kind,
		Amount:       amount,
		Reason:       memo.Reason,
		TaskID:       memo.TaskID,
		BalanceAfter: acct.Balance,
		At:           l.clock.Now(),
	}
}

// writeEntry persists a journal entry. Failures are logged; the account
// record is authoritative.
func (l *Ledger) writeEntry(ctx context.Context, e *Entry) {
	l.logger.BalanceChange(e.Account, string(e.Kind), e.Amount.String(), e.BalanceAfter.String(), e.Reason)

	data, err := json.Marshal(e)
	if err == nil {
		err = l.store.Put(ctx, journalKey(e.Account, e.Seq), data)
	}
	if err != nil {
		l.logger.Warn("journal write failed", map[string]any{
			"account": logging.Redact(e.Account),
			"seq":     e.Seq,
			"error":   err.Error(),
		})
	}
}

// History returns the journal for id, oldest first.
func (l *Ledger) History(ctx context.Context, id string) ([]Entry, error) {
	kvs, err := l.store.List(ctx, journalPrefix+encodeID(id)+".*")
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list journal")
	}
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			l.logger.Warn("skipping corrupt journal entry", map[string]any{"key": kv.Key})
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Accounts returns every account, sorted by encoded id.
func (l *Ledger) Accounts(ctx context.Context) ([]*Account, error) {
	kvs, err := l.store.List(ctx, accountPrefix+"*")
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list accounts")
	}
	out := make([]*Account, 0, len(kvs))
	for _, kv := range kvs {
		var a Account
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

func (l *Ledger) load(ctx context.Context, id string) (*Account, error) {
	data, err := l.store.Get(ctx, accountKey(id))
	if err == state.ErrNotFound {
		return nil, errors.NotFound("account not found", errors.WithAccount(id))
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "load account")
	}
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, errors.Wrap(err, "decode account")
	}
	if acct.Balance.IsNegative() {
		l.logger.InvariantViolation("negative_balance", map[string]any{
			"account": logging.Redact(id),
			"balance": acct.Balance.String(),
		})
	}
	return &acct, nil
}

func (l *Ledger) save(ctx context.Context, acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return errors.Wrap(err, "encode account")
	}
	if err := l.store.Put(ctx, accountKey(acct.ID), data); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "save account")
	}
	return nil
}

// encodeID maps an arbitrary token onto the key alphabet every store
// backend accepts.
func encodeID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func accountKey(id string) string {
	return accountPrefix + encodeID(id)
}

func journalKey(id string, seq uint64) string {
	return fmt.Sprintf("%s%s.%020d", journalPrefix, encodeID(id), seq)
}
