// Package stats computes read-only marketplace projections.
//
// Every projection is built from a single task listing, so the fields
// of one task are never mixed from before and after a transition.
package stats

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/ledger"
	"github.com/vinayprograms/pixelmarket/tasks"
)

// Market holds counts over the whole marketplace.
type Market struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Completed int `json:"completed"`
	Deleted   int `json:"deleted"`

	// Escrowed is the pay held for tasks that are still Open or Reserved.
	Escrowed decimal.Decimal `json:"escrowed"`

	// PaidOut is the pay settled on completed tasks.
	PaidOut decimal.Decimal `json:"paid_out"`
}

// Account holds one account's view of the marketplace.
type Account struct {
	Balance decimal.Decimal `json:"balance"`

	// As a worker.
	Reserved    int              `json:"reserved"`
	Completed   int              `json:"completed"`
	TotalEarned decimal.Decimal  `json:"total_earned"`
	AveragePay  *decimal.Decimal `json:"average_pay"`

	// As a creator.
	Submitted        int             `json:"submitted"`
	ServicesProvided int             `json:"services_provided"`
	TotalPaidOut     decimal.Decimal `json:"total_paid_out"`
	PendingPayment   decimal.Decimal `json:"pending_payment"`
	Deleted          int             `json:"deleted"`
}

// Aggregator computes projections from the task store and ledger.
type Aggregator struct {
	tasks  tasks.Store
	ledger *ledger.Ledger
}

// New creates an aggregator.
func New(store tasks.Store, l *ledger.Ledger) *Aggregator {
	return &Aggregator{tasks: store, ledger: l}
}

// Market returns marketplace-wide counts.
func (a *Aggregator) Market(ctx context.Context) (*Market, error) {
	all, err := a.tasks.List(ctx, tasks.Filter{})
	if err != nil {
		return nil, err
	}
	return SummarizeMarket(all), nil
}

// Account returns the projection for id. An unknown account has a zero
// balance.
func (a *Aggregator) Account(ctx context.Context, id string) (*Account, error) {
	var (
		all     []*tasks.Task
		balance decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		all, err = a.tasks.List(gctx, tasks.Filter{})
		return err
	})
	g.Go(func() error {
		b, err := a.ledger.Balance(gctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil
		}
		balance = b
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	acct := SummarizeAccount(all, id)
	acct.Balance = balance
	return acct, nil
}

// SummarizeMarket computes Market from a task listing.
func SummarizeMarket(all []*tasks.Task) *Market {
	m := &Market{Escrowed: decimal.Zero, PaidOut: decimal.Zero}
	for _, t := range all {
		switch t.State {
		case tasks.StateOpen:
			m.Available++
			m.Escrowed = m.Escrowed.Add(t.Pay)
		case tasks.StateReserved:
			m.Reserved++
			m.Escrowed = m.Escrowed.Add(t.Pay)
		case tasks.StateCompleted:
			m.Completed++
			m.PaidOut = m.PaidOut.Add(t.Pay)
		case tasks.StateDeleted:
			m.Deleted++
		}
	}
	return m
}

// SummarizeAccount computes Account, minus the balance, from a task listing.
func SummarizeAccount(all []*tasks.Task, id string) *Account {
	a := &Account{
		Balance:        decimal.Zero,
		TotalEarned:    decimal.Zero,
		TotalPaidOut:   decimal.Zero,
		PendingPayment: decimal.Zero,
	}
	for _, t := range all {
		if t.State == tasks.StateReserved && t.Reserver == id {
			a.Reserved++
		}
		if t.State == tasks.StateCompleted && t.Completer == id {
			a.Completed++
			a.TotalEarned = a.TotalEarned.Add(t.Pay)
		}

		if t.Creator != id {
			continue
		}
		a.Submitted++
		switch t.State {
		case tasks.StateCompleted:
			a.ServicesProvided++
			a.TotalPaidOut = a.TotalPaidOut.Add(t.Pay)
		case tasks.StateDeleted:
			a.Deleted++
		default:
			a.PendingPayment = a.PendingPayment.Add(t.Pay)
		}
	}
	if a.Completed > 0 {
		avg := a.TotalEarned.Div(decimal.NewFromInt(int64(a.Completed)))
		a.AveragePay = &avg
	}
	return a
}
