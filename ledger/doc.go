// Package ledger holds account balances and moves money between them.
//
// Balances never go negative. Every mutation on one account is
// serialized by a per-account lock, so two concurrent debits cannot both
// read the same stale balance. Each change appends a journal entry that
// records the balance it produced.
//
// Accounts are created with Open, which is get-or-create: the seed
// balance applies only to the call that actually created the record.
package ledger
