// Package tasks holds pixel tasks and the state machine that moves them.
//
// A task pays a fixed amount for setting one canvas pixel to one color.
// Creating a task escrows its pay from the creator's balance; deleting
// it refunds the creator; completing it pays the reserver.
//
// # Task Lifecycle
//
//	Open → Reserved → Completed
//	  ↑       │
//	  └───────┘ (reservation expires)
//	Open → Deleted
//
// A privileged caller may also delete a Reserved task. Completed and
// Deleted are terminal; records are retained.
//
// # Concurrency
//
// Manager serializes every transition behind one lock. Of any set of
// concurrent Reserve calls on an Open task exactly one succeeds, and a
// task is paid out at most once. The reservation timer is driven through
// the Timers interface; Expire re-checks the task under the lock, so a
// timer that fires after completion changes nothing.
//
// Ledger writes and task writes go to separate records. When the task
// write fails after money moved, the manager reverses the money.
package tasks
