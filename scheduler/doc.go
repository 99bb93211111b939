// Package scheduler fires reservation expiries at their deadlines.
//
// The scheduler keeps one pending clock timer per task. Arming a task
// again replaces its timer; each arm carries a generation number so a
// superseded timer that was already in flight does nothing when it runs.
//
// Arm and Cancel never call back into the expire function on the
// caller's goroutine, so they are safe to invoke while holding the task
// manager's lock. A deadline that is already due fires on a fresh
// goroutine.
//
// After a restart, Recover re-arms every task a source reports as
// reserved. Deadlines that passed while the process was down are expired
// on the caller's goroutine before Recover returns.
package scheduler
