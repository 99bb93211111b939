// Package market implements the operations the marketplace exposes to
// callers: identification, listing, task creation, reservation,
// submission, deletion, statistics and privileged balance correction.
//
// A caller is identified by an opaque token of bounded length. The first
// use of an unknown token opens a zero-balance account; the configured
// privileged token is opened with a seed balance instead.
//
//	svc := market.New(market.Deps{...}, market.Config{...})
//	caller, err := svc.Identify(ctx, req.Header.Get("Authorization"))
//	task, err := svc.CreateTask(ctx, caller, market.CreateRequest{X: 5, Y: 5, Color: "abcdef", Pay: pay})
//
// The service is safe for concurrent use. Every state change is
// delegated to the task manager and ledger, which own the invariants.
package market
