// Package bus provides the pub/sub transport behind market event
// notifications and cross-process cooldown sharing.
//
// # Implementations
//
//   - NATSBus: NATS core pub/sub
//   - MemoryBus: in-memory, for tests and single-process deployments
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions may use "*" to match
// exactly one token and a trailing ">" to match one or more:
//
//	sub, _ := b.Subscribe("market.events.>")
//	for msg := range sub.Messages() {
//	    // task_created, task_reserved, ...
//	}
//
// Delivery is best effort. A subscriber whose buffer is full misses
// messages rather than slowing the publisher.
package bus
