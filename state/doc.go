// Package state is the persistence collaborator for the market: a small
// key-value contract with atomic single-key writes and an insert-if-absent
// primitive used for get-or-create and id allocation.
//
// Three backends are provided:
//
//   - MemoryStore: in-process, used in tests and ephemeral runs
//   - SQLiteStore: a single WAL-mode table, the default for the daemon
//   - NATSStore: a JetStream KV bucket, for deployments already on NATS
//
// Keys are dotted paths. Patterns accept a trailing * wildcard:
//
//	store.List(ctx, "tasks.task.*")
package state
