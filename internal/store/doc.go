// Package store provides durable storage for the execution engine.
//
// The default backend is SQLite. The store holds:
//   - Invocations: one row per request, with status, attempts and result
//   - Journal: append-only entries keyed by (invocation_id, seq)
//   - Object state: committed fields keyed by (object_type, object_key, field)
//   - Workflow runs: the run-once index for workflow primaries
//   - Promises: one-shot completion slots
//   - Timers: durable wake-ups, indexed by (fire_at, id)
//
// # Critical Patterns
//
// Journal positions are gapless per invocation and assigned inside the
// append transaction, never by the caller.
//
// Terminal transitions are the only way object state changes: MarkTerminal
// applies an invocation's buffered mutations in the same transaction that
// sets its terminal status.
//
// All list queries are ordered (ORDER BY seq / fire_at, id) so results are
// identical across runs.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: a returned Append survives power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: journal rows must reference an invocation
package store
