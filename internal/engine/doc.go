// Package engine runs handlers durably by journaling and replaying them.
//
// Every durable operation a handler performs through its *Context (side
// effects, calls, sends, sleeps, awakeables, state access) is recorded in the
// invocation's journal the first time it runs. After a crash, a retry or a
// suspension the handler is simply run again from the start: the replay
// cursor hands back recorded results instead of repeating the effects, and
// execution continues live from the first operation with no record.
//
// ARCHITECTURE:
//
// Dispatch:
// Submissions, promise completions, timer deliveries and finished children
// are events on one FIFO queue. The dispatcher runs each on its own
// goroutine, bounded by a semaphore, with at most one attempt per invocation
// at a time. Events for a running invocation are latched, not dropped.
//
// Attempt lifecycle:
//  1. Keyed invocations are admitted by the lock manager
//  2. The status becomes Running and the journal is loaded
//  3. The handler replays, then runs live
//  4. The attempt ends with an output (Completed), a terminal error (Failed),
//     an await that cannot be satisfied yet (Suspended), a journal mismatch
//     (Parked) or a retryable failure (Suspended on a retry timer)
//  5. The key is released (terminal) or kept while suspended (exclusive)
//
// Suspension:
// Durable call sites end an attempt by panicking with an internal signal
// that the runner recovers. Handlers must let panics they did not raise
// propagate.
//
// Recovery:
// Lock ownership lives in memory. On start, exclusive invocations that were
// past admission reclaim their keys before anything Pending is dispatched;
// a periodic sweep re-queues invocations whose wake-up was lost.
//
// CRITICAL PATTERNS:
//
// Determinism:
// A handler must issue the same durable operations in the same order on
// every run. Time, randomness and I/O go through Now, Rand, UUID and
// RunOnce. A divergence parks the invocation instead of guessing.
//
// State:
// State writes are buffered and committed atomically with the Completed
// status. A Failed invocation leaves no trace in object state.
package engine
