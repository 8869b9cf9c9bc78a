// Package ir provides the data model shared by every durable execution
// component: invocations, journal entries, promises, timers and the error
// taxonomy.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Payloads are opaque JSON (json.RawMessage); ir never interprets them
//   - All JSON tags use snake_case
//   - Deterministic identifiers (child invocations, awakeables, timers) are
//     derived from canonical JSON with domain-separated SHA-256, never from
//     wall-clock time or randomness
//   - Handler kinds are a closed set; their locking and state policy is data
//     (see HandlerKind.Policy), not behaviour spread across the engine
package ir
