// Package harness runs scripted scenarios against a real engine.
//
// A scenario drives an engine through submissions, clock advances and
// promise completions, then asserts on the resulting invocations, journals
// and object state. The journals of every invocation form the scenario's
// trace, which can be compared against a golden file.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: order_fulfilment
//	description: "An order reserves stock, waits an hour, then ships"
//	steps:
//	  - submit: orders/o-1/place
//	    id: o-1
//	    input: { item: book }
//	  - wait: o-1
//	    status: suspended
//	    awaiting: "timer:"
//	  - advance: 1h
//	  - wait: o-1
//	    status: completed
//	assertions:
//	  - type: output
//	    invocation: o-1
//	    output: { tracking: tracking-1 }
//	  - type: journal_order
//	    invocation: o-1
//	    entries: [state_set:item, call_result, sleep_until, sleep_completed]
//	  - type: final_state
//	    object: orders/o-1
//	    expect: { item: book }
//
// Each step does exactly one thing:
//
//   - submit: submit target with optional id and input
//   - wait: block until the invocation has status (and, optionally, an
//     awaiting marker starting with awaiting)
//   - advance: move the manual clock forward
//   - resolve / reject: complete a promise by ID
//   - resume: resume a parked invocation
//
// # Assertion Types
//
//   - status: an invocation's status, and failure code when failed
//   - output: an invocation's output, compared as decoded JSON
//   - journal_contains: a journal holds an entry of kind (with identity name)
//   - journal_order: journal entries appear in order, gaps allowed
//   - journal_count: a journal holds exactly count entries of kind
//   - final_state: committed object state holds the expected fields
//
// # Deterministic Runs
//
// The engine runs on a manual clock starting at testutil.Epoch, with
// sequential invocation IDs and zero retry backoff, against a fresh SQLite
// database per run. Derived IDs (children, timers, promises) follow from
// those, so a scenario produces the same trace on every run.
package harness
