package engine

import (
	"fmt"
	"strings"

	"github.com/roach88/durable/internal/ir"
)

// Attempt-ending signals.
//
// A durable call site that cannot continue the current attempt panics with
// one of these values; the runner recovers them at the attempt boundary and
// translates them into a status transition. Handlers must not recover them.
// A handler that recovers every panic breaks suspension and replay.
type (
	// suspendSignal ends an attempt that waits for something not yet
	// available. The invocation resumes from journal position 0 once one of
	// the awaited events completes.
	suspendSignal struct {
		awaiting []waitKey
	}

	// abortSignal ends an attempt with a retryable failure: exhausted
	// in-place side effect retries or a storage failure mid-attempt.
	abortSignal struct {
		err error
	}

	// divergeSignal ends an attempt whose re-issued operations disagree with
	// the recorded journal. The invocation is parked.
	divergeSignal struct {
		err *ir.Error
	}
)

func suspend(keys ...waitKey) {
	panic(suspendSignal{awaiting: keys})
}

func abortAttempt(err error) {
	panic(abortSignal{err: err})
}

// waitKey names one event a suspended invocation awaits.
type waitKey struct {
	kind string // "promise", "timer" or "call"
	id   string
}

func awaitPromise(id string) waitKey { return waitKey{kind: "promise", id: id} }
func awaitTimer(id string) waitKey   { return waitKey{kind: "timer", id: id} }
func awaitCall(id string) waitKey    { return waitKey{kind: "call", id: id} }

func (k waitKey) String() string {
	return k.kind + ":" + k.id
}

// encodeAwaiting renders wait keys as the persisted Awaiting marker,
// e.g. "promise:prom_1,timer:tmr_2".
func encodeAwaiting(keys []waitKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ",")
}

// decodeAwaiting parses a persisted Awaiting marker.
func decodeAwaiting(s string) ([]waitKey, error) {
	if s == "" {
		return nil, nil
	}
	var keys []waitKey
	for _, part := range strings.Split(s, ",") {
		kind, id, ok := strings.Cut(part, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("malformed awaiting marker %q", part)
		}
		switch kind {
		case "promise", "timer", "call":
		default:
			return nil, fmt.Errorf("unknown awaiting kind %q", kind)
		}
		keys = append(keys, waitKey{kind: kind, id: id})
	}
	return keys, nil
}

// parkedPrefix marks the Awaiting field of a parked invocation, which holds
// the divergence message for attachers.
const parkedPrefix = "parked:"
