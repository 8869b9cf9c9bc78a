package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Domain prefixes for derived identifiers. The version suffix allows a
// future algorithm change without colliding with existing IDs.
const (
	DomainChild    = "durable/child-invocation/v1"
	DomainPromise  = "durable/awakeable/v1"
	DomainWorkflow = "durable/workflow-promise/v1"
	DomainTimer    = "durable/timer/v1"
	DomainPayload  = "durable/payload/v1"
	DomainSeed     = "durable/rand-seed/v1"
)

// ID prefixes make derived identifiers recognisable in logs and the CLI.
const (
	PrefixChild   = "inv_"
	PrefixPromise = "prom_"
	PrefixTimer   = "tmr_"
)

// hashWithDomain computes SHA256(domain + 0x00 + data) as hex.
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func derive(domain string, parts map[string]any) string {
	canonical, err := MarshalCanonical(parts)
	if err != nil {
		// parts only ever hold strings and integers.
		panic(fmt.Sprintf("derive %s: %v", domain, err))
	}
	return hashWithDomain(domain, canonical)
}

// ChildInvocationID is the ID of the invocation created by the call or send
// recorded at journal position seq of parent. Re-issuing the operation after
// a crash yields the same ID, so the child is created at most once.
func ChildInvocationID(parentID string, seq int64) string {
	return PrefixChild + derive(DomainChild, map[string]any{
		"parent": parentID,
		"seq":    seq,
	})[:32]
}

// AwakeableID is the ID of the promise created at journal position seq.
func AwakeableID(invocationID string, seq int64) string {
	return PrefixPromise + derive(DomainPromise, map[string]any{
		"invocation": invocationID,
		"seq":        seq,
	})[:32]
}

// WorkflowPromiseID names a promise scoped to one workflow run, shared by the
// primary handler and the workflow's shared handlers.
func WorkflowPromiseID(workflow, key, name string) string {
	return PrefixPromise + derive(DomainWorkflow, map[string]any{
		"workflow": workflow,
		"key":      key,
		"name":     name,
	})[:32]
}

// TimerID is the ID of a timer owned by owner. purpose distinguishes timers
// of different origins (a sleep at a journal position, a retry attempt, a
// delayed send).
func TimerID(owner, purpose string) string {
	return PrefixTimer + derive(DomainTimer, map[string]any{
		"owner":   owner,
		"purpose": purpose,
	})[:32]
}

// SleepTimerID is the timer of the sleep recorded at journal position seq.
func SleepTimerID(invocationID string, seq int64) string {
	return TimerID(invocationID, "sleep/"+strconv.FormatInt(seq, 10))
}

// RetryTimerID is the backoff timer before attempt.
func RetryTimerID(invocationID string, attempt int) string {
	return TimerID(invocationID, "retry/"+strconv.Itoa(attempt))
}

// PayloadHash identifies a submission's content, used to tell an idempotent
// resubmission from an ID collision. Invalid JSON hashes its raw bytes.
func PayloadHash(target Target, input []byte) string {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		canonical = input
	}
	return derive(DomainPayload, map[string]any{
		"target": target.String(),
		"input":  string(canonical),
	})
}

// RandSeed derives the deterministic random seed of an invocation.
func RandSeed(invocationID string) uint64 {
	sum := hashWithDomain(DomainSeed, []byte(invocationID))
	seed, _ := strconv.ParseUint(sum[:16], 16, 64)
	return seed
}
