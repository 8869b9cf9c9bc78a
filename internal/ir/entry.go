package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryKind discriminates journal entry variants.
type EntryKind string

const (
	EntrySideEffect        EntryKind = "side_effect_result"
	EntryCall              EntryKind = "call_result"
	EntryCallStarted       EntryKind = "call_started"
	EntrySend              EntryKind = "send_recorded"
	EntrySleepUntil        EntryKind = "sleep_until"
	EntrySleepCompleted    EntryKind = "sleep_completed"
	EntryAwakeableCreated  EntryKind = "awakeable_created"
	EntryAwakeableResolved EntryKind = "awakeable_resolved"
	EntryPromiseCompleted  EntryKind = "promise_completed"
	EntryStateGet          EntryKind = "state_get"
	EntryStateSet          EntryKind = "state_set"
	EntryStateClear        EntryKind = "state_clear"
	EntryStateClearAll     EntryKind = "state_clear_all"
)

var entryKinds = map[EntryKind]bool{
	EntrySideEffect:        true,
	EntryCall:              true,
	EntryCallStarted:       true,
	EntrySend:              true,
	EntrySleepUntil:        true,
	EntrySleepCompleted:    true,
	EntryAwakeableCreated:  true,
	EntryAwakeableResolved: true,
	EntryPromiseCompleted:  true,
	EntryStateGet:          true,
	EntryStateSet:          true,
	EntryStateClear:        true,
	EntryStateClearAll:     true,
}

// Valid reports whether k is a known entry kind.
func (k EntryKind) Valid() bool {
	return entryKinds[k]
}

// Entry is one recorded durable operation. Which fields are meaningful
// depends on Kind:
//
//	side_effect_result  Name, Value | Failure
//	call_result         Target, ID (child invocation), Value | Failure
//	call_started        Target, ID (child invocation), Value (payload)
//	send_recorded       Target, ID (child invocation), Value (payload), FireAt (delayed only)
//	sleep_until         ID (timer), FireAt
//	sleep_completed     ID (timer)
//	awakeable_created   ID (promise)
//	awakeable_resolved  ID (promise), Value | Failure
//	promise_completed   ID (promise), Value | Failure, Name ("already_resolved" when it lost)
//	state_get           Name (key), Value (nil when absent)
//	state_set           Name (key), Value
//	state_clear         Name (key)
//	state_clear_all     -
type Entry struct {
	Kind    EntryKind       `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Target  *Target         `json:"target,omitempty"`
	ID      string          `json:"id,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
	FireAt  time.Time       `json:"fire_at,omitzero"`
}

// Record is an entry with its journal position.
type Record struct {
	Seq   int64 `json:"seq"`
	Entry Entry `json:"entry"`
}

// Identity is the part of an entry that must agree between the recorded and
// the re-issued operation for replay to be deterministic. Kinds whose
// identity is derived from the journal position return "".
func (e Entry) Identity() string {
	switch e.Kind {
	case EntrySideEffect, EntryStateGet, EntryStateSet, EntryStateClear:
		return e.Name
	case EntryCall, EntryCallStarted, EntrySend:
		if e.Target == nil {
			return ""
		}
		return e.Target.String()
	case EntrySleepCompleted, EntryAwakeableResolved, EntryPromiseCompleted:
		return e.ID
	}
	return ""
}

// Validate checks the fields each kind requires.
func (e Entry) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	switch e.Kind {
	case EntryCall, EntryCallStarted, EntrySend:
		if e.Target == nil {
			return fmt.Errorf("%s: target is required", e.Kind)
		}
		if err := e.Target.Validate(); err != nil {
			return fmt.Errorf("%s: %w", e.Kind, err)
		}
		if e.ID == "" {
			return fmt.Errorf("%s: child invocation id is required", e.Kind)
		}
	case EntrySleepUntil:
		if e.ID == "" || e.FireAt.IsZero() {
			return fmt.Errorf("%s: timer id and fire_at are required", e.Kind)
		}
	case EntrySleepCompleted, EntryAwakeableCreated, EntryAwakeableResolved, EntryPromiseCompleted:
		if e.ID == "" {
			return fmt.Errorf("%s: id is required", e.Kind)
		}
	case EntryStateGet, EntryStateSet, EntryStateClear:
		if e.Name == "" {
			return fmt.Errorf("%s: state key is required", e.Kind)
		}
	}
	if e.Kind == EntryStateSet && e.Value == nil {
		return fmt.Errorf("%s: value is required", e.Kind)
	}
	if e.Value != nil && e.Failure != nil {
		return fmt.Errorf("%s: value and failure are mutually exclusive", e.Kind)
	}
	return nil
}

// Constructors for each entry variant.

func SideEffectResult(name string, value json.RawMessage, failure *Failure) Entry {
	return Entry{Kind: EntrySideEffect, Name: name, Value: value, Failure: failure}
}

func CallResult(target Target, childID string, value json.RawMessage, failure *Failure) Entry {
	return Entry{Kind: EntryCall, Target: &target, ID: childID, Value: value, Failure: failure}
}

func CallStarted(target Target, childID string, payload json.RawMessage) Entry {
	return Entry{Kind: EntryCallStarted, Target: &target, ID: childID, Value: payload}
}

func SendRecorded(target Target, childID string, payload json.RawMessage, fireAt time.Time) Entry {
	return Entry{Kind: EntrySend, Target: &target, ID: childID, Value: payload, FireAt: fireAt}
}

func SleepUntil(timerID string, fireAt time.Time) Entry {
	return Entry{Kind: EntrySleepUntil, ID: timerID, FireAt: fireAt}
}

func SleepCompleted(timerID string) Entry {
	return Entry{Kind: EntrySleepCompleted, ID: timerID}
}

func AwakeableCreated(id string) Entry {
	return Entry{Kind: EntryAwakeableCreated, ID: id}
}

func AwakeableResolved(id string, value json.RawMessage, failure *Failure) Entry {
	return Entry{Kind: EntryAwakeableResolved, ID: id, Value: value, Failure: failure}
}

func PromiseCompleted(id string, value json.RawMessage, failure *Failure, lost bool) Entry {
	e := Entry{Kind: EntryPromiseCompleted, ID: id, Value: value, Failure: failure}
	if lost {
		e.Name = "already_resolved"
	}
	return e
}

func StateGet(key string, value json.RawMessage) Entry {
	return Entry{Kind: EntryStateGet, Name: key, Value: value}
}

func StateSet(key string, value json.RawMessage) Entry {
	return Entry{Kind: EntryStateSet, Name: key, Value: value}
}

func StateClear(key string) Entry {
	return Entry{Kind: EntryStateClear, Name: key}
}

func StateClearAll() Entry {
	return Entry{Kind: EntryStateClearAll}
}
