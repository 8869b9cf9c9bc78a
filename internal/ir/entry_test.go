package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryValidate(t *testing.T) {
	target := Target{Service: "payments", Handler: "charge"}
	fireAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	valid := []Entry{
		SideEffectResult("pay", json.RawMessage(`"ok"`), nil),
		SideEffectResult("pay", nil, &Failure{Code: CodeTerminal, Message: "declined"}),
		CallResult(target, "inv_1", json.RawMessage(`1`), nil),
		CallStarted(target, "inv_1", nil),
		SendRecorded(target, "inv_2", json.RawMessage(`{}`), time.Time{}),
		SleepUntil("tmr_1", fireAt),
		SleepCompleted("tmr_1"),
		AwakeableCreated("prom_1"),
		AwakeableResolved("prom_1", json.RawMessage(`true`), nil),
		PromiseCompleted("prom_1", json.RawMessage(`true`), nil, false),
		StateGet("count", nil),
		StateSet("count", json.RawMessage(`2`)),
		StateClear("count"),
		StateClearAll(),
	}
	for _, e := range valid {
		assert.NoError(t, e.Validate(), "kind %s", e.Kind)
	}

	invalid := map[string]Entry{
		"unknown kind":          {Kind: "bogus"},
		"call without target":   {Kind: EntryCall, ID: "inv_1"},
		"send without child":    {Kind: EntrySend, Target: &target},
		"started without child": {Kind: EntryCallStarted, Target: &target},
		"sleep without time":    {Kind: EntrySleepUntil, ID: "tmr_1"},
		"awakeable without id":  {Kind: EntryAwakeableCreated},
		"state without key":     {Kind: EntryStateSet, Value: json.RawMessage(`1`)},
		"set without value":     {Kind: EntryStateSet, Name: "k"},
		"value and failure": {
			Kind: EntrySideEffect, Value: json.RawMessage(`1`), Failure: &Failure{Code: CodeTerminal},
		},
	}
	for name, e := range invalid {
		assert.Error(t, e.Validate(), name)
	}
}

func TestEntryIdentity(t *testing.T) {
	target := Target{Service: "cart", Key: "alice", Handler: "add"}

	assert.Equal(t, "count", StateSet("count", json.RawMessage(`1`)).Identity())
	assert.Equal(t, "cart/alice/add", CallResult(target, "inv_1", nil, nil).Identity())
	assert.Equal(t, "cart/alice/add", CallStarted(target, "inv_1", nil).Identity())
	assert.Equal(t, "prom_1", AwakeableResolved("prom_1", nil, nil).Identity())
	assert.Equal(t, "", AwakeableCreated("prom_1").Identity(), "position-derived ids are not compared")
	assert.Equal(t, "", SleepUntil("tmr_1", time.Now()).Identity())
}

func TestHandlerKindPolicy(t *testing.T) {
	assert.False(t, KindService.Policy().Locked)
	assert.False(t, KindService.Policy().Stateful)

	assert.True(t, KindObject.Policy().Locked)
	assert.False(t, KindObject.Policy().RunOnce)

	assert.True(t, KindWorkflow.Policy().RunOnce)
	assert.True(t, KindWorkflow.Policy().Keyed)

	assert.False(t, HandlerKind("actor").Valid())
	assert.True(t, Writable(KindObject, ModeExclusive))
	assert.False(t, Writable(KindObject, ModeShared))
	assert.False(t, Writable(KindService, ModeExclusive))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusSuspended.Terminal())
	assert.False(t, StatusParked.Terminal())
	assert.True(t, StatusParked.Valid())
	assert.False(t, Status("zombie").Valid())
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
		ok   bool
	}{
		{"greeter/greet", Target{Service: "greeter", Handler: "greet"}, true},
		{"cart/c1/add", Target{Service: "cart", Key: "c1", Handler: "add"}, true},
		{"greeter", Target{}, false},
		{"cart//add", Target{}, false},
		{"/greet", Target{}, false},
		{"a/b/c/d", Target{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}
