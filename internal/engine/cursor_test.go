package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/testutil"
)

func setupTestStore(t *testing.T) store.Backend {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedJournal(t *testing.T, b store.Backend, id string, entries ...ir.Entry) {
	t.Helper()
	ctx := context.Background()
	target := ir.Target{Service: "greeter", Handler: "greet"}
	_, _, err := b.CreateInvocation(ctx, ir.Invocation{
		ID:          id,
		Target:      target,
		Kind:        ir.KindService,
		Mode:        ir.ModeExclusive,
		PayloadHash: ir.PayloadHash(target, nil),
		CreatedAt:   testutil.Epoch,
	})
	require.NoError(t, err)
	for _, e := range entries {
		_, err := b.Append(ctx, id, e)
		require.NoError(t, err)
	}
}

func TestCursor_ReplaysThenGoesLive(t *testing.T) {
	b := setupTestStore(t)
	ctx := context.Background()
	seedJournal(t, b, "inv-1",
		ir.SideEffectResult("charge", json.RawMessage(`42`), nil),
		ir.StateGet("balance", nil),
	)

	c, err := loadCursor(ctx, b, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseReplaying, c.Phase())

	e, ok, err := c.Next(ir.EntrySideEffect, "charge")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `42`, string(e.Value))

	peeked, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, ir.EntryStateGet, peeked.Kind)

	_, ok, err = c.Next(ir.EntryStateGet, "balance")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, PhaseLive, c.Phase())
	assert.Equal(t, int64(2), c.Pos())

	_, ok, err = c.Next(ir.EntrySideEffect, "ship")
	require.NoError(t, err)
	assert.False(t, ok, "a live cursor has nothing to hand back")

	require.NoError(t, c.Append(ctx, ir.SideEffectResult("ship", json.RawMessage(`true`), nil)))
	assert.Equal(t, int64(3), c.Pos())

	records, err := b.ReadJournal(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "ship", records[2].Entry.Name)
}

func TestCursor_MismatchIsNonDeterminism(t *testing.T) {
	b := setupTestStore(t)
	ctx := context.Background()
	seedJournal(t, b, "inv-1", ir.SideEffectResult("charge", json.RawMessage(`1`), nil))

	tests := []struct {
		name     string
		kind     ir.EntryKind
		identity string
	}{
		{"different kind", ir.EntryStateGet, "charge"},
		{"different name", ir.EntrySideEffect, "refund"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := loadCursor(ctx, b, "inv-1")
			require.NoError(t, err)

			_, ok, err := c.Next(tt.kind, tt.identity)
			assert.False(t, ok)
			require.ErrorIs(t, err, ir.ErrNonDeterminism)
			assert.Contains(t, err.Error(), "side_effect_result(charge)")
			assert.Equal(t, int64(0), c.Pos(), "a mismatch does not advance")
		})
	}
}

func TestCursor_AppendWhileReplayingFails(t *testing.T) {
	b := setupTestStore(t)
	ctx := context.Background()
	seedJournal(t, b, "inv-1", ir.StateClearAll())

	c, err := loadCursor(ctx, b, "inv-1")
	require.NoError(t, err)
	require.Error(t, c.Append(ctx, ir.StateClearAll()))
}

func TestCursor_DetectsConcurrentWriter(t *testing.T) {
	b := setupTestStore(t)
	ctx := context.Background()
	seedJournal(t, b, "inv-1")

	c, err := loadCursor(ctx, b, "inv-1")
	require.NoError(t, err)

	// Someone else appends behind the cursor's back.
	_, err = b.Append(ctx, "inv-1", ir.StateClearAll())
	require.NoError(t, err)

	err = c.Append(ctx, ir.StateClearAll())
	require.ErrorIs(t, err, ir.ErrStorageUnavailable)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "fresh", PhaseFresh.String())
	assert.Equal(t, "replaying", PhaseReplaying.String())
	assert.Equal(t, "live", PhaseLive.String())
}
