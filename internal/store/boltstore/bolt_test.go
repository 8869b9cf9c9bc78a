package boltstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/store/boltstore"
	"github.com/roach88/durable/internal/store/storetest"
)

func TestBoltConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, err := boltstore.Open(context.Background(), filepath.Join(t.TempDir(), "durable.bolt"))
		require.NoError(t, err)
		return s
	})
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.bolt")

	s, err := boltstore.Open(ctx, path)
	require.NoError(t, err)
	_, _, err = s.CreateInvocation(ctx, ir.Invocation{
		ID:     "a",
		Target: ir.Target{Service: "greeter", Handler: "greet"},
		Kind:   ir.KindService,
		Mode:   ir.ModeExclusive,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = boltstore.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	inv, err := s.ReadInvocation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPending, inv.Status)
}

func TestOpen_LockedFileHonoursDeadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.bolt")

	s, err := boltstore.Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = boltstore.Open(ctx, path)
	assert.ErrorIs(t, err, ir.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
