// Package enginetest runs a real engine against a temporary SQLite store for
// tests of packages built on top of the engine.
package enginetest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/testutil"
)

// Env is a running engine with its store and manual clock.
type Env struct {
	Engine  *engine.Engine
	Backend store.Backend
	Clock   *testutil.ManualClock
}

// Start registers defs on a fresh engine and runs it until the test ends.
func Start(t *testing.T, defs ...*engine.Definition) *Env {
	t.Helper()
	b, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)

	clock := testutil.NewManualClock(testutil.Epoch)
	e := engine.New(b,
		engine.WithClock(clock),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithIDGenerator(testutil.NewSequentialIDs("inv")),
		engine.WithSweepInterval(20*time.Millisecond),
		engine.WithTimerPollInterval(5*time.Millisecond),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 3, RunAttempts: 2, Backoff: engine.ConstantBackoff(0)}),
	)
	require.NoError(t, e.Register(defs...))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})

	return &Env{Engine: e, Backend: b, Clock: clock}
}

// Invoke submits a request and waits for its result.
func (env *Env) Invoke(t *testing.T, target ir.Target, input any) (json.RawMessage, error) {
	t.Helper()
	id := env.Submit(t, target, input)
	return env.Attach(t, id)
}

// Submit submits a request and returns its invocation ID.
func (env *Env) Submit(t *testing.T, target ir.Target, input any) string {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	id, err := env.Engine.Submit(context.Background(), ir.Request{Target: target, Input: raw})
	require.NoError(t, err)
	return id
}

// Attach waits up to five seconds for id to finish.
func (env *Env) Attach(t *testing.T, id string) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return env.Engine.Attach(ctx, id)
}

// WaitStatus blocks until id reaches status.
func (env *Env) WaitStatus(t *testing.T, id string, status ir.Status) ir.Invocation {
	t.Helper()
	var inv ir.Invocation
	require.Eventually(t, func() bool {
		var err error
		inv, err = env.Backend.ReadInvocation(context.Background(), id)
		return err == nil && inv.Status == status
	}, 5*time.Second, 2*time.Millisecond, "invocation %s never became %s", id, status)
	return inv
}
