package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/testutil"
)

func testDefinitions() []*engine.Definition {
	return []*engine.Definition{
		engine.NewService("greeter").Handler("greet", engine.Handler(func(_ *engine.Context, name string) (string, error) {
			return "hello " + name, nil
		})),
		engine.NewService("approvals").Handler("await", func(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
			return ctx.Awakeable().Await()
		}),
	}
}

// testEnv is a database plus a config file tuned for fast polling.
type testEnv struct {
	db     string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		db:     filepath.Join(dir, "durable.db"),
		config: filepath.Join(dir, "durable.yaml"),
	}
	cfg := fmt.Sprintf(`
storage:
  driver: sqlite
  path: %s
engine:
  sweep_interval: 20ms
  retry:
    initial_interval: 1ms
    max_interval: 10ms
timers:
  poll_interval: 5ms
log:
  level: error
`, env.db)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))
	return env
}

// execute runs one CLI invocation and returns its stdout.
func (env *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand(testDefinitions()...)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--config", env.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// serve runs "durable run" until the test ends.
func (env *testEnv) serve(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cmd := NewRootCommand(testDefinitions()...)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", env.config, "run"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("run did not stop")
		}
	})
}

func (env *testEnv) waitStatus(t *testing.T, id string, want ir.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		out, err := env.execute(t, "list", "--format", "json", "--status", string(want))
		return err == nil && strings.Contains(out, `"id":"`+id+`"`)
	}, 5*time.Second, 10*time.Millisecond, "invocation %s never became %s", id, want)
}

func TestSubmitAndWait(t *testing.T) {
	env := newTestEnv(t)
	env.serve(t)

	out, err := env.execute(t, "submit", "greeter/greet", `"ada"`, "--id", "greet-1", "--wait", "--timeout", "5s")
	require.NoError(t, err)
	assert.Equal(t, "\"hello ada\"\n", out)

	// Same ID and input: the recorded result.
	out, err = env.execute(t, "submit", "greeter/greet", `"ada"`, "--id", "greet-1", "--wait", "--format", "json")
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, map[string]any{"invocation_id": "greet-1", "output": "hello ada"}, resp.Data)

	// Same ID, different input.
	_, err = env.execute(t, "submit", "greeter/greet", `"bob"`, "--id", "greet-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestResolveWakesAwaitingInvocation(t *testing.T) {
	env := newTestEnv(t)
	env.serve(t)

	out, err := env.execute(t, "submit", "approvals/await", "--id", "appr-1")
	require.NoError(t, err)
	assert.Equal(t, "appr-1\n", out)
	env.waitStatus(t, "appr-1", ir.StatusSuspended)

	promiseID := ir.AwakeableID("appr-1", 0)
	out, err = env.execute(t, "resolve", promiseID, `{"approved":true}`)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("Promise %s resolved.\n", promiseID), out)

	out, err = env.execute(t, "attach", "appr-1", "--timeout", "5s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"approved":true}`, out)

	_, err = env.execute(t, "reject", promiseID, "too late")
	require.Error(t, err)
	assert.ErrorIs(t, err, ir.ErrAlreadyResolved)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRejectFailsAwaitingInvocation(t *testing.T) {
	env := newTestEnv(t)
	env.serve(t)

	_, err := env.execute(t, "submit", "approvals/await", "--id", "appr-2")
	require.NoError(t, err)
	env.waitStatus(t, "appr-2", ir.StatusSuspended)

	_, err = env.execute(t, "reject", ir.AwakeableID("appr-2", 0), "denied")
	require.NoError(t, err)

	out, err := env.execute(t, "attach", "appr-2", "--timeout", "5s")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [TERMINAL]")
	assert.Contains(t, out, "denied")
}

func TestAttach_NotFinished(t *testing.T) {
	env := newTestEnv(t)

	// No engine is running, so the invocation stays pending.
	_, err := env.execute(t, "submit", "greeter/greet", `"ada"`, "--id", "greet-1")
	require.NoError(t, err)

	out, err := env.execute(t, "attach", "greet-1", "--timeout", "50ms")
	require.Error(t, err)
	assert.Equal(t, ExitNotFinished, GetExitCode(err))
	assert.Contains(t, out, "NOT_FINISHED")

	out, err = env.execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "greet-1")
	assert.Contains(t, out, "pending")
}

func TestCommandErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"malformed target", []string{"submit", "greeter"}},
		{"unknown service", []string{"submit", "nope/greet"}},
		{"invalid input", []string{"submit", "greeter/greet", "{"}},
		{"unknown status", []string{"list", "--status", "sleeping"}},
		{"unknown invocation", []string{"inspect", "missing"}},
		{"invalid promise value", []string{"resolve", "prom_x", "{"}},
		{"resume unknown", []string{"resume", "missing"}},
		{"bad driver", []string{"list", "--driver", "postgres"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestTimers_Empty(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.execute(t, "timers")
	require.NoError(t, err)
	assert.Equal(t, "No timers.\n", out)
}

func TestBoltDriver(t *testing.T) {
	env := newTestEnv(t)
	bolt := filepath.Join(t.TempDir(), "durable.bolt")

	_, err := env.execute(t, "--driver", "bolt", "--db", bolt, "submit", "greeter/greet", `"ada"`, "--id", "b-1")
	require.NoError(t, err)

	out, err := env.execute(t, "--driver", "bolt", "--db", bolt, "list", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"id":"b-1"`)
}

func TestInspect_Golden(t *testing.T) {
	env := newTestEnv(t)
	seedFailedInvocation(t, env.db)

	out, err := env.execute(t, "inspect", "inv-1")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "inspect_failed", []byte(out))
}

func TestInspect_JSON(t *testing.T) {
	env := newTestEnv(t)
	seedFailedInvocation(t, env.db)

	out, err := env.execute(t, "inspect", "inv-1", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, ir.StatusFailed, resp.Data.Invocation.Status)
	require.Len(t, resp.Data.Journal, 7)
	assert.Equal(t, ir.EntryStateClearAll, resp.Data.Journal[6].Entry.Kind)
}

// seedFailedInvocation writes an invocation with one entry of most kinds.
func seedFailedInvocation(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	target := ir.Target{Service: "orders", Key: "o-7", Handler: "place"}
	input := json.RawMessage(`{"item":"book"}`)
	_, _, err = s.CreateInvocation(ctx, ir.Invocation{
		ID:          "inv-1",
		Target:      target,
		Kind:        ir.KindObject,
		Mode:        ir.ModeExclusive,
		Input:       input,
		PayloadHash: ir.PayloadHash(target, input),
		CreatedAt:   testutil.Epoch,
	})
	require.NoError(t, err)

	carrierDown := &ir.Failure{Code: ir.CodeTerminal, Message: "carrier down"}
	entries := []ir.Entry{
		ir.SideEffectResult("charge", json.RawMessage(`"r-1"`), nil),
		ir.CallResult(ir.Target{Service: "inventory", Handler: "reserve"}, "child-1", json.RawMessage(`3`), nil),
		ir.StateSet("last", json.RawMessage(`"book"`)),
		ir.SleepUntil("tmr-1", testutil.Epoch.Add(time.Hour)),
		ir.SleepCompleted("tmr-1"),
		ir.SideEffectResult("ship", nil, carrierDown),
		ir.StateClearAll(),
	}
	for _, e := range entries {
		_, err := s.Append(ctx, "inv-1", e)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkTerminal(ctx, ir.Outcome{
		InvocationID: "inv-1",
		Status:       ir.StatusFailed,
		Failure:      carrierDown,
	}))
}
