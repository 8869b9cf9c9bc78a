package cron

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/engine/enginetest"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/testutil"
)

func hitCounter() *engine.Definition {
	return engine.NewObject("counter").Handler("hit", func(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
		n, _, err := engine.GetAs[int](ctx, "n")
		if err != nil {
			return nil, err
		}
		return nil, ctx.Set("n", n+1)
	})
}

func hits(env *enginetest.Env) int {
	raw, ok, err := env.Backend.GetState(context.Background(), ir.ObjectKey{Type: "counter", Key: "c1"}, "n")
	if err != nil || !ok {
		return 0
	}
	n, _ := codec.Unmarshal[int](raw)
	return n
}

func storedJob(env *enginetest.Env, id string) (Job, bool) {
	raw, ok, err := env.Backend.GetState(context.Background(), ir.ObjectKey{Type: ObjectName, Key: id}, jobField)
	if err != nil || !ok {
		return Job{}, false
	}
	job, err := codec.Unmarshal[Job](raw)
	return job, err == nil
}

func waitHits(t *testing.T, env *enginetest.Env, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return hits(env) == want }, 5*time.Second, 2*time.Millisecond,
		"counter never reached %d", want)
}

func waitRuns(t *testing.T, env *enginetest.Env, id string, want int) Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := storedJob(env, id)
		return ok && job.Runs == want
	}, 5*time.Second, 2*time.Millisecond, "job never reached %d runs", want)
	job, _ := storedJob(env, id)
	return job
}

var everyFiveMinutes = JobRequest{
	Expression: "*/5 * * * *",
	Target:     ir.Target{Service: "counter", Key: "c1", Handler: "hit"},
}

func TestCron_RunsOnScheduleUntilCancelled(t *testing.T) {
	env := enginetest.Start(t, Definition(), hitCounter())

	out, err := env.Invoke(t, Target("job-1", "create"), everyFiveMinutes)
	require.NoError(t, err)
	job, err := codec.Unmarshal[Job](out)
	require.NoError(t, err)
	assert.True(t, testutil.Epoch.Add(5*time.Minute).Equal(job.NextAt))
	assert.NotEmpty(t, job.NextID)

	// Nothing runs before the first scheduled time.
	env.Clock.Advance(4 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, hits(env))

	env.Clock.Advance(time.Minute)
	waitHits(t, env, 1)
	job = waitRuns(t, env, "job-1", 1)
	assert.True(t, testutil.Epoch.Add(10*time.Minute).Equal(job.NextAt))

	env.Clock.Advance(5 * time.Minute)
	waitHits(t, env, 2)
	waitRuns(t, env, "job-1", 2)

	_, err = env.Invoke(t, Target("job-1", "cancel"), nil)
	require.NoError(t, err)

	out, err = env.Invoke(t, Target("job-1", "get"), nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	// The tick already scheduled fires but finds no job.
	env.Clock.Advance(5 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, hits(env))
}

func TestCron_Get(t *testing.T) {
	env := enginetest.Start(t, Definition(), hitCounter())

	_, err := env.Invoke(t, Target("job-1", "create"), everyFiveMinutes)
	require.NoError(t, err)

	out, err := env.Invoke(t, Target("job-1", "get"), nil)
	require.NoError(t, err)
	job, err := codec.Unmarshal[Job](out)
	require.NoError(t, err)
	assert.Equal(t, everyFiveMinutes.Expression, job.Request.Expression)
	assert.Equal(t, everyFiveMinutes.Target, job.Request.Target)
	assert.Zero(t, job.Runs)
}

func TestCron_CreateRejects(t *testing.T) {
	env := enginetest.Start(t, Definition(), hitCounter())

	_, err := env.Invoke(t, Target("job-1", "create"), everyFiveMinutes)
	require.NoError(t, err)

	tests := []struct {
		name string
		id   string
		req  JobRequest
	}{
		{"duplicate job", "job-1", everyFiveMinutes},
		{"bad expression", "job-2", JobRequest{Expression: "every tuesday", Target: everyFiveMinutes.Target}},
		{"no target", "job-3", JobRequest{Expression: "* * * * *"}},
		{"never fires", "job-4", JobRequest{Expression: "0 0 0 1 1 * 1999", Target: everyFiveMinutes.Target}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Invoke(t, Target(tt.id, "create"), tt.req)
			assert.ErrorIs(t, err, ir.ErrTerminal)
		})
	}
}

func TestCron_CancelUnknownJob(t *testing.T) {
	env := enginetest.Start(t, Definition())

	_, err := env.Invoke(t, Target("nope", "cancel"), nil)
	assert.ErrorIs(t, err, ir.ErrNotFound)
}
