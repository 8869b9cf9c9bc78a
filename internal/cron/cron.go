// Package cron runs recurring jobs on the durable engine.
//
// A job is a virtual object keyed by job ID. Each run is a delayed send of
// the object's own tick handler, so schedules survive restarts through the
// engine's timer table and need no scheduler process of their own. Clock
// readings go through the handler's journaled Now, which keeps replays of a
// tick on the schedule they originally computed.
package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
)

// ObjectName is the service name jobs are registered under.
const ObjectName = "cron"

const jobField = "job"

// JobRequest describes a job: when it runs and what it calls.
type JobRequest struct {
	// Expression is a cron expression with five to seven fields.
	Expression string          `json:"expression"`
	Target     ir.Target       `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Job is the stored state of a scheduled job.
type Job struct {
	Request JobRequest `json:"request"`
	NextAt  time.Time  `json:"next_at"`
	// NextID is the invocation ID of the pending tick. Ticks carrying any
	// other ID belong to a cancelled or replaced schedule and do nothing.
	NextID string `json:"next_id"`
	Runs   int    `json:"runs"`
}

// Definition returns the cron object for registration with an engine.
func Definition() *engine.Definition {
	return engine.NewObject(ObjectName).
		Handler("create", engine.Handler(create)).
		Handler("tick", tick).
		Handler("cancel", cancel).
		Shared("get", get)
}

// Target addresses handler on the job named id.
func Target(id, handler string) ir.Target {
	return ir.Target{Service: ObjectName, Key: id, Handler: handler}
}

func create(ctx *engine.Context, req JobRequest) (Job, error) {
	if _, exists, err := engine.GetAs[Job](ctx, jobField); err != nil {
		return Job{}, err
	} else if exists {
		return Job{}, ir.TerminalError(fmt.Errorf("job %q already exists", ctx.Key()))
	}
	if req.Target.Service == "" || req.Target.Handler == "" {
		return Job{}, ir.TerminalError(errors.New("job target needs a service and a handler"))
	}
	return schedule(ctx, Job{Request: req})
}

func tick(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
	job, ok, err := engine.GetAs[Job](ctx, jobField)
	if err != nil {
		return nil, err
	}
	if !ok || job.NextID != ctx.InvocationID() {
		ctx.Logger().Debug("stale cron tick ignored", "job", ctx.Key(), "invocation_id", ctx.InvocationID())
		return nil, nil
	}

	if _, err := ctx.Send(job.Request.Target, job.Request.Payload); err != nil {
		return nil, err
	}
	job.Runs++
	_, err = schedule(ctx, job)
	return nil, err
}

func cancel(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
	_, ok, err := ctx.Get(jobField)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ir.Errorf(ir.CodeNotFound, "job %q not found", ctx.Key())
	}
	return nil, ctx.ClearAll()
}

func get(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
	raw, _, err := ctx.Get(jobField)
	return raw, err
}

// schedule computes the next run after the journaled current time, sends the
// delayed tick and stores the job.
func schedule(ctx *engine.Context, job Job) (Job, error) {
	expr, err := cronexpr.Parse(job.Request.Expression)
	if err != nil {
		return Job{}, ir.TerminalError(fmt.Errorf("invalid cron expression %q: %w", job.Request.Expression, err))
	}
	now := ctx.Now()
	next := expr.Next(now)
	if next.IsZero() {
		return Job{}, ir.TerminalError(fmt.Errorf("cron expression %q never fires after %s", job.Request.Expression, now.Format(time.RFC3339)))
	}

	id, err := ctx.SendDelayed(Target(ctx.Key(), "tick"), nil, next.Sub(now))
	if err != nil {
		return Job{}, err
	}
	job.NextAt = next
	job.NextID = id
	if err := ctx.Set(jobField, job); err != nil {
		return Job{}, err
	}
	ctx.Logger().Info("cron job scheduled", "job", ctx.Key(), "next_at", next, "runs", job.Runs)
	return job, nil
}
