package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/ir"
)

// Typed wrappers over the JSON-level Context API.

// RunAs is RunOnce for a side effect producing a T.
func RunAs[T any](ctx *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	raw, err := ctx.RunOnce(name, func(c context.Context) (json.RawMessage, error) {
		v, err := fn(c)
		if err != nil {
			return nil, err
		}
		data, err := codec.Marshal(v)
		if err != nil {
			return nil, ir.TerminalError(err)
		}
		return data, nil
	})
	return decode[T](raw, err)
}

// CallAs calls target and decodes its output into O.
func CallAs[O any](ctx *Context, target ir.Target, input any) (O, error) {
	return decode[O](ctx.Call(target, input))
}

// GetAs reads a state field into T. ok is false when the field is absent.
func GetAs[T any](ctx *Context, key string) (value T, ok bool, err error) {
	raw, ok, err := ctx.Get(key)
	if err != nil || !ok {
		return value, ok, err
	}
	value, err = decode[T](raw, nil)
	return value, err == nil, err
}

// AwaitAs awaits an awakeable and decodes its value into T.
func AwaitAs[T any](a *Awakeable) (T, error) {
	return decode[T](a.Await())
}

// SleepUntil sleeps until t, which is journaled with the sleep.
func SleepUntil(ctx *Context, t time.Time) error {
	return ctx.Sleep(t.Sub(ctx.Now()))
}

func decode[T any](raw json.RawMessage, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, nil
	}
	v, err := codec.Unmarshal[T](raw)
	if err != nil {
		return zero, ir.TerminalError(err)
	}
	return v, nil
}
