package sparse

import (
	"context"
)

// Executor runs the computation of a pipeline stage. The payloads are
// opaque to the pipeline.
//
// Implementations must be safe for concurrent use: a worker runs every
// task it receives in its own goroutine.
type Executor interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

// ExecutorFunc adapts a function to an `Executor`.
type ExecutorFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Passthrough returns the payload unchanged.
var Passthrough Executor = ExecutorFunc(func(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
})

// Relay is used by hops which only forward tasks to their downstream.
var Relay = Passthrough

// Transform maps the payload without failing and without looking at the
// context, handy for cheap stages.
func Transform(fn func([]byte) []byte) Executor {
	return ExecutorFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		return fn(payload), nil
	})
}

// Chain runs executors one after the other, each one receiving the output
// of the previous one. It stops at the first failure.
func Chain(execs ...Executor) Executor {
	return ExecutorFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		var err error
		for _, exec := range execs {
			if err = ctx.Err(); err != nil {
				return nil, err
			}
			payload, err = exec.Execute(ctx, payload)
			if err != nil {
				return nil, err
			}
		}
		return payload, nil
	})
}
