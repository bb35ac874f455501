package sparse

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecutors(t *testing.T) {
	ctx := context.Background()

	out, err := Passthrough.Execute(ctx, []byte("same"))
	require.NoError(t, err)
	require.Equal(t, "same", string(out))

	upper := Transform(bytes.ToUpper)
	out, err = upper.Execute(ctx, []byte("shout"))
	require.NoError(t, err)
	require.Equal(t, "SHOUT", string(out))

	t.Run("chain", func(t *testing.T) {
		suffix := Transform(func(b []byte) []byte { return append(b, '!') })
		out, err := Chain(upper, Relay, suffix).Execute(ctx, []byte("go"))
		require.NoError(t, err)
		require.Equal(t, "GO!", string(out))
	})

	t.Run("chain stops at the first failure", func(t *testing.T) {
		boom := errors.New("boom")
		var calledAfter bool
		_, err := Chain(
			ExecutorFunc(func(context.Context, []byte) ([]byte, error) { return nil, boom }),
			ExecutorFunc(func(context.Context, []byte) ([]byte, error) {
				calledAfter = true
				return nil, nil
			}),
		).Execute(ctx, nil)
		require.ErrorIs(t, err, boom)
		require.False(t, calledAfter)
	})

	t.Run("chain honours cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Chain(Passthrough).Execute(cctx, nil)
		require.ErrorIs(t, err, context.Canceled)
	})
}
