package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestFIFOOrder verifies envelopes come out in the order they went in,
// for arbitrary batch sizes written in full before reading.
func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 64).Draw(t, "count")
		ch := New(count)
		ctx := context.Background()

		for i := 0; i < count; i++ {
			env := envelope.New(
				"seq", []byte(fmt.Sprintf("%d", i)),
			)
			require.NoError(t, ch.Write(ctx, env))
		}

		for i := 0; i < count; i++ {
			env, err := ch.Read(ctx)
			require.NoError(t, err)
			require.Equal(t,
				fmt.Sprintf("%d", i), string(env.Payload))
		}
	})
}

// TestWriteAfterCloseFails verifies writes to a closed channel report
// ErrClosed.
func TestWriteAfterCloseFails(t *testing.T) {
	t.Parallel()

	ch := New(1)
	ch.Close()

	err := ch.Write(context.Background(), envelope.New("x", nil))
	require.ErrorIs(t, err, ErrClosed)

	_, err = ch.TryWrite(envelope.New("x", nil))
	require.ErrorIs(t, err, ErrClosed)
}

// TestDrainThenEndOfStream verifies a closed channel still yields its
// pending envelopes before signalling end-of-stream.
func TestDrainThenEndOfStream(t *testing.T) {
	t.Parallel()

	ch := New(4)
	ctx := context.Background()

	require.NoError(t, ch.Write(ctx, envelope.New("a", nil)))
	require.NoError(t, ch.Write(ctx, envelope.New("b", nil)))
	ch.Close()

	env, err := ch.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", env.Type())

	env, err = ch.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", env.Type())

	_, err = ch.Read(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

// TestBoundedWriteBlocks verifies a full bounded channel applies
// backpressure until the reader catches up.
func TestBoundedWriteBlocks(t *testing.T) {
	t.Parallel()

	ch := New(1)
	ctx := context.Background()

	require.NoError(t, ch.Write(ctx, envelope.New("first", nil)))

	// The second write must block; give it a short deadline to prove
	// it.
	shortCtx, cancel := context.WithTimeout(
		ctx, 50*time.Millisecond,
	)
	defer cancel()

	err := ch.Write(shortCtx, envelope.New("second", nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Free a slot and the write goes through.
	_, err = ch.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.Write(ctx, envelope.New("second", nil)))
}

// TestTryWriteFullChannel verifies TryWrite reports a full channel
// without blocking.
func TestTryWriteFullChannel(t *testing.T) {
	t.Parallel()

	ch := New(1)
	ok, err := ch.TryWrite(envelope.New("a", nil))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ch.TryWrite(envelope.New("b", nil))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestReceiveIteratorStopsOnClose verifies the iterator form terminates
// once the channel closes and drains.
func TestReceiveIteratorStopsOnClose(t *testing.T) {
	t.Parallel()

	ch := New(4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Write(
			ctx, envelope.New("n", nil),
		))
	}
	ch.Close()

	var got int
	for range ch.Receive(ctx) {
		got++
	}
	require.Equal(t, 3, got)
}

// TestConcurrentWritersSingleReader verifies no envelopes are lost or
// duplicated under concurrent writers.
func TestConcurrentWritersSingleReader(t *testing.T) {
	t.Parallel()

	const writers = 8
	const perWriter = 50

	ch := New(16)
	ctx := context.Background()

	for w := 0; w < writers; w++ {
		go func(w int) {
			for i := 0; i < perWriter; i++ {
				_ = ch.Write(ctx, envelope.New(
					"n",
					[]byte(fmt.Sprintf("%d-%d", w, i)),
				))
			}
		}(w)
	}

	seen := make(map[string]bool)
	for i := 0; i < writers*perWriter; i++ {
		env, err := ch.Read(ctx)
		require.NoError(t, err)
		key := string(env.Payload)
		require.False(t, seen[key], "duplicate %s", key)
		seen[key] = true
	}
	require.Len(t, seen, writers*perWriter)
}
