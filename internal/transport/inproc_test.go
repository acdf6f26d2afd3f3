package transport

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/stretchr/testify/require"
)

// echoSubscriber installs a handler that answers every request with its
// own payload.
func echoSubscriber(t *testing.T, tr Transport, name string) {
	t.Helper()

	_, err := tr.Subscribe(
		context.Background(), envelope.NewAddress(name),
		func(ctx context.Context, env *envelope.Envelope) {
			replyTo, ok := env.ReplyTo()
			if !ok {
				return
			}
			reply := envelope.New("echo.reply", env.Payload)
			_ = tr.Publish(ctx, replyTo, reply, false)
		},
	)
	require.NoError(t, err)
}

// TestInProcPublishSubscribe verifies basic delivery to a subscribed
// handler.
func TestInProcPublishSubscribe(t *testing.T) {
	t.Parallel()

	tr := NewInProc()
	defer func() {
		require.NoError(t, tr.Close())
	}()

	received := make(chan *envelope.Envelope, 1)
	_, err := tr.Subscribe(
		context.Background(), envelope.NewAddress("sink"),
		func(_ context.Context, env *envelope.Envelope) {
			received <- env
		},
	)
	require.NoError(t, err)

	err = tr.Publish(
		context.Background(), envelope.NewAddress("sink"),
		envelope.New("note", []byte("hello")), false,
	)
	require.NoError(t, err)

	select {
	case env := <-received:
		require.Equal(t, "hello", string(env.Payload))

	case <-time.After(time.Second):
		t.Fatal("envelope never delivered")
	}
}

// TestInProcProbeNoAgent verifies a probed publish to an unknown name
// fails fast with NoAgent while a plain publish is silently dropped.
func TestInProcProbeNoAgent(t *testing.T) {
	t.Parallel()

	tr := NewInProc()
	defer func() {
		require.NoError(t, tr.Close())
	}()

	env := envelope.New("note", nil)
	dst := envelope.NewAddress("nobody")

	err := tr.Publish(context.Background(), dst, env, true)
	require.ErrorIs(t, err, ErrNoAgent)

	err = tr.Publish(context.Background(), dst, env, false)
	require.NoError(t, err)
}

// TestInProcUnaryChannel verifies the request/reply helper end to end.
func TestInProcUnaryChannel(t *testing.T) {
	t.Parallel()

	tr := NewInProc()
	defer func() {
		require.NoError(t, tr.Close())
	}()

	echoSubscriber(t, tr, "echo")

	reply, err := Channel(
		context.Background(), tr, envelope.NewAddress("echo"),
		envelope.New("echo.req", []byte("hi")),
		ReqOptions{Timeout: time.Second, Probe: true},
	)
	require.NoError(t, err)
	require.Equal(t, "hi", string(reply.Payload))
}

// TestInProcUnaryTimeout verifies a silent responder yields Timeout and
// nothing worse.
func TestInProcUnaryTimeout(t *testing.T) {
	t.Parallel()

	tr := NewInProc()
	defer func() {
		require.NoError(t, tr.Close())
	}()

	_, err := tr.Subscribe(
		context.Background(), envelope.NewAddress("mute"),
		func(context.Context, *envelope.Envelope) {},
	)
	require.NoError(t, err)

	_, err = Channel(
		context.Background(), tr, envelope.NewAddress("mute"),
		envelope.New("req", nil),
		ReqOptions{Timeout: 50 * time.Millisecond},
	)
	require.ErrorIs(t, err, ErrTimeout)
}

// TestInProcStreamTermination verifies a streamed reply arrives in order
// and ends exactly at the terminate frame.
func TestInProcStreamTermination(t *testing.T) {
	t.Parallel()

	tr := NewInProc()
	defer func() {
		require.NoError(t, tr.Close())
	}()

	chunks := []string{"alpha", "beta", "gamma"}
	_, err := tr.Subscribe(
		context.Background(), envelope.NewAddress("streamer"),
		func(ctx context.Context, env *envelope.Envelope) {
			replyTo, ok := env.ReplyTo()
			if !ok {
				return
			}
			for _, chunk := range chunks {
				frame := envelope.New(
					"chunk", []byte(chunk),
				)
				frame.Set(
					envelope.HeaderStream, envelope.Flag,
				)
				_ = tr.Publish(ctx, replyTo, frame, false)
			}
			terminal := envelope.New("chunk", nil)
			terminal.Set(
				envelope.HeaderTerminate, envelope.Flag,
			)
			_ = tr.Publish(ctx, replyTo, terminal, false)
		},
	)
	require.NoError(t, err)

	stream, err := ChannelStream(
		context.Background(), tr, envelope.NewAddress("streamer"),
		envelope.New("req", nil),
		ReqOptions{Timeout: time.Second, Probe: true},
	)
	require.NoError(t, err)

	var got []string
	var sawTerminal bool
	for frame := range stream.Receive(context.Background()) {
		if frame.IsTerminate() {
			sawTerminal = true
			continue
		}
		got = append(got, string(frame.Payload))
	}

	require.True(t, sawTerminal, "stream must end with terminate frame")
	require.Equal(t, chunks, got)

	// Fully drained and closed afterwards.
	_, err = stream.Read(context.Background())
	require.ErrorIs(t, err, channel.ErrClosed)
}

// TestInProcStreamFirstChunkTimeout verifies a stream whose producer
// never sends ends with a terminating timeout error frame.
func TestInProcStreamFirstChunkTimeout(t *testing.T) {
	t.Parallel()

	tr := NewInProc()
	defer func() {
		require.NoError(t, tr.Close())
	}()

	_, err := tr.Subscribe(
		context.Background(), envelope.NewAddress("mute"),
		func(context.Context, *envelope.Envelope) {},
	)
	require.NoError(t, err)

	stream, err := ChannelStream(
		context.Background(), tr, envelope.NewAddress("mute"),
		envelope.New("req", nil),
		ReqOptions{Timeout: 50 * time.Millisecond},
	)
	require.NoError(t, err)

	frame, err := stream.Read(context.Background())
	require.NoError(t, err)
	require.True(t, frame.IsTerminate())
	require.ErrorContains(t, frame.Err(), "timed out")
}

// TestInProcClosedReplyChannel verifies a publish to a closed reply
// address reports ChannelClosed, the abandon-work signal for callees.
func TestInProcClosedReplyChannel(t *testing.T) {
	t.Parallel()

	tr := NewInProc()
	defer func() {
		require.NoError(t, tr.Close())
	}()

	addr, replyCh, err := tr.OpenReplyChannel(context.Background())
	require.NoError(t, err)
	replyCh.Close()

	err = tr.Publish(
		context.Background(), addr, envelope.New("late", nil), false,
	)
	require.ErrorIs(t, err, channel.ErrClosed)
}

// TestInProcPerPairFIFO verifies per-receiver delivery order matches
// publish order for a single sender.
func TestInProcPerPairFIFO(t *testing.T) {
	t.Parallel()

	tr := NewInProc()
	defer func() {
		require.NoError(t, tr.Close())
	}()

	const total = 200

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_, err := tr.Subscribe(
		context.Background(), envelope.NewAddress("ordered"),
		func(_ context.Context, env *envelope.Envelope) {
			mu.Lock()
			got = append(got, string(env.Payload))
			if len(got) == total {
				close(done)
			}
			mu.Unlock()
		},
	)
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		env := envelope.New("seq", []byte(strconv.Itoa(i)))
		require.NoError(t, tr.Publish(
			context.Background(),
			envelope.NewAddress("ordered"), env, false,
		))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all envelopes delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < total; i++ {
		require.Equal(t, strconv.Itoa(i), got[i])
	}
}
