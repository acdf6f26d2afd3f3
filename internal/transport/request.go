package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
)

// Channel performs a unary request/reply exchange: it opens a reply
// channel, stamps reply_to with the reply address, publishes the envelope,
// and waits for the first reply. The exchange times out with ErrTimeout if
// no reply arrives within the configured interval. Error replies from the
// callee are converted into a returned error.
//
// The callee is never forcibly interrupted on timeout; the caller-side
// reply channel is closed. On the in-process binding a late publish to the
// reply address then fails with channel.ErrClosed, which a well-behaved
// agent treats as a signal to abandon the work; the broker and gateway
// bindings drop late replies without reporting an error.
func Channel(ctx context.Context, tr Transport, dst envelope.Address,
	env *envelope.Envelope, opts ReqOptions) (*envelope.Envelope, error) {

	if err := dst.Validate(); err != nil {
		return nil, err
	}

	replyAddr, replyCh, err := tr.OpenReplyChannel(ctx)
	if err != nil {
		return nil, err
	}
	defer replyCh.Close()

	req := env.Clone()
	req.Set(envelope.HeaderReplyTo, replyAddr.String())
	req.Set(envelope.HeaderTo, dst.String())

	if err := tr.Publish(ctx, dst, req, opts.Probe); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	reply, err := replyCh.Read(waitCtx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout

	case err != nil:
		return nil, err
	}

	if replyErr := reply.Err(); replyErr != nil {
		return nil, replyErr
	}

	return reply, nil
}

// ChannelStream performs a streaming request/reply exchange. The returned
// channel lazily yields reply envelopes, ending after the frame that
// carries terminate=1 (the terminal frame itself is yielded, since it may
// carry the final chunk). If the first chunk does not arrive within the
// configured interval, the stream ends with a terminating error frame
// reporting the timeout; if the reply channel closes without a terminal
// frame, the stream simply ends, which readers observe as ErrClosed.
func ChannelStream(ctx context.Context, tr Transport, dst envelope.Address,
	env *envelope.Envelope, opts ReqOptions) (*channel.Channel, error) {

	if err := dst.Validate(); err != nil {
		return nil, err
	}

	replyAddr, replyCh, err := tr.OpenReplyChannel(ctx)
	if err != nil {
		return nil, err
	}

	req := env.Clone()
	req.Set(envelope.HeaderReplyTo, replyAddr.String())
	req.Set(envelope.HeaderTo, dst.String())
	req.Set(envelope.HeaderStream, envelope.Flag)

	if err := tr.Publish(ctx, dst, req, opts.Probe); err != nil {
		replyCh.Close()
		return nil, err
	}

	out := channel.New(channel.DefaultCapacity)

	go pumpStream(ctx, replyCh, out, opts)

	return out, nil
}

// pumpStream copies reply envelopes onto the caller-facing stream until a
// terminal frame arrives or either side goes away. It owns the cleanup of
// both channels.
func pumpStream(ctx context.Context, replyCh, out *channel.Channel,
	opts ReqOptions) {

	defer replyCh.Close()
	defer out.Close()

	first := true
	for {
		readCtx := ctx
		var cancel context.CancelFunc

		// Only the wait for the first chunk is bounded by the request
		// timeout; after the stream is flowing, the caller's context
		// governs.
		if first {
			readCtx, cancel = context.WithTimeout(
				ctx, opts.timeout(),
			)
		}

		env, err := replyCh.Read(readCtx)
		if cancel != nil {
			cancel()
		}

		switch {
		case first && errors.Is(err, context.DeadlineExceeded):
			timeoutErr := fmt.Errorf(
				"%w: no stream chunk received", ErrTimeout,
			)
			// Best effort: the caller may have stopped reading.
			_, _ = out.TryWrite(envelope.NewError(timeoutErr))
			return

		case err != nil:
			return
		}
		first = false

		if err := out.Write(ctx, env); err != nil {
			return
		}

		if env.IsTerminate() {
			return
		}
	}
}
