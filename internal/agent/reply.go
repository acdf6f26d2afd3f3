package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/transport"
)

// ErrNoReplyExpected indicates a reply was attempted for an envelope that
// carried no reply_to header.
var ErrNoReplyExpected = errors.New("envelope expects no reply")

// ErrAlreadyReplied indicates a second reply was attempted for an envelope
// that already received its unary reply or opened its stream.
var ErrAlreadyReplied = errors.New("envelope already replied to")

// ReplySink is how a receive hook produces its response. A given sink
// accepts either exactly one Reply or one Stream; mixing or repeating
// fails with ErrAlreadyReplied.
type ReplySink interface {
	// Expected reports whether the inbound envelope asked for a reply at
	// all. Fire-and-forget envelopes return false.
	Expected() bool

	// Reply publishes a single reply envelope to the sender's reply
	// address.
	Reply(ctx context.Context, env *envelope.Envelope) error

	// Stream opens a streaming reply. The caller must Close the returned
	// writer to emit the terminal frame.
	Stream() (StreamWriter, error)

	// Fail publishes a terminating error reply. Unlike Reply it works
	// even after a stream was opened, so a mid-stream failure still
	// reaches the caller as a terminating frame.
	Fail(ctx context.Context, failure error) error
}

// StreamWriter emits the chunks of a streaming reply. Every stream must be
// closed, which publishes exactly one frame bearing terminate=1. A Send
// that fails with channel.ErrClosed means the caller abandoned the
// request; well-behaved agents stop producing at that point.
type StreamWriter interface {
	// Send publishes one chunk of the stream.
	Send(ctx context.Context, env *envelope.Envelope) error

	// Close ends the stream. When a final envelope is supplied it
	// becomes the terminal frame (with terminate=1 stamped on it);
	// otherwise a bare terminal frame is sent.
	Close(ctx context.Context, final fn.Option[*envelope.Envelope]) error
}

// NewReplySink builds the sink the instance driver hands to Receive for a
// single inbound envelope. Publishing goes through the instance's
// transport so replies take the same path as any other envelope.
func NewReplySink(tr transport.Transport, inbound *envelope.Envelope,
	sessionID string) ReplySink {

	replyTo, ok := inbound.ReplyTo()

	return &replySink{
		transport: tr,
		replyTo:   replyTo,
		expected:  ok,
		sessionID: sessionID,
	}
}

// replySink is the single-use ReplySink implementation.
type replySink struct {
	transport transport.Transport
	replyTo   envelope.Address
	expected  bool
	sessionID string
	used      bool
}

// Expected reports whether the inbound envelope carried a reply address.
func (s *replySink) Expected() bool {
	return s.expected
}

// stamp attaches the correlation headers every outbound reply carries.
func (s *replySink) stamp(env *envelope.Envelope) *envelope.Envelope {
	out := env.Clone()
	if s.sessionID != "" {
		out.Set(envelope.HeaderSessionID, s.sessionID)
	}

	return out
}

// Reply publishes the single unary reply.
func (s *replySink) Reply(ctx context.Context, env *envelope.Envelope) error {
	if !s.expected {
		return ErrNoReplyExpected
	}
	if s.used {
		return ErrAlreadyReplied
	}
	s.used = true

	return s.transport.Publish(ctx, s.replyTo, s.stamp(env), false)
}

// Stream opens the streaming reply writer.
func (s *replySink) Stream() (StreamWriter, error) {
	if !s.expected {
		return nil, ErrNoReplyExpected
	}
	if s.used {
		return nil, ErrAlreadyReplied
	}
	s.used = true

	return &streamWriter{sink: s}, nil
}

// Fail publishes the terminating error reply for a failed request. It is
// deliberately exempt from the single-use check so the driver can report a
// hook failure that happened mid-stream.
func (s *replySink) Fail(ctx context.Context, failure error) error {
	if !s.expected {
		return ErrNoReplyExpected
	}
	s.used = true

	return s.transport.Publish(
		ctx, s.replyTo, s.stamp(envelope.NewError(failure)), false,
	)
}

// streamWriter publishes stream chunks to the reply address and stamps the
// terminal frame on Close.
type streamWriter struct {
	sink   *replySink
	closed bool
}

// Send publishes one chunk with the stream flag set.
func (w *streamWriter) Send(ctx context.Context,
	env *envelope.Envelope) error {

	if w.closed {
		return fmt.Errorf("stream writer: %w", ErrAlreadyReplied)
	}

	out := w.sink.stamp(env)
	out.Set(envelope.HeaderStream, envelope.Flag)

	return w.sink.transport.Publish(ctx, w.sink.replyTo, out, false)
}

// Close emits the terminal frame. Closing twice is a no-op.
func (w *streamWriter) Close(ctx context.Context,
	final fn.Option[*envelope.Envelope]) error {

	if w.closed {
		return nil
	}
	w.closed = true

	terminal := final.UnwrapOr(envelope.New("", nil))
	out := w.sink.stamp(terminal)
	out.Set(envelope.HeaderStream, envelope.Flag)
	out.Set(envelope.HeaderTerminate, envelope.Flag)

	return w.sink.transport.Publish(ctx, w.sink.replyTo, out, false)
}
