package agent

import (
	"context"

	"github.com/roasbeef/agentmesh/internal/envelope"
)

// Func adapts plain functions into an Agent. Nil hooks are no-ops, which
// keeps test agents and small responders terse.
type Func struct {
	// OnStarted runs once after activation.
	OnStarted func(ctx context.Context, h Handle) error

	// OnReceive runs for each inbound envelope.
	OnReceive func(ctx context.Context, env *envelope.Envelope,
		sink ReplySink) error

	// OnStopped runs once before deactivation.
	OnStopped func(ctx context.Context) error
}

// Started implements Agent.
func (f *Func) Started(ctx context.Context, h Handle) error {
	if f.OnStarted == nil {
		return nil
	}

	return f.OnStarted(ctx, h)
}

// Receive implements Agent.
func (f *Func) Receive(ctx context.Context, env *envelope.Envelope,
	sink ReplySink) error {

	if f.OnReceive == nil {
		return nil
	}

	return f.OnReceive(ctx, env, sink)
}

// Stopped implements Agent.
func (f *Func) Stopped(ctx context.Context) error {
	if f.OnStopped == nil {
		return nil
	}

	return f.OnStopped(ctx)
}

// ResponderFunc computes the unary reply for one request envelope.
type ResponderFunc func(ctx context.Context,
	env *envelope.Envelope) (*envelope.Envelope, error)

// Responder wraps a pure request/reply function as a stateless agent: no
// per-instance state beyond the closure, session ids ignored, a single
// shared instance per name. Fire-and-forget envelopes are still handed to
// the function; their computed reply is discarded.
func Responder(respond ResponderFunc) Agent {
	return &Func{
		OnReceive: func(ctx context.Context, env *envelope.Envelope,
			sink ReplySink) error {

			reply, err := respond(ctx, env)
			if err != nil {
				return err
			}
			if reply == nil || !sink.Expected() {
				return nil
			}

			return sink.Reply(ctx, reply)
		},
	}
}
