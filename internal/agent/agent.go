// Package agent defines the contract an addressable message receiver
// implements, together with the reply sinks its receive hook uses to
// produce unary or streaming responses. Agents hold only a lookup Handle
// back into the runtime for addressing peers; the runtime owns the
// instance, never the other way around.
package agent

import (
	"context"

	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/transport"
)

// Agent is a stateful addressable receiver with a lifecycle. The runtime
// guarantees the hooks run serially per instance: Started once after
// activation, Receive once per inbound envelope in delivery order, and
// Stopped once before deactivation. Agents therefore need no internal
// locking.
//
// Receive may produce nothing (fire-and-forget), a single reply via
// ReplySink.Reply, or a sequence of replies via ReplySink.Stream. An error
// returned from Receive is caught by the instance's driver task, converted
// to an error reply when one was expected, and logged; the instance stays
// alive.
type Agent interface {
	// Started is called exactly once after activation, before the first
	// envelope is delivered. The handle lets the agent address peers for
	// the rest of its life.
	Started(ctx context.Context, h Handle) error

	// Receive is called for each inbound envelope.
	Receive(ctx context.Context, env *envelope.Envelope,
		sink ReplySink) error

	// Stopped is called exactly once before deactivation, after the
	// final Receive returns.
	Stopped(ctx context.Context) error
}

// Handle is the narrow lookup capability an agent uses to address other
// agents through its runtime. It deliberately exposes no lifecycle or
// registry operations.
type Handle interface {
	// Channel performs a unary request/reply exchange with another
	// agent.
	Channel(ctx context.Context, dst envelope.Address,
		env *envelope.Envelope,
		opts transport.ReqOptions) (*envelope.Envelope, error)

	// ChannelStream performs a streaming request/reply exchange. The
	// returned channel ends after the terminal frame.
	ChannelStream(ctx context.Context, dst envelope.Address,
		env *envelope.Envelope,
		opts transport.ReqOptions) (*channel.Channel, error)

	// Publish sends an envelope without expecting a reply.
	Publish(ctx context.Context, dst envelope.Address,
		env *envelope.Envelope) error

	// Discover lists the registered agent names under the namespace
	// prefix, aggregated across reachable runtimes.
	Discover(ctx context.Context, namespace string) ([]string, error)
}
