// Package transport defines the pluggable delivery layer of the mesh. A
// Transport can publish an envelope to an address, subscribe to envelopes
// for an address pattern, and open reply channels; the request/reply
// "channel" operation is implemented once on top of those primitives so
// that every binding behaves identically. Three bindings exist: the
// in-process binding in this package, the HTTP gateway binding in httpgw,
// and the broker binding in broker. Swapping bindings must require no
// agent changes.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
)

var (
	// ErrNoAgent indicates the destination name is not registered in any
	// reachable runtime.
	ErrNoAgent = errors.New("no agent registered for destination")

	// ErrTimeout indicates a deadline expired before a reply (or the
	// first stream chunk) arrived.
	ErrTimeout = errors.New("request timed out")

	// ErrTransportFailure indicates a connectivity or protocol-level
	// failure of the underlying binding.
	ErrTransportFailure = errors.New("transport failure")
)

// Handler is invoked by a transport for each envelope delivered to a
// subscription. Handlers are called from transport-owned goroutines; the
// ordering contract is FIFO per (sender, receiver) pair and nothing across
// pairs.
type Handler func(ctx context.Context, env *envelope.Envelope)

// Subscription is the handle returned by Subscribe. Unsubscribing stops
// delivery; envelopes already handed to the handler are unaffected.
type Subscription interface {
	// Pattern returns the address pattern this subscription was created
	// for.
	Pattern() envelope.Address

	// Unsubscribe removes the subscription from the transport.
	Unsubscribe() error
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// SubscribeOptions holds the resolved subscription configuration.
type SubscribeOptions struct {
	// Broadcast requests delivery to every subscriber of the pattern
	// rather than load-balancing across them. Discovery uses this; the
	// broker binding omits the queue group for broadcast subscriptions.
	Broadcast bool
}

// WithBroadcast marks the subscription as a broadcast subscription.
func WithBroadcast() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Broadcast = true
	}
}

// ResolveSubscribeOptions folds a list of options into the resolved
// configuration. Bindings call this so defaults live in one place.
func ResolveSubscribeOptions(opts []SubscribeOption) SubscribeOptions {
	var resolved SubscribeOptions
	for _, opt := range opts {
		opt(&resolved)
	}

	return resolved
}

// Transport is the abstract delivery capability the runtime is built on.
// All bindings must be indistinguishable to an agent: same envelope, same
// per-pair FIFO ordering, same error taxonomy.
type Transport interface {
	// Publish delivers an envelope to the destination address. When
	// probe is set, publish fails fast with ErrNoAgent if no subscriber
	// exists for the destination name.
	Publish(ctx context.Context, dst envelope.Address,
		env *envelope.Envelope, probe bool) error

	// Subscribe installs a handler for envelopes addressed to the
	// pattern.
	Subscribe(ctx context.Context, pattern envelope.Address,
		handler Handler, opts ...SubscribeOption) (Subscription, error)

	// OpenReplyChannel allocates a private reply address and the channel
	// envelopes published to it are delivered on. Closing the channel
	// releases the address. On the in-process binding later publishes
	// to it fail with channel.ErrClosed; the broker and gateway bindings
	// accept such publishes and drop the envelopes.
	OpenReplyChannel(ctx context.Context) (envelope.Address,
		*channel.Channel, error)

	// Close tears down the transport and all its subscriptions.
	Close() error
}

// ReqOptions configures a request/reply exchange.
type ReqOptions struct {
	// Timeout bounds the wait for the reply (unary) or the first stream
	// chunk (streaming). Zero means DefaultRequestTimeout.
	Timeout time.Duration

	// Probe makes the publish fail fast with ErrNoAgent when the
	// destination has no subscriber.
	Probe bool
}

// DefaultRequestTimeout is the deadline applied to request/reply exchanges
// when the caller does not choose one.
const DefaultRequestTimeout = 10 * time.Second

func (o ReqOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultRequestTimeout
	}

	return o.Timeout
}
