// Package broker implements the pub/sub transport binding on top of a
// NATS broker. Addresses map to subjects under a shared prefix, agent
// subscriptions join a queue group keyed by the agent name so multiple
// runtimes hosting the same agent load-balance, broadcast subscriptions
// (discovery, control) omit the queue group, and reply channels use
// private inbox subjects.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/transport"
)

const (
	// subjectPrefix namespaces all mesh traffic on the broker.
	subjectPrefix = "mesh."

	// probeWait is how long a probe publish waits for the broker's
	// no-responders status before concluding a subscriber exists.
	probeWait = 250 * time.Millisecond

	// defaultBackoffCap caps the reconnect delay when the config does
	// not choose a ceiling.
	defaultBackoffCap = 30 * time.Second

	// baseReconnectDelay seeds the exponential reconnect backoff.
	baseReconnectDelay = 100 * time.Millisecond
)

// Config holds the broker binding options.
type Config struct {
	// URL is the broker endpoint, e.g. nats://localhost:4222.
	URL string

	// Name identifies this connection to the broker for monitoring.
	Name string

	// ReconnectBackoffCap is the ceiling for the reconnect delay.
	ReconnectBackoffCap time.Duration
}

// Broker is the NATS-backed Transport implementation.
type Broker struct {
	nc *nats.Conn

	// mu protects replies.
	mu sync.Mutex

	// replies maps an open inbox subject to the subscription feeding its
	// delivery channel, so the binding can tear it down when the channel
	// closes.
	replies map[string]*nats.Subscription
}

// New connects to the broker and returns the transport binding.
// Reconnects are retried forever with exponential backoff capped at the
// configured ceiling; while disconnected, publishes buffer in the client
// and flush on reconnect.
func New(cfg Config) (*Broker, error) {
	backoffCap := cfg.ReconnectBackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			delay := baseReconnectDelay << uint(attempts)
			if delay <= 0 || delay > backoffCap {
				delay = backoffCap
			}

			return delay
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WarnS(context.Background(),
				"Broker connection lost", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.InfoS(context.Background(), "Broker reconnected",
				"url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v",
			transport.ErrTransportFailure, cfg.URL, err)
	}

	log.InfoS(context.Background(), "Broker transport connected",
		"url", nc.ConnectedUrl())

	return &Broker{
		nc:      nc,
		replies: make(map[string]*nats.Subscription),
	}, nil
}

// subjectFor derives the broker subject from an address: the canonical
// "name[.id][.type]" encoding under the mesh prefix. Inbox reply
// addresses are already complete subjects and pass through untouched.
func subjectFor(dst envelope.Address) string {
	if strings.HasPrefix(dst.Name, nats.InboxPrefix) {
		return dst.Name
	}

	return subjectPrefix + dst.String()
}

// toWire converts an envelope into a broker message.
func toWire(subject string, env *envelope.Envelope) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = env.Payload
	for key, value := range env.Header {
		msg.Header.Set(key, value)
	}

	return msg
}

// fromWire converts a broker message back into an envelope.
func fromWire(msg *nats.Msg) *envelope.Envelope {
	env := &envelope.Envelope{
		Header:  make(map[string]string, len(msg.Header)),
		Payload: msg.Data,
	}
	for key := range msg.Header {
		env.Header[key] = msg.Header.Get(key)
	}

	return env
}

// Publish delivers an envelope to the subject derived from the
// destination. With probe set, the broker's no-responders status is used
// to fail fast with ErrNoAgent when nothing subscribes to the subject.
func (b *Broker) Publish(ctx context.Context, dst envelope.Address,
	env *envelope.Envelope, probe bool) error {

	if err := dst.Validate(); err != nil {
		return err
	}

	subject := subjectFor(dst)
	msg := toWire(subject, env)

	if probe {
		return b.probePublish(ctx, msg)
	}

	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: publish %s: %v",
			transport.ErrTransportFailure, subject, err)
	}

	return nil
}

// probePublish publishes with a throwaway reply inbox attached so the
// broker reports a 503 no-responders status if the subject has no
// subscribers. Agents never answer on the broker-level reply subject, so
// silence within the probe window means the envelope found a subscriber.
func (b *Broker) probePublish(ctx context.Context, msg *nats.Msg) error {
	inbox := b.nc.NewRespInbox()
	sub, err := b.nc.SubscribeSync(inbox)
	if err != nil {
		return fmt.Errorf("%w: probe inbox: %v",
			transport.ErrTransportFailure, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	msg.Reply = inbox
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: publish %s: %v",
			transport.ErrTransportFailure, msg.Subject, err)
	}

	status, err := sub.NextMsg(probeWait)
	switch {
	case errors.Is(err, nats.ErrTimeout):
		// No status within the window: a subscriber took delivery.
		return nil

	case errors.Is(err, nats.ErrNoResponders):
		// The client reports the 503 status as an error itself.
		return fmt.Errorf("%w: %s", transport.ErrNoAgent, msg.Subject)

	case err != nil:
		return fmt.Errorf("%w: probe: %v",
			transport.ErrTransportFailure, err)
	}

	if status.Header.Get("Status") == noRespondersStatus {
		return fmt.Errorf("%w: %s", transport.ErrNoAgent, msg.Subject)
	}

	return nil
}

// noRespondersStatus is the broker status code for a publish that reached
// no subscriber.
const noRespondersStatus = "503"

// brokerSub wraps the underlying subject subscriptions for one pattern.
type brokerSub struct {
	pattern envelope.Address
	subs    []*nats.Subscription
}

// Pattern returns the address pattern this subscription was created for.
func (s *brokerSub) Pattern() envelope.Address {
	return s.pattern
}

// Unsubscribe removes the subject subscriptions.
func (s *brokerSub) Unsubscribe() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Subscribe installs a handler for the pattern name. Two subjects cover
// the address space: the bare name, and the name's subtree for envelopes
// addressed with an instance id or type suffix. Unicast subscriptions
// join the queue group keyed by the name so multiple runtimes hosting the
// agent load-balance; broadcast subscriptions omit the group.
func (b *Broker) Subscribe(ctx context.Context, pattern envelope.Address,
	handler transport.Handler,
	opts ...transport.SubscribeOption) (transport.Subscription, error) {

	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	resolved := transport.ResolveSubscribeOptions(opts)

	cb := func(msg *nats.Msg) {
		handler(ctx, fromWire(msg))
	}

	subjects := []string{
		subjectPrefix + pattern.Name,
		subjectPrefix + pattern.Name + ".>",
	}

	wrapper := &brokerSub{pattern: pattern}
	for _, subject := range subjects {
		var (
			sub *nats.Subscription
			err error
		)
		if resolved.Broadcast {
			sub, err = b.nc.Subscribe(subject, cb)
		} else {
			sub, err = b.nc.QueueSubscribe(
				subject, pattern.Name, cb,
			)
		}
		if err != nil {
			_ = wrapper.Unsubscribe()

			return nil, fmt.Errorf("%w: subscribe %s: %v",
				transport.ErrTransportFailure, subject, err)
		}
		wrapper.subs = append(wrapper.subs, sub)
	}

	log.DebugS(ctx, "Broker subscription installed",
		"pattern", pattern.String(), "broadcast", resolved.Broadcast)

	return wrapper, nil
}

// OpenReplyChannel allocates a private inbox subject and delivers
// envelopes published to it on the returned channel. Once the channel is
// closed, the inbox subscription tears down on the next delivery attempt.
func (b *Broker) OpenReplyChannel(_ context.Context) (envelope.Address,
	*channel.Channel, error) {

	inbox := nats.NewInbox()
	replyCh := channel.New(channel.DefaultCapacity)

	sub, err := b.nc.Subscribe(inbox, func(msg *nats.Msg) {
		ok, err := replyCh.TryWrite(fromWire(msg))
		if err != nil {
			b.dropReply(inbox)
			return
		}
		if !ok {
			log.WarnS(context.Background(),
				"Reply channel full, dropping frame", nil,
				"inbox", inbox)
		}
	})
	if err != nil {
		return envelope.Address{}, nil, fmt.Errorf(
			"%w: reply inbox: %v",
			transport.ErrTransportFailure, err,
		)
	}

	b.mu.Lock()
	b.replies[inbox] = sub
	b.mu.Unlock()

	return envelope.Address{Name: inbox}, replyCh, nil
}

// dropReply tears down the subscription backing a closed reply channel.
func (b *Broker) dropReply(inbox string) {
	b.mu.Lock()
	sub, ok := b.replies[inbox]
	delete(b.replies, inbox)
	b.mu.Unlock()

	if ok {
		_ = sub.Unsubscribe()
	}
}

// Close drains the connection, letting in-flight messages finish before
// tearing down.
func (b *Broker) Close() error {
	b.mu.Lock()
	for inbox, sub := range b.replies {
		_ = sub.Unsubscribe()
		delete(b.replies, inbox)
	}
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()

		return fmt.Errorf("%w: drain: %v",
			transport.ErrTransportFailure, err)
	}

	return nil
}

// A compile-time assertion that Broker satisfies the Transport contract.
var _ transport.Transport = (*Broker)(nil)
