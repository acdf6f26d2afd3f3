package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
)

// replyPrefix namespaces reply addresses so they can never collide with a
// registered agent name.
const replyPrefix = "_reply."

// InProc is the in-process transport binding: a single shared map from
// address patterns to subscription handlers, plus a table of open reply
// channels. Delivery happens asynchronously on a per-subscription dispatch
// goroutine, which preserves FIFO order per (sender, receiver) pair without
// serialising unrelated subscribers against each other.
type InProc struct {
	// mu protects subs, replies, and closed.
	mu sync.RWMutex

	// subs maps a pattern name to its subscriptions.
	subs map[string][]*inprocSub

	// rr tracks the round-robin cursor per pattern name for unicast
	// delivery across multiple subscribers.
	rr map[string]int

	// replies maps an open reply address to its delivery channel.
	replies map[string]*channel.Channel

	// closed is set once Close has run.
	closed bool

	// ctx governs the lifetime of all dispatch goroutines.
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks dispatch goroutines for deterministic Close.
	wg sync.WaitGroup
}

// NewInProc creates an in-process transport.
func NewInProc() *InProc {
	ctx, cancel := context.WithCancel(context.Background())

	return &InProc{
		subs:    make(map[string][]*inprocSub),
		rr:      make(map[string]int),
		replies: make(map[string]*channel.Channel),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// inprocSub is a single in-process subscription: an inbox plus a dispatch
// goroutine that invokes the handler serially.
type inprocSub struct {
	transport *InProc
	pattern   envelope.Address
	handler   Handler
	inbox     *channel.Channel
	broadcast bool
}

// Pattern returns the address pattern this subscription was created for.
func (s *inprocSub) Pattern() envelope.Address {
	return s.pattern
}

// Unsubscribe removes the subscription and stops its dispatch goroutine
// once the inbox drains.
func (s *inprocSub) Unsubscribe() error {
	s.transport.removeSub(s)
	s.inbox.Close()

	return nil
}

// Publish delivers an envelope to the destination. Reply addresses are
// looked up in the reply table; agent names are matched against the
// subscription map. With probe set, a destination with no subscriber fails
// fast with ErrNoAgent.
func (t *InProc) Publish(ctx context.Context, dst envelope.Address,
	env *envelope.Envelope, probe bool) error {

	if err := dst.Validate(); err != nil {
		return err
	}

	// Reply channels are addressed directly by their generated name.
	if replyCh, ok := t.lookupReply(dst.Name); ok {
		if err := replyCh.Write(ctx, env.Clone()); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				t.dropReply(dst.Name)
			}

			return err
		}

		return nil
	}

	targets, err := t.selectTargets(dst.Name, probe)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		// Fire-and-forget to an unknown name is dropped silently,
		// matching pub/sub semantics when probe is not requested.
		log.TraceS(ctx, "Dropping envelope for unknown destination",
			"dst", dst.String())

		return nil
	}

	for _, sub := range targets {
		if err := sub.inbox.Write(ctx, env.Clone()); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				continue
			}

			return err
		}
	}

	return nil
}

// selectTargets resolves the subscriptions an envelope for the given name
// should be delivered to: every broadcast subscriber, plus exactly one
// unicast subscriber chosen round-robin.
func (t *InProc) selectTargets(name string, probe bool) ([]*inprocSub, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("%w: transport closed",
			ErrTransportFailure)
	}

	subs := t.subs[name]
	if len(subs) == 0 {
		if probe {
			return nil, fmt.Errorf("%w: %s", ErrNoAgent, name)
		}

		return nil, nil
	}

	var targets []*inprocSub
	var unicast []*inprocSub
	for _, sub := range subs {
		if sub.broadcast {
			targets = append(targets, sub)
		} else {
			unicast = append(unicast, sub)
		}
	}

	if len(unicast) > 0 {
		idx := t.rr[name] % len(unicast)
		t.rr[name]++
		targets = append(targets, unicast[idx])
	}

	return targets, nil
}

// Subscribe installs a handler for the pattern name and starts its
// dispatch goroutine.
func (t *InProc) Subscribe(_ context.Context, pattern envelope.Address,
	handler Handler, opts ...SubscribeOption) (Subscription, error) {

	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	resolved := ResolveSubscribeOptions(opts)

	sub := &inprocSub{
		transport: t,
		pattern:   pattern,
		handler:   handler,
		inbox:     channel.New(channel.DefaultCapacity),
		broadcast: resolved.Broadcast,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: transport closed",
			ErrTransportFailure)
	}
	t.subs[pattern.Name] = append(t.subs[pattern.Name], sub)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.dispatch(sub)

	log.DebugS(t.ctx, "In-process subscription installed",
		"pattern", pattern.String(), "broadcast", resolved.Broadcast)

	return sub, nil
}

// dispatch drains a subscription's inbox, invoking the handler serially so
// per-receiver FIFO order holds.
func (t *InProc) dispatch(sub *inprocSub) {
	defer t.wg.Done()

	for env := range sub.inbox.Receive(t.ctx) {
		sub.handler(t.ctx, env)
	}
}

// removeSub deletes a subscription from the pattern map.
func (t *InProc) removeSub(sub *inprocSub) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[sub.pattern.Name]
	for i, candidate := range subs {
		if candidate == sub {
			t.subs[sub.pattern.Name] = append(
				subs[:i], subs[i+1:]...,
			)
			break
		}
	}
	if len(t.subs[sub.pattern.Name]) == 0 {
		delete(t.subs, sub.pattern.Name)
		delete(t.rr, sub.pattern.Name)
	}
}

// OpenReplyChannel allocates a process-unique reply address backed by an
// in-memory channel.
func (t *InProc) OpenReplyChannel(_ context.Context) (envelope.Address,
	*channel.Channel, error) {

	addr := envelope.NewAddress(replyPrefix + uuid.NewString())
	replyCh := channel.New(channel.DefaultCapacity)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return envelope.Address{}, nil, fmt.Errorf(
			"%w: transport closed", ErrTransportFailure,
		)
	}
	t.replies[addr.Name] = replyCh

	return addr, replyCh, nil
}

// lookupReply returns the reply channel registered under name, if any.
func (t *InProc) lookupReply(name string) (*channel.Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	replyCh, ok := t.replies[name]

	return replyCh, ok
}

// dropReply removes a closed reply channel from the table.
func (t *InProc) dropReply(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.replies, name)
}

// Close tears down all subscriptions and reply channels, cancels the
// dispatch goroutines, and waits for them to exit. Envelopes still queued
// in a subscription inbox at that point may be dropped.
func (t *InProc) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var inboxes []*channel.Channel
	for _, subs := range t.subs {
		for _, sub := range subs {
			inboxes = append(inboxes, sub.inbox)
		}
	}
	replies := t.replies
	t.subs = make(map[string][]*inprocSub)
	t.replies = make(map[string]*channel.Channel)
	t.mu.Unlock()

	for _, inbox := range inboxes {
		inbox.Close()
	}
	for _, replyCh := range replies {
		replyCh.Close()
	}

	t.cancel()
	t.wg.Wait()

	return nil
}

// A compile-time assertion that InProc satisfies the Transport contract.
var _ Transport = (*InProc)(nil)
