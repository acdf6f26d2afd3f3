// Package runtime owns the moving parts of a mesh process: the transport,
// the registry of agent specifications, the table of live agent instances,
// and the reaper that deactivates idle ones. Incoming envelopes are routed
// to instances, lazily activating them on first delivery.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/transport"
)

var (
	// ErrRuntimeClosed indicates the runtime has been shut down.
	ErrRuntimeClosed = errors.New("runtime closed")

	// ErrBadSpec indicates an agent spec missing its name or
	// constructor.
	ErrBadSpec = errors.New("invalid agent spec")
)

// singletonID is the fixed instance discriminator used when an envelope
// targets a name (empty id) and the spec is not session scoped.
const singletonID = "default"

// Spec is the registration record for an agent name: a unique name, a
// constructor producing a fresh instance, and activation configuration.
type Spec struct {
	// Name is the agent's registered identifier. It may contain dots to
	// form a hierarchical namespace such as "team.billing".
	Name string

	// New constructs a fresh agent instance. It is invoked by the
	// activator whenever an envelope arrives for the name and no
	// matching live instance exists.
	New func() agent.Agent

	// SessionScoped keys instances on the session_id header instead of
	// the single shared instance, giving one instance per session.
	SessionScoped bool

	// Broadcast subscribes the name without load balancing, so every
	// runtime hosting the name sees every envelope. Discovery uses this.
	Broadcast bool

	// InboxSize overrides the runtime's default inbox capacity.
	InboxSize int

	// DeactivateAfter overrides the runtime's deactivation interval for
	// instances of this spec.
	DeactivateAfter fn.Option[time.Duration]
}

// validate returns ErrBadSpec for unusable specs.
func (s *Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrBadSpec)
	}
	if s.New == nil {
		return fmt.Errorf("%w: nil constructor for %q", ErrBadSpec,
			s.Name)
	}

	return nil
}

// Config holds the enumerated runtime options.
type Config struct {
	// Transport is the delivery binding this runtime routes envelopes
	// over. The creator of the transport remains responsible for
	// closing it.
	Transport transport.Transport

	// DeactivationInterval is how long an instance may sit idle before
	// the reaper stops it. Defaults to 5 minutes.
	DeactivationInterval time.Duration

	// RequestTimeout is the default deadline for unary channel calls.
	// Defaults to 10 seconds.
	RequestTimeout time.Duration

	// DiscoveryAggregateTimeout bounds broadcast discovery aggregation.
	// Defaults to 2 seconds.
	DiscoveryAggregateTimeout time.Duration

	// DiscoveryMaxReplies caps how many discovery replies are collected
	// before aggregation stops early. Defaults to 64.
	DiscoveryMaxReplies int

	// InboxSize is the default instance inbox capacity. Defaults to
	// channel.DefaultCapacity.
	InboxSize int
}

// Default configuration values.
const (
	DefaultDeactivationInterval      = 5 * time.Minute
	DefaultDiscoveryAggregateTimeout = 2 * time.Second
	DefaultDiscoveryMaxReplies       = 64
)

// normalize fills in defaults for unset options.
func (c Config) normalize() Config {
	if c.DeactivationInterval <= 0 {
		c.DeactivationInterval = DefaultDeactivationInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = transport.DefaultRequestTimeout
	}
	if c.DiscoveryAggregateTimeout <= 0 {
		c.DiscoveryAggregateTimeout = DefaultDiscoveryAggregateTimeout
	}
	if c.DiscoveryMaxReplies <= 0 {
		c.DiscoveryMaxReplies = DefaultDiscoveryMaxReplies
	}
	if c.InboxSize <= 0 {
		c.InboxSize = channel.DefaultCapacity
	}

	return c
}

// registration is a registry entry: the spec plus its live transport
// subscription. Remote entries describe agents hosted by a sidecar
// process; they have no constructor or subscription here because the
// sidecar subscribes to the name itself.
type registration struct {
	spec   Spec
	sub    transport.Subscription
	remote bool
}

// liveKey identifies a live instance in the table.
type liveKey struct {
	name string
	id   string
}

// Runtime routes envelopes between agents over a transport. It lazily
// activates instances, reaps idle ones, and hosts the built-in discovery
// and control agents.
type Runtime struct {
	cfg Config
	tr  transport.Transport

	// mu protects registry and live.
	mu       sync.Mutex
	registry map[string]*registration
	live     map[liveKey]*instance

	// ctx governs instance drivers and the reaper.
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks instance drivers and the reaper goroutine.
	wg sync.WaitGroup

	closeOnce sync.Once
}

// New creates a runtime over the configured transport, registers the
// built-in discovery and control agents, and starts the reaper.
func New(cfg Config) (*Runtime, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrBadSpec)
	}
	cfg = cfg.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:      cfg,
		tr:       cfg.Transport,
		registry: make(map[string]*registration),
		live:     make(map[liveKey]*instance),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := rt.Register(rt.discoverySpec()); err != nil {
		cancel()
		return nil, err
	}
	if err := rt.Register(rt.controlSpec()); err != nil {
		cancel()
		return nil, err
	}

	rt.wg.Add(1)
	go rt.reap()

	log.InfoS(ctx, "Runtime started",
		"deactivation_interval", cfg.DeactivationInterval,
		"request_timeout", cfg.RequestTimeout)

	return rt, nil
}

// Register inserts a spec into the registry and installs the transport
// subscription that dispatches envelopes for the name to the activator.
// Re-registering a name atomically replaces the prior spec: its
// subscription is removed and any live instances under the name are
// terminated and awaited before the new spec takes over.
func (r *Runtime) Register(spec Spec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if r.ctx.Err() != nil {
		return ErrRuntimeClosed
	}

	// Replace any prior registration first so the old instances cannot
	// race new activations.
	if err := r.Deregister(spec.Name); err != nil {
		return err
	}

	var opts []transport.SubscribeOption
	if spec.Broadcast {
		opts = append(opts, transport.WithBroadcast())
	}

	name := spec.Name
	handler := func(ctx context.Context, env *envelope.Envelope) {
		r.activate(ctx, name, env)
	}

	sub, err := r.tr.Subscribe(r.ctx, envelope.NewAddress(name), handler,
		opts...)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.registry[name] = &registration{spec: spec, sub: sub}
	r.mu.Unlock()

	log.InfoS(r.ctx, "Agent registered", "name", name,
		"session_scoped", spec.SessionScoped,
		"broadcast", spec.Broadcast)

	return nil
}

// Deregister removes a name from the registry, tears down its
// subscription, and terminates any live instances under it. Deregistering
// an unknown name is a no-op.
func (r *Runtime) Deregister(name string) error {
	r.mu.Lock()
	reg, ok := r.registry[name]
	if ok {
		delete(r.registry, name)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if reg.sub != nil {
		if err := reg.sub.Unsubscribe(); err != nil {
			log.WarnS(r.ctx, "Failed to unsubscribe", err,
				"name", name)
		}
	}

	r.stopInstancesOf(name)

	log.InfoS(r.ctx, "Agent deregistered", "name", name)

	return nil
}

// RegisterRemote records a name hosted by a sidecar process so discovery
// lists it. The sidecar holds the actual subscription on the shared
// transport.
func (r *Runtime) RegisterRemote(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadSpec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.registry[name]; ok && !existing.remote {
		return fmt.Errorf("%w: %q already registered locally",
			ErrBadSpec, name)
	}
	r.registry[name] = &registration{
		spec:   Spec{Name: name},
		remote: true,
	}

	log.InfoS(r.ctx, "Remote agent registered", "name", name)

	return nil
}

// DeregisterRemote removes a sidecar-hosted name from the registry. Names
// not registered as remote are left untouched.
func (r *Runtime) DeregisterRemote(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.registry[name]; ok && reg.remote {
		delete(r.registry, name)

		log.InfoS(r.ctx, "Remote agent deregistered", "name", name)
	}
}

// stopInstancesOf terminates and awaits every live instance under a name.
func (r *Runtime) stopInstancesOf(name string) {
	r.mu.Lock()
	var victims []*instance
	for key, inst := range r.live {
		if key.name == name {
			victims = append(victims, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range victims {
		inst.terminate(r.ctx)
		inst.awaitStopped(r.ctx)
	}
}

// registeredNames snapshots the registry for discovery queries, excluding
// the built-in agents.
func (r *Runtime) registeredNames() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := make([]registration, 0, len(r.registry))
	for name, reg := range r.registry {
		if name == DiscoveryAgentName || name == ControlAgentName {
			continue
		}
		regs = append(regs, *reg)
	}

	return regs
}

// Channel performs a unary request/reply exchange through the runtime's
// transport, applying the runtime's default request timeout when the
// options carry none.
func (r *Runtime) Channel(ctx context.Context, dst envelope.Address,
	env *envelope.Envelope,
	opts transport.ReqOptions) (*envelope.Envelope, error) {

	if opts.Timeout <= 0 {
		opts.Timeout = r.cfg.RequestTimeout
	}

	return transport.Channel(ctx, r.tr, dst, env, opts)
}

// ChannelStream performs a streaming request/reply exchange through the
// runtime's transport.
func (r *Runtime) ChannelStream(ctx context.Context, dst envelope.Address,
	env *envelope.Envelope,
	opts transport.ReqOptions) (*channel.Channel, error) {

	if opts.Timeout <= 0 {
		opts.Timeout = r.cfg.RequestTimeout
	}

	return transport.ChannelStream(ctx, r.tr, dst, env, opts)
}

// Publish sends an envelope without expecting a reply.
func (r *Runtime) Publish(ctx context.Context, dst envelope.Address,
	env *envelope.Envelope) error {

	out := env.Clone()
	out.Set(envelope.HeaderTo, dst.String())

	return r.tr.Publish(ctx, dst, out, false)
}

// Transport exposes the underlying transport binding.
func (r *Runtime) Transport() transport.Transport {
	return r.tr
}

// Close removes all subscriptions, asks every live instance to stop and
// waits up to five seconds for them, then stops the reaper and any
// remaining instance drivers. The transport itself is left open for its
// creator to close.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		log.InfoS(r.ctx, "Runtime shutting down")

		r.mu.Lock()
		regs := make([]*registration, 0, len(r.registry))
		for _, reg := range r.registry {
			regs = append(regs, reg)
		}
		r.registry = make(map[string]*registration)

		instances := make([]*instance, 0, len(r.live))
		for _, inst := range r.live {
			instances = append(instances, inst)
		}
		r.mu.Unlock()

		for _, reg := range regs {
			if reg.sub != nil {
				_ = reg.sub.Unsubscribe()
			}
		}

		// Ask every instance to drain gracefully, then cut the cord
		// for stragglers by cancelling the runtime context.
		waitCtx, cancelWait := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		for _, inst := range instances {
			inst.terminate(context.Background())
		}
		for _, inst := range instances {
			inst.awaitStopped(waitCtx)
		}
		cancelWait()

		r.cancel()
		r.wg.Wait()
	})

	return nil
}

// A compile-time assertion that Runtime provides the lookup handle agents
// use to address their peers.
var _ agent.Handle = (*Runtime)(nil)
