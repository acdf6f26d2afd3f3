package runtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
)

// State is the lifecycle state of an agent instance.
type State uint32

const (
	// StateStarting covers construction until the started hook returns.
	StateStarting State = iota

	// StateRunning covers normal envelope processing.
	StateRunning

	// StateStopping covers the window between the terminate signal and
	// the stopped hook completing.
	StateStopping

	// StateStopped is terminal.
	StateStopped
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// stoppedHookTimeout bounds the stopped hook so a misbehaving agent cannot
// stall deactivation or shutdown.
const stoppedHookTimeout = 5 * time.Second

// instance is one live agent: an inbound channel, the driver goroutine
// that serialises hook invocations, and activity bookkeeping for the
// reaper.
type instance struct {
	key   liveKey
	agent agent.Agent
	inbox *channel.Channel
	rt    *Runtime

	// state holds the lifecycle State.
	state atomic.Uint32

	// busy is set while a receive hook is in flight so the reaper never
	// stops an instance mid-work.
	busy atomic.Bool

	// lastActive is the unix-nano timestamp of the most recent envelope
	// delivery or hook completion.
	lastActive atomic.Int64

	// deactivateAfter is the idle interval after which the reaper stops
	// this instance.
	deactivateAfter time.Duration

	// stopped is closed once the stopped hook has run and the instance
	// left the live table.
	stopped chan struct{}
}

// newInstance constructs a live instance for the given spec and starts its
// driver task.
func (r *Runtime) newInstance(key liveKey, spec Spec) *instance {
	inboxSize := spec.InboxSize
	if inboxSize <= 0 {
		inboxSize = r.cfg.InboxSize
	}

	inst := &instance{
		key:   key,
		agent: spec.New(),
		inbox: channel.New(inboxSize),
		rt:    r,
		deactivateAfter: spec.DeactivateAfter.UnwrapOr(
			r.cfg.DeactivationInterval,
		),
		stopped: make(chan struct{}),
	}
	inst.touch()

	r.wg.Add(1)
	go inst.run()

	return inst
}

// touch records activity for the reaper.
func (i *instance) touch() {
	i.lastActive.Store(time.Now().UnixNano())
}

// idleFor returns how long the instance has been inactive.
func (i *instance) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - i.lastActive.Load())
}

// currentState returns the lifecycle state.
func (i *instance) currentState() State {
	return State(i.state.Load())
}

// deliver enqueues an envelope on the inbox, applying backpressure when the
// inbox is bounded and full.
func (i *instance) deliver(ctx context.Context,
	env *envelope.Envelope) error {

	if err := i.inbox.Write(ctx, env); err != nil {
		return err
	}
	i.touch()

	return nil
}

// terminate asks the instance to stop by enqueuing a terminate envelope,
// letting it drain gracefully. Safe to call on an already stopping
// instance.
func (i *instance) terminate(ctx context.Context) {
	// A full inbox still drains towards the terminate envelope, so a
	// blocking write is acceptable here; the closed-inbox case means the
	// driver already exited.
	_ = i.inbox.Write(ctx, envelope.NewTerminate())
}

// awaitStopped blocks until the instance has fully stopped or the context
// gives up.
func (i *instance) awaitStopped(ctx context.Context) {
	select {
	case <-i.stopped:
	case <-ctx.Done():
	}
}

// run is the instance's driver task. It transitions Starting to Running
// around the started hook, invokes receive serially per envelope, and on
// terminate (or runtime shutdown) transitions Stopping to Stopped around
// the stopped hook. Hook errors never kill the instance; they surface as
// error replies when a reply was expected.
func (i *instance) run() {
	defer i.rt.wg.Done()
	defer close(i.stopped)

	ctx := i.rt.ctx

	log.DebugS(ctx, "Instance starting",
		"name", i.key.name, "id", i.key.id)

	if err := i.agent.Started(ctx, i.rt); err != nil {
		log.ErrorS(ctx, "Started hook failed", err,
			"name", i.key.name, "id", i.key.id)

		i.state.Store(uint32(StateStopped))
		i.inbox.Close()
		i.rt.removeInstance(i.key, i)

		return
	}
	i.state.Store(uint32(StateRunning))

	for env := range i.inbox.Receive(ctx) {
		if env.IsTerminate() {
			break
		}

		i.busy.Store(true)
		i.receive(ctx, env)
		i.busy.Store(false)
		i.touch()
	}

	i.state.Store(uint32(StateStopping))
	i.inbox.Close()
	i.rt.removeInstance(i.key, i)

	stopCtx, cancel := context.WithTimeout(
		context.Background(), stoppedHookTimeout,
	)
	defer cancel()

	if err := i.agent.Stopped(stopCtx); err != nil {
		log.WarnS(ctx, "Stopped hook failed", err,
			"name", i.key.name, "id", i.key.id)
	}
	i.state.Store(uint32(StateStopped))

	log.DebugS(ctx, "Instance stopped",
		"name", i.key.name, "id", i.key.id)
}

// receive runs the receive hook for one envelope and converts a hook error
// into an error reply when the sender expected one.
func (i *instance) receive(ctx context.Context, env *envelope.Envelope) {
	sink := agent.NewReplySink(i.rt.tr, env, env.SessionID())

	if err := i.agent.Receive(ctx, env, sink); err != nil {
		log.ErrorS(ctx, "Receive hook failed", err,
			"name", i.key.name, "id", i.key.id,
			"msg_type", env.Type())

		if sink.Expected() {
			if failErr := sink.Fail(ctx, err); failErr != nil {
				log.DebugS(ctx, "Error reply not delivered",
					"name", i.key.name,
					"err", failErr.Error())
			}
		}
	}
}

// activate is the transport-facing entry point: it resolves the instance
// key for an inbound envelope, constructs the instance when none is live,
// and enqueues the envelope. Exactly one instance per (name, id) exists at
// any time; the live-table lock makes concurrent activations converge on
// the same instance.
func (r *Runtime) activate(ctx context.Context, name string,
	env *envelope.Envelope) {

	r.mu.Lock()
	reg, ok := r.registry[name]
	if !ok || reg.remote {
		r.mu.Unlock()

		log.DebugS(ctx, "Envelope for unregistered name rejected",
			"name", name)

		return
	}

	key := liveKey{name: name, id: r.resolveID(reg.spec, env)}

	inst, live := r.live[key]

	// Terminate envelopes only ever target an existing instance; they
	// must not activate a fresh one just to stop it.
	if env.IsTerminate() && !live {
		r.mu.Unlock()
		return
	}

	if !live {
		inst = r.newInstance(key, reg.spec)
		r.live[key] = inst
	}
	r.mu.Unlock()

	err := inst.deliver(ctx, env)
	if err != nil && errors.Is(err, channel.ErrClosed) {
		// The instance stopped between lookup and delivery; retry
		// once against a fresh activation.
		log.DebugS(ctx, "Delivery raced instance shutdown",
			"name", name, "id", key.id)

		r.mu.Lock()
		retry, live := r.live[key]
		if !live && !env.IsTerminate() {
			retry = r.newInstance(key, reg.spec)
			r.live[key] = retry
		}
		r.mu.Unlock()

		if retry != nil && retry != inst {
			_ = retry.deliver(ctx, env)
		}
	}
}

// resolveID maps an envelope to the instance discriminator: an explicit id
// in the destination address wins, then the session_id header for
// session-scoped specs, then the fixed singleton id.
func (r *Runtime) resolveID(spec Spec, env *envelope.Envelope) string {
	if raw := env.Get(envelope.HeaderTo); raw != "" {
		// The canonical form is name[.id][.type]; names may contain
		// dots, so only a strict prefix match can expose the id.
		if rest, ok := strings.CutPrefix(raw, spec.Name+"."); ok {
			if id, _, found := strings.Cut(rest, "."); found ||
				id != "" {

				return id
			}
		}
	}

	if spec.SessionScoped {
		if sid := env.SessionID(); sid != "" {
			return sid
		}
	}

	return singletonID
}

// removeInstance drops an instance from the live table if it is still the
// registered occupant of its key.
func (r *Runtime) removeInstance(key liveKey, inst *instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.live[key]; ok && current == inst {
		delete(r.live, key)
	}
}
