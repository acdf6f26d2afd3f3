package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/runtime"
	"github.com/roasbeef/agentmesh/internal/transport"
)

// TypeHandoff is the payload discriminator of a handoff envelope. A
// candidate hands a session back to the triage agent by sending one of
// these addressed to the triage name with the session id preserved.
const TypeHandoff = "triage.handoff"

// handoffToolPrefix prefixes the synthesised per-candidate tool names.
const handoffToolPrefix = "handoff_to_"

// ErrNoModel indicates a triage agent configured without a model client.
var ErrNoModel = errors.New("triage agent needs a model client")

// ErrUnknownCandidate indicates a handoff to a name outside the
// discovered candidate set. Loop prevention beyond membership is the
// model's responsibility.
var ErrUnknownCandidate = errors.New("handoff target is not a candidate")

// Handoff is the payload of a TypeHandoff envelope.
type Handoff struct {
	// Target is the agent name taking the session over. Empty hands the
	// session back to the triage agent itself.
	Target string `json:"target"`
}

// TriageConfig configures a triage agent.
type TriageConfig struct {
	// Namespace is the discovery prefix the candidate set is drawn
	// from.
	Namespace string

	// Model is the wrapped model client deciding between answering and
	// handing off.
	Model ModelClient

	// ForwardTimeout bounds each forward to the active candidate. Zero
	// uses the runtime's default request timeout.
	ForwardTimeout time.Duration
}

// Triage is the chat-like dynamic handoff agent. On start it queries
// discovery for its namespace and exposes every candidate to the model as
// a handoff tool. Once the model invokes one, the session's remaining
// user messages forward to that candidate directly until it hands back.
// Triage instances are session scoped: one instance, and therefore one
// handoff state, per session id.
type Triage struct {
	cfg TriageConfig
	h   agent.Handle

	// candidates is the discovered candidate set, keyed by name.
	candidates map[string]struct{}

	// tools maps a synthesised tool name back to its candidate.
	tools map[string]string

	// target is the candidate currently owning the session; empty means
	// the triage agent itself handles messages.
	target string
}

// NewTriage constructs the triage agent.
func NewTriage(cfg TriageConfig) *Triage {
	return &Triage{cfg: cfg}
}

// TriageSpec wraps the triage agent in a session-scoped registration
// record, giving each session its own handoff state.
func TriageSpec(name string, cfg TriageConfig) runtime.Spec {
	return runtime.Spec{
		Name:          name,
		SessionScoped: true,
		New: func() agent.Agent {
			return NewTriage(cfg)
		},
	}
}

// Started implements agent.Agent: it resolves the candidate set through
// discovery and synthesises the handoff tools.
func (t *Triage) Started(ctx context.Context, h agent.Handle) error {
	if t.cfg.Model == nil {
		return ErrNoModel
	}
	t.h = h

	names, err := h.Discover(ctx, t.cfg.Namespace)
	if err != nil {
		return fmt.Errorf("triage discovery: %w", err)
	}

	t.candidates = make(map[string]struct{}, len(names))
	t.tools = make(map[string]string, len(names))
	for _, name := range names {
		t.candidates[name] = struct{}{}
		t.tools[toolNameFor(name)] = name
	}

	log.InfoS(ctx, "Triage candidates resolved",
		"namespace", t.cfg.Namespace, "count", len(names))

	return nil
}

// Stopped implements agent.Agent.
func (t *Triage) Stopped(context.Context) error {
	return nil
}

// toolNameFor derives the tool identifier for a candidate name. Dots are
// not valid in most tool-name grammars, so they flatten to underscores.
func toolNameFor(name string) string {
	return handoffToolPrefix + strings.ReplaceAll(name, ".", "_")
}

// Receive implements agent.Agent.
func (t *Triage) Receive(ctx context.Context, env *envelope.Envelope,
	sink agent.ReplySink) error {

	// Handoff envelopes flip the session's owner and carry no reply.
	if env.Type() == TypeHandoff {
		return t.applyHandoff(ctx, env)
	}

	// A handed-off session forwards user messages to its owner
	// directly.
	if t.target != "" {
		return t.forward(ctx, env, sink)
	}

	return t.triage(ctx, env, sink)
}

// applyHandoff processes a handoff envelope from a candidate (or from the
// triage flow itself). An empty target returns the session to the triage
// agent.
func (t *Triage) applyHandoff(ctx context.Context,
	env *envelope.Envelope) error {

	var handoff Handoff
	if err := json.Unmarshal(env.Payload, &handoff); err != nil {
		return fmt.Errorf("%w: handoff payload: %v",
			envelope.ErrBadEnvelope, err)
	}

	if handoff.Target != "" {
		if _, ok := t.candidates[handoff.Target]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCandidate,
				handoff.Target)
		}
	}

	log.DebugS(ctx, "Session handoff",
		"from", t.target, "to", handoff.Target,
		"session_id", env.SessionID())

	t.target = handoff.Target

	return nil
}

// forward relays one user message to the session's current owner and
// relays the owner's reply back. An owner may return a handoff envelope
// instead of an answer, which re-routes the session mid-flight.
func (t *Triage) forward(ctx context.Context, env *envelope.Envelope,
	sink agent.ReplySink) error {

	opts := transport.ReqOptions{
		Timeout: t.cfg.ForwardTimeout,
		Probe:   true,
	}

	reply, err := t.h.Channel(
		ctx, envelope.NewAddress(t.target), forwardable(env), opts,
	)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", t.target, err)
	}

	// The candidate may hand back (or sideways) in-band.
	if reply.Type() == TypeHandoff {
		if err := t.applyHandoff(ctx, reply); err != nil {
			return err
		}

		// The new owner (or the model) answers the next turn; this
		// one gets the handoff acknowledged.
		if !sink.Expected() {
			return nil
		}

		return sink.Reply(ctx, envelope.New("", nil))
	}

	if !sink.Expected() {
		return nil
	}

	return sink.Reply(ctx, forwardable(reply))
}

// triage runs one model turn over the message with the handoff tools
// available. A tool call moves the session to the chosen candidate and
// forwards the triggering message there; a direct answer replies in
// place.
func (t *Triage) triage(ctx context.Context, env *envelope.Envelope,
	sink agent.ReplySink) error {

	tools := make([]Tool, 0, len(t.tools))
	for toolName, candidate := range t.tools {
		tools = append(tools, Tool{
			Name: toolName,
			Description: "Hand the conversation to the " +
				candidate + " agent.",
		})
	}

	decision, err := t.cfg.Model.Complete(ctx, ModelRequest{
		SessionID: env.SessionID(),
		Message:   env.Payload,
		Tools:     tools,
	})
	if err != nil {
		return fmt.Errorf("model turn: %w", err)
	}

	if decision.ToolCall == "" {
		if !sink.Expected() {
			return nil
		}

		return sink.Reply(ctx, envelope.New("", decision.Reply))
	}

	candidate, ok := t.tools[decision.ToolCall]
	if !ok {
		return fmt.Errorf("%w: tool %q", ErrUnknownCandidate,
			decision.ToolCall)
	}

	log.DebugS(ctx, "Model chose handoff",
		"candidate", candidate, "session_id", env.SessionID())

	t.target = candidate

	// The triggering message follows the session to its new owner.
	return t.forward(ctx, env, sink)
}

// A compile-time assertion that Triage is an agent.
var _ agent.Agent = (*Triage)(nil)
