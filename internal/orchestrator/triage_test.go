package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/runtime"
	"github.com/roasbeef/agentmesh/internal/transport"
	"github.com/stretchr/testify/require"
)

// scriptedModel is a deterministic ModelClient: it hands off when the
// message mentions a candidate topic, otherwise answers directly.
type scriptedModel struct {
	// handoffOn maps a message substring to the tool to invoke.
	handoffOn map[string]string

	// seenTools records the tool sets offered per turn.
	seenTools [][]Tool
}

func (m *scriptedModel) Complete(_ context.Context,
	req ModelRequest) (ModelDecision, error) {

	m.seenTools = append(m.seenTools, req.Tools)

	for needle, tool := range m.handoffOn {
		if strings.Contains(string(req.Message), needle) {
			return ModelDecision{ToolCall: tool}, nil
		}
	}

	return ModelDecision{
		Reply: []byte("triage: " + string(req.Message)),
	}, nil
}

// specialistSpec registers a candidate that prefixes its name to every
// message, and hands the session back when told to.
func specialistSpec(name string) runtime.Spec {
	return runtime.Spec{
		Name: name,
		New: func() agent.Agent {
			return agent.Responder(func(_ context.Context,
				env *envelope.Envelope) (*envelope.Envelope,
				error) {

				if strings.Contains(
					string(env.Payload), "goodbye",
				) {
					payload, err := json.Marshal(
						Handoff{},
					)
					if err != nil {
						return nil, err
					}

					return envelope.New(
						TypeHandoff, payload,
					), nil
				}

				return envelope.New("answer", []byte(
					name+": "+string(env.Payload),
				)), nil
			})
		},
	}
}

// triageSessionCall sends one user message into the triage agent under a
// session and returns the reply payload.
func triageSessionCall(t *testing.T, rt *runtime.Runtime, session,
	msg string) string {

	t.Helper()

	env := envelope.New("user.msg", []byte(msg))
	env.Set(envelope.HeaderSessionID, session)

	reply, err := rt.Channel(
		context.Background(), envelope.NewAddress("frontdesk"),
		env, transport.ReqOptions{Probe: true},
	)
	require.NoError(t, err)

	return string(reply.Payload)
}

// TestTriageHandoffFlow walks a session through the full handoff arc:
// triage answers, hands off to a discovered specialist, forwards while
// handed off, and resumes after the specialist hands back.
func TestTriageHandoffFlow(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)
	require.NoError(t, rt.Register(specialistSpec("desk.billing")))
	require.NoError(t, rt.Register(specialistSpec("desk.shipping")))

	model := &scriptedModel{
		handoffOn: map[string]string{
			"invoice": toolNameFor("desk.billing"),
		},
	}
	require.NoError(t, rt.Register(TriageSpec("frontdesk",
		TriageConfig{
			Namespace: "desk",
			Model:     model,
		},
	)))

	// Turn 1: no handoff trigger, the model answers in place.
	reply := triageSessionCall(t, rt, "sess-1", "hello")
	require.Equal(t, "triage: hello", reply)

	// Turn 2: the invoice question triggers the handoff tool; the
	// triggering message already reaches the specialist.
	reply = triageSessionCall(t, rt, "sess-1", "invoice question")
	require.Equal(t, "desk.billing: invoice question", reply)

	// Turn 3: the session is handed off, so the model is bypassed.
	reply = triageSessionCall(t, rt, "sess-1", "more detail")
	require.Equal(t, "desk.billing: more detail", reply)

	// Turn 4: the specialist hands back; the ack reply is empty.
	reply = triageSessionCall(t, rt, "sess-1", "goodbye")
	require.Empty(t, reply)

	// Turn 5: the model is back in charge.
	reply = triageSessionCall(t, rt, "sess-1", "anything else")
	require.Equal(t, "triage: anything else", reply)

	// The discovered candidates were offered as tools each model turn.
	require.NotEmpty(t, model.seenTools)
	toolNames := make(map[string]bool)
	for _, tool := range model.seenTools[0] {
		toolNames[tool.Name] = true
	}
	require.True(t, toolNames[toolNameFor("desk.billing")])
	require.True(t, toolNames[toolNameFor("desk.shipping")])
}

// TestTriageSessionsAreIndependent verifies handoff state is scoped per
// session id.
func TestTriageSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)
	require.NoError(t, rt.Register(specialistSpec("desk.billing")))

	model := &scriptedModel{
		handoffOn: map[string]string{
			"invoice": toolNameFor("desk.billing"),
		},
	}
	require.NoError(t, rt.Register(TriageSpec("frontdesk",
		TriageConfig{
			Namespace: "desk",
			Model:     model,
		},
	)))

	// Session A hands off; session B stays with the model.
	replyA := triageSessionCall(t, rt, "sess-a", "invoice please")
	require.Equal(t, "desk.billing: invoice please", replyA)

	replyB := triageSessionCall(t, rt, "sess-b", "just chatting")
	require.Equal(t, "triage: just chatting", replyB)

	// Session A remains handed off, unaffected by B's traffic.
	replyA = triageSessionCall(t, rt, "sess-a", "follow up")
	require.Equal(t, "desk.billing: follow up", replyA)
}

// TestTriageRejectsUnknownTool verifies a model inventing a tool name
// surfaces as an error instead of routing the session nowhere.
func TestTriageRejectsUnknownTool(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)
	require.NoError(t, rt.Register(specialistSpec("desk.billing")))

	model := &scriptedModel{
		handoffOn: map[string]string{
			"anything": "handoff_to_made_up",
		},
	}
	require.NoError(t, rt.Register(TriageSpec("frontdesk",
		TriageConfig{
			Namespace: "desk",
			Model:     model,
		},
	)))

	env := envelope.New("user.msg", []byte("anything"))
	env.Set(envelope.HeaderSessionID, "sess-x")

	_, err := rt.Channel(
		context.Background(), envelope.NewAddress("frontdesk"),
		env, transport.ReqOptions{},
	)
	require.ErrorContains(t, err, "not a candidate")
}
