package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/envelope"
)

// ControlAgentName is the reserved control address sidecar processes send
// registration envelopes to.
const ControlAgentName = "control"

// Control payload discriminators.
const (
	// TypeControlRegister announces agent names hosted by a sidecar.
	TypeControlRegister = "control.register"

	// TypeControlDeregister withdraws previously announced names.
	TypeControlDeregister = "control.deregister"

	// TypeControlAck acknowledges a control request.
	TypeControlAck = "control.ack"
)

// ControlRequest is the payload of a sidecar registration envelope. The
// sidecar keeps its own subscriptions on the shared transport; the control
// exchange only teaches this runtime's registry (and therefore discovery)
// about the hosted names.
type ControlRequest struct {
	// Names are the agent names the sidecar hosts.
	Names []string `json:"names"`
}

// ControlAck is the acknowledgement payload.
type ControlAck struct {
	// Accepted lists the names the registry took on.
	Accepted []string `json:"accepted"`
}

// controlSpec builds the built-in control agent registration. Broadcast so
// that every runtime sharing the broker learns about sidecar agents, not
// just one queue-group winner.
func (r *Runtime) controlSpec() Spec {
	return Spec{
		Name:      ControlAgentName,
		Broadcast: true,
		New: func() agent.Agent {
			return agent.Responder(r.handleControl)
		},
	}
}

// handleControl processes one sidecar registration envelope.
func (r *Runtime) handleControl(_ context.Context,
	env *envelope.Envelope) (*envelope.Envelope, error) {

	var req ControlRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("%w: control request: %v",
			envelope.ErrBadEnvelope, err)
	}

	var ack ControlAck
	switch env.Type() {
	case TypeControlRegister:
		for _, name := range req.Names {
			if err := r.RegisterRemote(name); err != nil {
				log.WarnS(context.Background(),
					"Sidecar registration rejected", err,
					"name", name)
				continue
			}
			ack.Accepted = append(ack.Accepted, name)
		}

	case TypeControlDeregister:
		for _, name := range req.Names {
			r.DeregisterRemote(name)
			ack.Accepted = append(ack.Accepted, name)
		}

	default:
		return nil, fmt.Errorf("%w: unknown control type %q",
			envelope.ErrBadEnvelope, env.Type())
	}

	payload, err := json.Marshal(ack)
	if err != nil {
		return nil, err
	}

	return envelope.New(TypeControlAck, payload), nil
}
