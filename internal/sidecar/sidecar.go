// Package sidecar lets a separate process host mesh agents. The host
// speaks the broker binding in both directions: it subscribes to its
// hosted agent names itself (sharing the queue group with native
// runtimes), and it announces those names to the mesh by sending
// registration envelopes to the reserved control address so discovery
// lists them. Framing is the ordinary wire envelope; there is no
// handshake beyond registration.
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/runtime"
	"github.com/roasbeef/agentmesh/internal/transport"
)

// announceTimeout bounds one control exchange.
const announceTimeout = 5 * time.Second

// Host runs agents in a sidecar process. It owns a runtime over the
// shared transport; Register hands specs to that runtime, and Announce
// publishes the hosted names to the control address.
type Host struct {
	rt *runtime.Runtime
	tr transport.Transport

	// mu protects names.
	mu    sync.Mutex
	names []string
}

// NewHost creates a sidecar host over the given runtime configuration.
// The transport inside the configuration should be the broker binding
// shared with the rest of the mesh.
func NewHost(cfg runtime.Config) (*Host, error) {
	rt, err := runtime.New(cfg)
	if err != nil {
		return nil, err
	}

	return &Host{
		rt: rt,
		tr: cfg.Transport,
	}, nil
}

// Runtime exposes the host's runtime, mainly so hosted agents can be
// exercised directly in tests.
func (h *Host) Runtime() *runtime.Runtime {
	return h.rt
}

// Register hosts an agent spec in the sidecar. The runtime installs the
// name subscription on the shared transport, so envelopes for the name
// reach this process with no extra routing.
func (h *Host) Register(spec runtime.Spec) error {
	if err := h.rt.Register(spec); err != nil {
		return err
	}

	h.mu.Lock()
	h.names = append(h.names, spec.Name)
	h.mu.Unlock()

	return nil
}

// control sends one control envelope and awaits the acknowledgement.
func (h *Host) control(ctx context.Context, msgType string,
	names []string) error {

	payload, err := json.Marshal(runtime.ControlRequest{Names: names})
	if err != nil {
		return err
	}

	env := envelope.New(msgType, payload)
	ack, err := transport.Channel(
		ctx, h.tr, envelope.NewAddress(runtime.ControlAgentName), env,
		transport.ReqOptions{Timeout: announceTimeout},
	)
	if err != nil {
		return fmt.Errorf("control %s: %w", msgType, err)
	}

	var resp runtime.ControlAck
	if err := json.Unmarshal(ack.Payload, &resp); err != nil {
		return fmt.Errorf("%w: control ack: %v",
			envelope.ErrBadEnvelope, err)
	}

	log.InfoS(ctx, "Control exchange completed",
		"type", msgType, "accepted", len(resp.Accepted))

	return nil
}

// Announce registers the hosted names with the mesh. Call it after the
// specs are registered so subscriptions exist before discovery starts
// listing the names.
func (h *Host) Announce(ctx context.Context) error {
	h.mu.Lock()
	names := append([]string(nil), h.names...)
	h.mu.Unlock()

	if len(names) == 0 {
		return nil
	}

	return h.control(ctx, runtime.TypeControlRegister, names)
}

// Close withdraws the hosted names from the mesh and stops the runtime.
// The withdrawal is best effort: if the control exchange fails, the
// failure is logged and runtimes that recorded the names keep listing
// them.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	names := append([]string(nil), h.names...)
	h.names = nil
	h.mu.Unlock()

	if len(names) > 0 {
		if err := h.control(
			ctx, runtime.TypeControlDeregister, names,
		); err != nil {
			log.WarnS(ctx, "Deregistration announce failed", err)
		}
	}

	return h.rt.Close()
}
