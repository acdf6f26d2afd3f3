package orchestrator

import (
	"context"
)

// Tool describes one callable capability exposed to the model client. The
// triage agent synthesises one tool per discovered candidate; invoking it
// triggers the handoff.
type Tool struct {
	// Name is the tool identifier handed to the model.
	Name string

	// Description tells the model when to call the tool.
	Description string
}

// ModelRequest is one turn handed to the wrapped model client.
type ModelRequest struct {
	// SessionID correlates turns of the same conversation.
	SessionID string

	// Message is the user message payload, opaque to the core.
	Message []byte

	// Tools are the callable capabilities available this turn.
	Tools []Tool
}

// ModelDecision is the model's answer for one turn: either a direct reply
// payload, or the name of a tool to invoke.
type ModelDecision struct {
	// Reply is the direct answer payload when no tool is called.
	Reply []byte

	// ToolCall names the invoked tool, empty for a direct reply.
	ToolCall string
}

// ModelClient is the narrow surface the triage agent needs from the
// language-model integration. The real client, its tool-calling protocol,
// and the conversational agent wrapping it live outside the runtime core;
// they plug in through this interface.
type ModelClient interface {
	// Complete runs one model turn.
	Complete(ctx context.Context, req ModelRequest) (ModelDecision, error)
}
