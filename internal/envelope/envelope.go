// Package envelope defines the value types that move through the mesh: the
// Address that identifies an agent, and the Envelope that carries a header
// block plus an opaque payload between agents. Envelopes are the only thing
// transports move; structured decoding of the payload belongs to the agent,
// not the runtime, which keeps the wire format stable across bindings.
package envelope

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Reserved header keys. Transports and the runtime interpret these; all
// other keys pass through untouched.
const (
	// HeaderType is the payload discriminator. Agents use it to decide
	// how to decode the payload bytes.
	HeaderType = "type"

	// HeaderReplyTo carries the canonical address string of the reply
	// channel a response should be published to.
	HeaderReplyTo = "reply_to"

	// HeaderSessionID is the stable correlation id across a multi-message
	// exchange. Session-scoped agents key their per-instance state on it.
	HeaderSessionID = "session_id"

	// HeaderStream is set to "1" when the reply is a sequence rather than
	// a single envelope.
	HeaderStream = "stream"

	// HeaderTerminate is set to "1" on the final chunk of a stream, or on
	// an envelope asking an agent instance to stop.
	HeaderTerminate = "terminate"

	// HeaderTo carries the canonical destination address string. Agent
	// names may themselves contain dots, which makes parsing
	// "name[.id][.type]" out of a broker topic ambiguous, so the full
	// address always rides in the header block as well.
	HeaderTo = "to"

	// HeaderError carries a human-readable error string on error replies.
	HeaderError = "error"
)

// Flag is the value reserved flag headers (stream, terminate) are set to.
const Flag = "1"

// TypeError is the payload discriminator used on error reply envelopes.
const TypeError = "error"

// ErrBadEnvelope indicates an envelope with missing or malformed reserved
// headers, or a payload the receiving agent could not decode.
var ErrBadEnvelope = errors.New("bad envelope")

// Address identifies an agent in the mesh. Name is the registered
// identifier and may contain dots to form a hierarchical namespace such as
// "team.billing". ID discriminates between instances of the same name; an
// empty ID targets any instance. Type is optional and is only used by
// transports for topic fan-out.
type Address struct {
	// Name is the agent's registered identifier.
	Name string

	// ID is the instance discriminator. Empty means "any instance of
	// this name".
	ID string

	// Type is an optional transport-level discriminator.
	Type string
}

// NewAddress returns an address that targets any instance of the given
// name.
func NewAddress(name string) Address {
	return Address{Name: name}
}

// TargetsName reports whether the address targets a name rather than a
// specific session (ID is empty).
func (a Address) TargetsName() bool {
	return a.ID == ""
}

// TargetsSession reports whether the address targets a specific session
// (ID is set).
func (a Address) TargetsSession() bool {
	return a.ID != ""
}

// Equal reports whether two addresses match on all three fields.
func (a Address) Equal(other Address) bool {
	return a == other
}

// String renders the canonical encoding "name[.id][.type]" with empty
// components elided.
func (a Address) String() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{a.Name, a.ID, a.Type} {
		if part != "" {
			parts = append(parts, part)
		}
	}

	return strings.Join(parts, ".")
}

// Validate returns ErrBadEnvelope if the address has no name.
func (a Address) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: address has empty name", ErrBadEnvelope)
	}

	return nil
}

// Envelope is the transport unit: a string header block plus an opaque
// payload byte string. The payload's logical type is identified by the
// "type" header.
type Envelope struct {
	// Header is the string to string mapping attached to the envelope.
	Header map[string]string

	// Payload is the opaque payload byte string.
	Payload []byte
}

// New creates an envelope with the given payload type discriminator and
// payload bytes.
func New(payloadType string, payload []byte) *Envelope {
	env := &Envelope{
		Header:  make(map[string]string),
		Payload: payload,
	}
	if payloadType != "" {
		env.Header[HeaderType] = payloadType
	}

	return env
}

// Clone returns a deep copy of the envelope. Transports hand envelopes to
// handlers asynchronously, so senders that reuse an envelope must not share
// header maps with receivers.
func (e *Envelope) Clone() *Envelope {
	cp := &Envelope{
		Header:  make(map[string]string, len(e.Header)),
		Payload: e.Payload,
	}
	maps.Copy(cp.Header, e.Header)

	return cp
}

// Get returns the header value for key, or the empty string when unset. A
// nil receiver header map is treated as empty.
func (e *Envelope) Get(key string) string {
	if e.Header == nil {
		return ""
	}

	return e.Header[key]
}

// Set stores a header value, allocating the header map on first use, and
// returns the envelope for chaining.
func (e *Envelope) Set(key, value string) *Envelope {
	if e.Header == nil {
		e.Header = make(map[string]string)
	}
	e.Header[key] = value

	return e
}

// Type returns the payload discriminator header.
func (e *Envelope) Type() string {
	return e.Get(HeaderType)
}

// SessionID returns the session correlation header.
func (e *Envelope) SessionID() string {
	return e.Get(HeaderSessionID)
}

// ReplyTo parses the reply_to header into an address. The returned bool is
// false when no reply is expected.
func (e *Envelope) ReplyTo() (Address, bool) {
	raw := e.Get(HeaderReplyTo)
	if raw == "" {
		return Address{}, false
	}

	return Address{Name: raw}, true
}

// WantsStream reports whether the sender asked for a streaming reply.
func (e *Envelope) WantsStream() bool {
	return e.Get(HeaderStream) == Flag
}

// IsTerminate reports whether this envelope carries the terminate flag,
// either as the final frame of a stream or as a stop request to an agent
// instance.
func (e *Envelope) IsTerminate() bool {
	return e.Get(HeaderTerminate) == Flag
}

// IsError reports whether this envelope is an error reply.
func (e *Envelope) IsError() bool {
	return e.Get(HeaderError) != ""
}

// Err converts an error reply envelope into a Go error, or nil when the
// envelope is not an error reply.
func (e *Envelope) Err() error {
	msg := e.Get(HeaderError)
	if msg == "" {
		return nil
	}

	return errors.New(msg)
}

// NewTerminate creates the envelope the runtime enqueues to ask an agent
// instance to stop.
func NewTerminate() *Envelope {
	env := New("", nil)
	env.Set(HeaderTerminate, Flag)

	return env
}

// NewError creates the error reply for a failed request. The message rides
// in the error header and the terminate flag is set so streaming callers
// observe it as a terminating frame.
func NewError(err error) *Envelope {
	env := New(TypeError, nil)
	env.Set(HeaderError, err.Error())
	env.Set(HeaderTerminate, Flag)

	return env
}
