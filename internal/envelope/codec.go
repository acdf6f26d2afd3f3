package envelope

import (
	"encoding/json"
	"fmt"
)

// wireEnvelope is the JSON framing used where the binding cannot carry the
// header block out of band (SSE frames, control payloads). The payload is
// base64 by virtue of encoding/json's []byte handling.
type wireEnvelope struct {
	Header  map[string]string `json:"header,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
}

// Marshal encodes the envelope into its JSON wire framing.
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrBadEnvelope)
	}

	data, err := json.Marshal(wireEnvelope{
		Header:  env.Header,
		Payload: env.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	return data, nil
}

// Unmarshal decodes the JSON wire framing back into an envelope. Decode
// failures surface as ErrBadEnvelope so callers can convert them into
// terminating error replies.
func Unmarshal(data []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	env := &Envelope{
		Header:  wire.Header,
		Payload: wire.Payload,
	}
	if env.Header == nil {
		env.Header = make(map[string]string)
	}

	return env, nil
}
