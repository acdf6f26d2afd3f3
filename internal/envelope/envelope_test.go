package envelope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAddressString verifies the canonical encoding elides empty
// components.
func TestAddressString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		addr Address
		want string
	}{
		{
			name: "name only",
			addr: Address{Name: "echo"},
			want: "echo",
		},
		{
			name: "name and id",
			addr: Address{Name: "echo", ID: "42"},
			want: "echo.42",
		},
		{
			name: "name id and type",
			addr: Address{Name: "echo", ID: "42", Type: "task"},
			want: "echo.42.task",
		},
		{
			name: "name and type without id",
			addr: Address{Name: "echo", Type: "task"},
			want: "echo.task",
		},
		{
			name: "hierarchical name",
			addr: Address{Name: "team.billing", ID: "7"},
			want: "team.billing.7",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.addr.String())
		})
	}
}

// TestAddressTargeting verifies the name/session targeting predicates.
func TestAddressTargeting(t *testing.T) {
	t.Parallel()

	byName := Address{Name: "echo"}
	require.True(t, byName.TargetsName())
	require.False(t, byName.TargetsSession())

	bySession := Address{Name: "echo", ID: "sess-1"}
	require.False(t, bySession.TargetsName())
	require.True(t, bySession.TargetsSession())
}

// TestAddressEquality verifies equality covers all three fields.
func TestAddressEquality(t *testing.T) {
	t.Parallel()

	a := Address{Name: "echo", ID: "1", Type: "x"}
	require.True(t, a.Equal(Address{Name: "echo", ID: "1", Type: "x"}))
	require.False(t, a.Equal(Address{Name: "echo", ID: "1"}))
	require.False(t, a.Equal(Address{Name: "echo", ID: "2", Type: "x"}))
}

// TestEnvelopeHeaders exercises the reserved header helpers.
func TestEnvelopeHeaders(t *testing.T) {
	t.Parallel()

	env := New("greeting", []byte("hi"))
	require.Equal(t, "greeting", env.Type())
	require.False(t, env.WantsStream())
	require.False(t, env.IsTerminate())

	env.Set(HeaderStream, Flag)
	env.Set(HeaderSessionID, "sess-9")
	require.True(t, env.WantsStream())
	require.Equal(t, "sess-9", env.SessionID())

	_, ok := env.ReplyTo()
	require.False(t, ok)

	env.Set(HeaderReplyTo, "_reply.abc")
	replyTo, ok := env.ReplyTo()
	require.True(t, ok)
	require.Equal(t, "_reply.abc", replyTo.Name)
}

// TestCloneIsolatesHeaders verifies mutating a clone leaves the original
// untouched.
func TestCloneIsolatesHeaders(t *testing.T) {
	t.Parallel()

	env := New("greeting", []byte("hi"))
	cp := env.Clone()
	cp.Set(HeaderSessionID, "sess-1")

	require.Empty(t, env.SessionID())
	require.Equal(t, "sess-1", cp.SessionID())
}

// TestErrorEnvelope verifies the error reply construction doubles as a
// terminating stream frame.
func TestErrorEnvelope(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	env := NewError(cause)

	require.True(t, env.IsError())
	require.True(t, env.IsTerminate())
	require.Equal(t, TypeError, env.Type())
	require.EqualError(t, env.Err(), "boom")
}

// TestWireCodecRoundTrip verifies the JSON framing survives a round trip,
// binary payload included.
func TestWireCodecRoundTrip(t *testing.T) {
	t.Parallel()

	env := New("blob", []byte{0x00, 0xff, 0x10})
	env.Set(HeaderSessionID, "sess-3")
	env.Set(HeaderTerminate, Flag)

	data, err := Marshal(env)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, env.Header, decoded.Header)
	require.Equal(t, env.Payload, decoded.Payload)
}

// TestUnmarshalRejectsGarbage verifies decode failures surface as
// BadEnvelope.
func TestUnmarshalRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte("{not json"))
	require.ErrorIs(t, err, ErrBadEnvelope)
}
