package runtime

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/transport"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestSessionCountersConsistent property-tests the single-instance-per-
// key and serialisation invariants together: for any sequence of bumps
// across random sessions, each session's counter equals the number of
// bumps it received.
func TestSessionCountersConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := transport.NewInProc()
		defer func() {
			_ = tr.Close()
		}()

		var stopped atomic.Int32
		rt, err := New(Config{
			Transport:      tr,
			RequestTimeout: 2 * time.Second,
		})
		if err != nil {
			t.Fatal(err)
		}
		defer func() {
			_ = rt.Close()
		}()

		err = rt.Register(Spec{
			Name:          "conv",
			SessionScoped: true,
			New: func() agent.Agent {
				return &counterAgent{stopped: &stopped}
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		sessions := rapid.SliceOfN(
			rapid.StringMatching(`s[0-9]`), 1, 30,
		).Draw(t, "sessions")

		want := make(map[string]int)
		for _, session := range sessions {
			want[session]++

			env := envelope.New("bump", nil)
			env.Set(envelope.HeaderSessionID, session)

			reply, err := rt.Channel(
				context.Background(),
				envelope.NewAddress("conv"), env,
				transport.ReqOptions{},
			)
			if err != nil {
				t.Fatal(err)
			}

			got, err := strconv.Atoi(string(reply.Payload))
			require.NoError(t, err)
			require.Equal(t, want[session], got,
				"session %q counter diverged", session)
		}
	})
}
