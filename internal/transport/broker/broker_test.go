package broker

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/runtime"
	"github.com/roasbeef/agentmesh/internal/transport"
	"github.com/stretchr/testify/require"
)

// newTestBroker starts an embedded broker and returns a connected
// transport binding.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	tr, err := New(Config{
		URL:  srv.ClientURL(),
		Name: "broker-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tr.Close())
	})

	return tr
}

// newTestCluster starts one embedded broker and returns n connected
// bindings sharing it.
func newTestCluster(t *testing.T, n int) []*Broker {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	transports := make([]*Broker, n)
	for i := range transports {
		tr, err := New(Config{
			URL:  srv.ClientURL(),
			Name: "broker-test",
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, tr.Close())
		})
		transports[i] = tr
	}

	return transports
}

// TestBrokerRoundTrip verifies publish/subscribe and the request/reply
// helper against a real broker.
func TestBrokerRoundTrip(t *testing.T) {
	t.Parallel()

	tr := newTestBroker(t)

	_, err := tr.Subscribe(
		context.Background(), envelope.NewAddress("echo"),
		func(ctx context.Context, env *envelope.Envelope) {
			replyTo, ok := env.ReplyTo()
			if !ok {
				return
			}
			_ = tr.Publish(ctx, replyTo, envelope.New(
				"echo.reply", env.Payload,
			), false)
		},
	)
	require.NoError(t, err)

	reply, err := transport.Channel(
		context.Background(), tr, envelope.NewAddress("echo"),
		envelope.New("echo.req", []byte("over the wire")),
		transport.ReqOptions{Timeout: 5 * time.Second},
	)
	require.NoError(t, err)
	require.Equal(t, "over the wire", string(reply.Payload))
}

// TestBrokerProbeNoAgent verifies the no-responders status maps to
// NoAgent on probed publishes.
func TestBrokerProbeNoAgent(t *testing.T) {
	t.Parallel()

	tr := newTestBroker(t)

	err := tr.Publish(
		context.Background(), envelope.NewAddress("nobody"),
		envelope.New("note", nil), true,
	)
	require.ErrorIs(t, err, transport.ErrNoAgent)

	// With a subscriber present the same probe succeeds.
	_, err = tr.Subscribe(
		context.Background(), envelope.NewAddress("somebody"),
		func(context.Context, *envelope.Envelope) {},
	)
	require.NoError(t, err)

	err = tr.Publish(
		context.Background(), envelope.NewAddress("somebody"),
		envelope.New("note", nil), true,
	)
	require.NoError(t, err)
}

// TestBrokerHeaderFidelity verifies the header block survives the wire
// unchanged alongside a binary payload.
func TestBrokerHeaderFidelity(t *testing.T) {
	t.Parallel()

	tr := newTestBroker(t)

	received := make(chan *envelope.Envelope, 1)
	_, err := tr.Subscribe(
		context.Background(), envelope.NewAddress("sink"),
		func(_ context.Context, env *envelope.Envelope) {
			received <- env
		},
	)
	require.NoError(t, err)

	env := envelope.New("blob", []byte{0x00, 0x01, 0xfe})
	env.Set(envelope.HeaderSessionID, "sess-7")
	env.Set("custom", "value")

	require.NoError(t, tr.Publish(
		context.Background(), envelope.NewAddress("sink"), env,
		false,
	))

	select {
	case got := <-received:
		require.Equal(t, []byte{0x00, 0x01, 0xfe}, got.Payload)
		require.Equal(t, "sess-7", got.SessionID())
		require.Equal(t, "value", got.Get("custom"))
		require.Equal(t, "blob", got.Type())

	case <-time.After(5 * time.Second):
		t.Fatal("envelope never delivered")
	}
}

// newBrokerRuntime wraps a broker binding in a runtime with test
// timings.
func newBrokerRuntime(t *testing.T, tr *Broker) *runtime.Runtime {
	t.Helper()

	rt, err := runtime.New(runtime.Config{
		Transport:                 tr,
		RequestTimeout:            5 * time.Second,
		DiscoveryAggregateTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rt.Close())
	})

	return rt
}

// echoSpec registers an agent that returns its request payload verbatim.
func echoSpec(name string) runtime.Spec {
	return runtime.Spec{
		Name: name,
		New: func() agent.Agent {
			return agent.Responder(func(_ context.Context,
				env *envelope.Envelope) (*envelope.Envelope,
				error) {

				return envelope.New(
					"echo.reply", env.Payload,
				), nil
			})
		},
	}
}

// TestBrokerTransportEquivalence runs the scripted echo workload over
// the broker and expects the same observable replies the in-process
// binding produces.
func TestBrokerTransportEquivalence(t *testing.T) {
	t.Parallel()

	runWorkload := func(rt *runtime.Runtime) []string {
		var replies []string
		for _, msg := range []string{"one", "two", "three"} {
			reply, err := rt.Channel(
				context.Background(),
				envelope.NewAddress("echo"),
				envelope.New("req", []byte(msg)),
				transport.ReqOptions{Probe: true},
			)
			require.NoError(t, err)
			replies = append(replies, string(reply.Payload))
		}

		return replies
	}

	// In-process run.
	inproc := transport.NewInProc()
	inprocRT, err := runtime.New(runtime.Config{
		Transport:      inproc,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, inprocRT.Close())
		require.NoError(t, inproc.Close())
	})
	require.NoError(t, inprocRT.Register(echoSpec("echo")))

	// Broker run.
	brokerRT := newBrokerRuntime(t, newTestBroker(t))
	require.NoError(t, brokerRT.Register(echoSpec("echo")))

	require.Equal(t, runWorkload(inprocRT), runWorkload(brokerRT))
}

// TestBrokerDiscoveryAcrossRuntimes verifies broadcast discovery
// aggregates and de-duplicates names across runtimes sharing a broker.
func TestBrokerDiscoveryAcrossRuntimes(t *testing.T) {
	t.Parallel()

	transports := newTestCluster(t, 2)

	rtA := newBrokerRuntime(t, transports[0])
	rtB := newBrokerRuntime(t, transports[1])

	require.NoError(t, rtA.Register(echoSpec("team.a")))
	require.NoError(t, rtB.Register(echoSpec("team.b")))

	// Both runtimes register "shared"; discovery must list it once.
	require.NoError(t, rtA.Register(echoSpec("shared")))
	require.NoError(t, rtB.Register(echoSpec("shared")))

	names, err := rtA.Discover(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []string{"shared", "team.a", "team.b"}, names)

	names, err = rtA.Discover(context.Background(), "team")
	require.NoError(t, err)
	require.Equal(t, []string{"team.a", "team.b"}, names)
}

// TestBrokerQueueGroupLoadBalance verifies two runtimes hosting the same
// name split unicast traffic rather than both receiving every envelope.
func TestBrokerQueueGroupLoadBalance(t *testing.T) {
	t.Parallel()

	transports := newTestCluster(t, 2)

	received := make(chan string, 64)
	subscribeWorker := func(tr *Broker, tag string) {
		_, err := tr.Subscribe(
			context.Background(),
			envelope.NewAddress("worker"),
			func(ctx context.Context, env *envelope.Envelope) {
				received <- tag
				replyTo, ok := env.ReplyTo()
				if ok {
					_ = tr.Publish(ctx, replyTo,
						envelope.New("ack", nil),
						false)
				}
			},
		)
		require.NoError(t, err)
	}
	subscribeWorker(transports[0], "a")
	subscribeWorker(transports[1], "b")

	const total = 20
	for i := 0; i < total; i++ {
		_, err := transport.Channel(
			context.Background(), transports[0],
			envelope.NewAddress("worker"),
			envelope.New("job", nil),
			transport.ReqOptions{Timeout: 5 * time.Second},
		)
		require.NoError(t, err)
	}

	// Every job was handled exactly once across the group.
	close(received)
	var count int
	for range received {
		count++
	}
	require.Equal(t, total, count)
}
