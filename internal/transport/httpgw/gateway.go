// Package httpgw implements the HTTP gateway transport binding. The
// gateway is the rendezvous point: publishers POST envelopes at it, and
// subscribers hold long-lived server-sent-event streams from it. The
// client half of the binding (Client) implements the Transport contract
// against a gateway, reconnecting dropped streams with exponential
// backoff.
package httpgw

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/launchdarkly/eventsource"
	"github.com/roasbeef/agentmesh/internal/envelope"
)

// Wire constants shared by the gateway and its clients.
const (
	// headerPrefix prefixes envelope header keys when they ride as HTTP
	// headers on a publish.
	headerPrefix = "X-Mesh-"

	// eventName is the SSE event type for envelope frames.
	eventName = "envelope"

	// publishPath is the POST route; the address path component is the
	// canonical destination encoding.
	publishPath = "/v1/publish/{address}"

	// subscribePath is the SSE route for both name subscriptions and
	// reply streams.
	subscribePath = "/v1/subscribe/{address}"

	// maxPayloadBytes bounds a single published payload.
	maxPayloadBytes = 16 << 20
)

// envelopeEvent adapts an envelope to the eventsource Event interface.
type envelopeEvent struct {
	id   string
	data string
}

// Id implements eventsource.Event.
func (e *envelopeEvent) Id() string { return e.id }

// Event implements eventsource.Event.
func (e *envelopeEvent) Event() string { return eventName }

// Data implements eventsource.Event.
func (e *envelopeEvent) Data() string { return e.data }

// gwSubscriber is one live SSE stream: its private eventsource channel id
// plus its delivery mode.
type gwSubscriber struct {
	channelID string
	broadcast bool
}

// Gateway is the server half of the HTTP binding. It routes published
// envelopes to subscriber streams: every broadcast subscriber of the
// destination name receives a copy, and exactly one unicast subscriber is
// chosen round-robin, mirroring the broker binding's queue-group
// semantics.
type Gateway struct {
	sse *eventsource.Server

	// mu protects subs and rr.
	mu   sync.Mutex
	subs map[string][]*gwSubscriber
	rr   map[string]int

	// seq numbers SSE events for client resume bookkeeping.
	seq atomic.Uint64

	router chi.Router

	closed atomic.Bool
}

// NewGateway creates a gateway hub with no subscribers.
func NewGateway() *Gateway {
	sse := eventsource.NewServer()
	sse.ReplayAll = false

	g := &Gateway{
		sse:  sse,
		subs: make(map[string][]*gwSubscriber),
		rr:   make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post(publishPath, g.handlePublish)
	r.Get(subscribePath, g.handleSubscribe)
	g.router = r

	return g
}

// Router returns the gateway's HTTP routes, ready to mount on a server.
func (g *Gateway) Router() chi.Router {
	return g.router
}

// Close shuts the SSE hub down, dropping all subscriber streams.
func (g *Gateway) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	g.sse.Close()

	return nil
}

// handlePublish accepts one envelope POST and fans it out to subscriber
// streams. With ?probe=1, a destination with no subscriber fails fast
// with 404 so the client can surface NoAgent.
func (g *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if addr == "" {
		http.Error(w, "missing address", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "payload read failed",
			http.StatusBadRequest)
		return
	}

	env := &envelope.Envelope{
		Header:  make(map[string]string),
		Payload: payload,
	}
	for key, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		if name, ok := envelopeHeaderName(key); ok {
			env.Header[name] = values[0]
		}
	}

	probe := r.URL.Query().Get("probe") == "1"

	// The routing key is the name component; the address path carries
	// the canonical encoding whose leading token set is the registered
	// name for every subscription the gateway holds.
	name := routeName(addr, g.knownNames())

	targets := g.selectTargets(name)
	if len(targets) == 0 {
		if probe {
			http.Error(w, "no subscriber for "+addr,
				http.StatusNotFound)
			return
		}

		// Fire-and-forget to nobody is dropped, as on the broker.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := envelope.Marshal(env)
	if err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}

	ev := &envelopeEvent{
		id:   strconv.FormatUint(g.seq.Add(1), 10),
		data: string(data),
	}

	channels := make([]string, len(targets))
	for i, sub := range targets {
		channels[i] = sub.channelID
	}
	g.sse.Publish(channels, ev)

	log.TraceS(r.Context(), "Gateway published envelope",
		"address", addr, "subscribers", len(channels))

	w.WriteHeader(http.StatusAccepted)
}

// envelopeHeaderName maps an HTTP header key back to the envelope header
// it carries, if any.
func envelopeHeaderName(httpKey string) (string, bool) {
	canonical := http.CanonicalHeaderKey(headerPrefix)
	key := http.CanonicalHeaderKey(httpKey)
	if len(key) <= len(canonical) ||
		key[:len(canonical)] != canonical {

		return "", false
	}

	return normalizeHeaderName(key[len(canonical):]), true
}

// routeName resolves which subscription a published address belongs to.
// Agent names may contain dots, so the longest registered name that
// prefixes the address wins; an address with no registered prefix routes
// by its full string (covering reply streams, whose name is the whole
// address).
func routeName(addr string, known []string) string {
	best := ""
	for _, name := range known {
		if name == addr {
			return name
		}
		if len(name) > len(best) && len(addr) > len(name) &&
			addr[:len(name)] == name && addr[len(name)] == '.' {

			best = name
		}
	}
	if best != "" {
		return best
	}

	return addr
}

// knownNames snapshots the registered subscription names.
func (g *Gateway) knownNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.subs))
	for name := range g.subs {
		names = append(names, name)
	}

	return names
}

// selectTargets picks the subscriber streams for one delivery: all
// broadcast subscribers plus one unicast subscriber round-robin.
func (g *Gateway) selectTargets(name string) []*gwSubscriber {
	g.mu.Lock()
	defer g.mu.Unlock()

	subs := g.subs[name]
	if len(subs) == 0 {
		return nil
	}

	var targets []*gwSubscriber
	var unicast []*gwSubscriber
	for _, sub := range subs {
		if sub.broadcast {
			targets = append(targets, sub)
		} else {
			unicast = append(unicast, sub)
		}
	}
	if len(unicast) > 0 {
		idx := g.rr[name] % len(unicast)
		g.rr[name]++
		targets = append(targets, unicast[idx])
	}

	return targets
}

// handleSubscribe opens one SSE stream for an address pattern and serves
// it until the client goes away. Each stream gets a private eventsource
// channel so unicast delivery can single one stream out.
func (g *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	pattern := chi.URLParam(r, "address")
	if pattern == "" {
		http.Error(w, "missing address", http.StatusBadRequest)
		return
	}
	if g.closed.Load() {
		http.Error(w, "gateway closed",
			http.StatusServiceUnavailable)
		return
	}

	sub := &gwSubscriber{
		channelID: uuid.NewString(),
		broadcast: r.URL.Query().Get("broadcast") == "1",
	}

	g.mu.Lock()
	g.subs[pattern] = append(g.subs[pattern], sub)
	g.mu.Unlock()

	defer g.removeSubscriber(pattern, sub)

	log.DebugS(r.Context(), "Gateway stream opened",
		"pattern", pattern, "broadcast", sub.broadcast)

	g.sse.Handler(sub.channelID)(w, r)

	log.DebugS(r.Context(), "Gateway stream closed", "pattern", pattern)
}

// removeSubscriber drops a stream from the pattern's subscriber list.
func (g *Gateway) removeSubscriber(pattern string, sub *gwSubscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()

	subs := g.subs[pattern]
	for i, candidate := range subs {
		if candidate == sub {
			g.subs[pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(g.subs[pattern]) == 0 {
		delete(g.subs, pattern)
		delete(g.rr, pattern)
	}
}

// ServeHTTP lets the gateway itself act as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// normalizeHeaderName undoes HTTP header canonicalisation; envelope
// header keys are lowercase by convention.
func normalizeHeaderName(key string) string {
	return strings.ToLower(key)
}

// Serve runs the gateway on addr until the context is cancelled.
func Serve(ctx context.Context, addr string, g *Gateway) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: g,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		_ = g.Close()

		return nil

	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway serve: %w", err)
		}

		return nil
	}
}
