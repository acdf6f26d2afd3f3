package httpgw

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/launchdarkly/eventsource"
	"github.com/roasbeef/agentmesh/internal/channel"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/transport"
)

// replyNamePrefix namespaces gateway reply addresses so they can never
// collide with a registered agent name.
const replyNamePrefix = "_gw."

// ClientConfig holds the gateway client binding options.
type ClientConfig struct {
	// GatewayURL is the base URL of the gateway, e.g.
	// http://localhost:8080.
	GatewayURL string

	// ReconnectBackoffCap is the ceiling for the SSE reconnect delay.
	ReconnectBackoffCap time.Duration

	// HTTPClient overrides the default HTTP client, mainly for tests.
	HTTPClient *http.Client
}

// Client is the Transport implementation that speaks to a Gateway.
// Publishes are HTTP POSTs; subscriptions are long-lived SSE streams that
// reconnect on drop with exponential backoff capped at the configured
// ceiling.
type Client struct {
	cfg  ClientConfig
	base *url.URL
	http *http.Client

	// mu protects streams and closed.
	mu      sync.Mutex
	streams []*clientStream
	closed  bool
}

// NewClient creates a gateway client binding.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("%w: gateway url: %v",
			transport.ErrTransportFailure, err)
	}
	if cfg.ReconnectBackoffCap <= 0 {
		cfg.ReconnectBackoffCap = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		cfg:  cfg,
		base: base,
		http: httpClient,
	}, nil
}

// endpoint builds a gateway URL for the given route and address.
func (c *Client) endpoint(route, addr string, query url.Values) string {
	u := *c.base
	u.Path = route + "/" + url.PathEscape(addr)
	u.RawQuery = query.Encode()

	return u.String()
}

// Publish POSTs an envelope at the gateway. The envelope header block
// rides as prefixed HTTP headers; the body is the raw payload.
func (c *Client) Publish(ctx context.Context, dst envelope.Address,
	env *envelope.Envelope, probe bool) error {

	if err := dst.Validate(); err != nil {
		return err
	}

	query := url.Values{}
	if probe {
		query.Set("probe", "1")
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		c.endpoint("/v1/publish", dst.String(), query),
		bytes.NewReader(env.Payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportFailure, err)
	}
	for key, value := range env.Header {
		req.Header.Set(headerPrefix+key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: publish: %v",
			transport.ErrTransportFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", transport.ErrNoAgent,
			dst.String())

	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: publish status %d",
			transport.ErrTransportFailure, resp.StatusCode)
	}

	return nil
}

// clientStream is one SSE subscription: the eventsource stream plus the
// goroutine pumping its events into a handler or reply channel.
type clientStream struct {
	stream    *eventsource.Stream
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// stop shuts the underlying stream down without waiting for the pump.
func (s *clientStream) stop() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.stream.Close()
	})
}

// close tears the stream down and waits for the pump to exit. Safe to
// call from both Unsubscribe and Client.Close.
func (s *clientStream) close() {
	s.stop()
	<-s.done
}

// openStream dials an SSE stream for the address pattern.
func (c *Client) openStream(pattern string,
	broadcast bool) (*eventsource.Stream, error) {

	query := url.Values{}
	if broadcast {
		query.Set("broadcast", "1")
	}

	req, err := http.NewRequest(
		http.MethodGet,
		c.endpoint("/v1/subscribe", pattern, query), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v",
			transport.ErrTransportFailure, err)
	}

	stream, err := eventsource.SubscribeWithRequestAndOptions(req,
		eventsource.StreamOptionHTTPClient(c.http),
		eventsource.StreamOptionInitialRetry(250*time.Millisecond),
		eventsource.StreamOptionUseBackoff(c.cfg.ReconnectBackoffCap),
		eventsource.StreamOptionUseJitter(0.25),
		eventsource.StreamOptionCanRetryFirstConnection(
			10*time.Second,
		),
		eventsource.StreamOptionErrorHandler(
			func(err error) eventsource.StreamErrorHandlerResult {
				log.WarnS(context.Background(),
					"Gateway stream error, will retry",
					err, "pattern", pattern)

				return eventsource.StreamErrorHandlerResult{}
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v",
			transport.ErrTransportFailure, pattern, err)
	}

	return stream, nil
}

// track registers a stream for Close cleanup.
func (c *Client) track(cs *clientStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: client closed",
			transport.ErrTransportFailure)
	}
	c.streams = append(c.streams, cs)

	return nil
}

// clientSub is the Subscription handle for a gateway stream.
type clientSub struct {
	pattern envelope.Address
	cs      *clientStream
}

// Pattern returns the address pattern this subscription was created for.
func (s *clientSub) Pattern() envelope.Address {
	return s.pattern
}

// Unsubscribe stops the stream.
func (s *clientSub) Unsubscribe() error {
	s.cs.close()

	return nil
}

// Subscribe opens the SSE stream for a pattern and dispatches its
// envelopes to the handler serially, preserving per-receiver FIFO order.
func (c *Client) Subscribe(ctx context.Context, pattern envelope.Address,
	handler transport.Handler,
	opts ...transport.SubscribeOption) (transport.Subscription, error) {

	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	resolved := transport.ResolveSubscribeOptions(opts)

	stream, err := c.openStream(pattern.Name, resolved.Broadcast)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	cs := &clientStream{
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := c.track(cs); err != nil {
		cancel()
		stream.Close()

		return nil, err
	}

	go func() {
		defer close(cs.done)

		for {
			select {
			case <-pumpCtx.Done():
				return

			case ev, ok := <-stream.Events:
				if !ok {
					return
				}

				env, err := envelope.Unmarshal(
					[]byte(ev.Data()),
				)
				if err != nil {
					log.WarnS(pumpCtx,
						"Dropping malformed frame",
						err, "pattern", pattern.Name)
					continue
				}

				handler(ctx, env)
			}
		}
	}()

	log.DebugS(ctx, "Gateway subscription installed",
		"pattern", pattern.String(), "broadcast", resolved.Broadcast)

	return &clientSub{pattern: pattern, cs: cs}, nil
}

// OpenReplyChannel allocates a gateway reply address backed by its own
// SSE stream and delivers envelopes published to it on the returned
// channel.
func (c *Client) OpenReplyChannel(_ context.Context) (envelope.Address,
	*channel.Channel, error) {

	name := replyNamePrefix + uuid.NewString()
	replyCh := channel.New(channel.DefaultCapacity)

	stream, err := c.openStream(name, false)
	if err != nil {
		return envelope.Address{}, nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	cs := &clientStream{
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := c.track(cs); err != nil {
		cancel()
		stream.Close()

		return envelope.Address{}, nil, err
	}

	go func() {
		defer close(cs.done)
		defer cs.stop()

		for {
			select {
			case <-pumpCtx.Done():
				return

			case ev, ok := <-stream.Events:
				if !ok {
					return
				}

				env, err := envelope.Unmarshal(
					[]byte(ev.Data()),
				)
				if err != nil {
					log.WarnS(pumpCtx,
						"Dropping malformed reply",
						err, "inbox", name)
					continue
				}

				// A closed reply channel means the caller is
				// done; tear the stream down either way.
				if err := replyCh.Write(
					pumpCtx, env,
				); err != nil {
					return
				}
			}
		}
	}()

	return envelope.Address{Name: name}, replyCh, nil
}

// Close stops every stream this client opened.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	for _, cs := range streams {
		cs.close()
	}

	return nil
}

// A compile-time assertion that Client satisfies the Transport contract.
var _ transport.Transport = (*Client)(nil)
