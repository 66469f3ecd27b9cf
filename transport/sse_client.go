package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/telemetry"
)

// maxDrainBytes bounds how much of a submission response body is read
// so the connection can be reused.
const maxDrainBytes = 4096

// SSEConfig holds SSE client channel configuration.
type SSEConfig struct {
	Config // Embed base config

	// URL of the event stream, e.g. http://localhost:3001/sse.
	URL string

	// Header is sent with the stream request and every POST.
	Header http.Header

	// HandshakeTimeout bounds the wait for the endpoint event.
	// Default: 10s
	HandshakeTimeout time.Duration

	// MaxMessageBytes limits one event line.
	// Default: 10 MiB
	MaxMessageBytes int

	// HTTPClient performs the stream request and POSTs.
	// Default: a client without an overall timeout
	HTTPClient *http.Client
}

// DefaultSSEConfig returns configuration with sensible defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		Config:           DefaultConfig(),
		HandshakeTimeout: 10 * time.Second,
		MaxMessageBytes:  DefaultMaxMessageBytes,
	}
}

// SSEClientChannel implements Channel against an SSE server: envelopes
// arrive as "message" events on a GET stream, and each Send is one POST
// to the endpoint announced by the first "endpoint" event.
type SSEClientChannel struct {
	*base
	cfg    SSEConfig
	client *http.Client

	body     io.ReadCloser
	endpoint *url.URL // guarded by mu
	ready    chan struct{}

	sendMu sync.Mutex
}

// NewSSEClientChannel creates a channel for the stream at cfg.URL.
func NewSSEClientChannel(cfg SSEConfig) *SSEClientChannel {
	d := DefaultSSEConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = d.MaxMessageBytes
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &SSEClientChannel{
		base:   newBase(KindSSE, cfg.Config),
		cfg:    cfg,
		client: client,
		ready:  make(chan struct{}),
	}
}

// Endpoint returns the message submission URL, or nil before the
// handshake completes.
func (c *SSEClientChannel) Endpoint() *url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Start opens the event stream and waits for the endpoint event.
func (c *SSEClientChannel) Start(ctx context.Context) error {
	return c.start(ctx, c.cfg.URL, c.connect)
}

func (c *SSEClientChannel) connect(ctx context.Context) error {
	opts := []errors.Option{
		errors.WithKind(string(KindSSE)),
		errors.WithTarget(c.cfg.URL),
	}

	streamURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return errors.Connection("invalid stream URL", append(opts, errors.WithCause(err))...)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	// The stream outlives Start, so it is bound to the channel's context;
	// an expired handshake aborts it through the same context.
	abort := context.AfterFunc(ctx, c.cancel)
	defer abort()

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return errors.Connection("invalid stream request", append(opts, errors.WithCause(err))...)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, vs := range c.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	telemetry.InjectHTTP(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return c.startFailed("event stream request failed", err, opts)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return errors.Connection(fmt.Sprintf("event stream returned %s", resp.Status), opts...)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		return errors.Connection(fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type")), opts...)
	}
	if !c.attach(func() { c.body = resp.Body }) {
		resp.Body.Close()
		return errors.Transport("channel closed during start", opts...)
	}

	go c.readLoop(resp.Body, streamURL)

	select {
	case <-c.ready:
		if !abort() {
			return c.startFailed("endpoint handshake aborted", nil, opts)
		}
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return errors.Transport("channel closed during start", opts...)
	case <-ctx.Done():
		return c.startFailed("no endpoint event", ctx.Err(), opts)
	}
}

// startFailed classifies a failure during Start: a local close is
// TRANSPORT, anything else is CONNECTION.
func (c *SSEClientChannel) startFailed(msg string, cause error, opts []errors.Option) error {
	if cause != nil {
		opts = append(opts, errors.WithCause(cause))
	}
	if c.isClosed() {
		return errors.Transport("channel closed during start", opts...)
	}
	return errors.Connection(msg, opts...)
}

func (c *SSEClientChannel) readLoop(body io.ReadCloser, streamURL *url.URL) {
	defer body.Close()

	var reason error
	err := readEvents(body, c.cfg.MaxMessageBytes, func(ev sseEvent) bool {
		switch ev.Name {
		case EventEndpoint:
			if err := c.setEndpoint(streamURL, ev.Data); err != nil {
				reason = err
				return false
			}
			return true
		case EventMessage, "":
			return c.deliverData([]byte(ev.Data))
		default:
			c.log.Debug("sse_event_ignored", map[string]interface{}{"event": ev.Name})
			return true
		}
	})

	if reason == nil {
		kind := errors.WithKind(string(KindSSE))
		if err != nil {
			reason = errors.Transport("event stream read failed", kind, errors.WithCause(err))
		} else {
			reason = errors.Transport("event stream ended", kind)
		}
	}
	c.fail(reason)
}

// setEndpoint resolves the announced submission path against the stream
// URL. Only the first endpoint event counts, and it must share the
// stream's origin.
func (c *SSEClientChannel) setEndpoint(streamURL *url.URL, data string) error {
	ref, err := url.Parse(data)
	if err != nil {
		return errors.Connection("invalid endpoint event", errors.WithKind(string(KindSSE)), errors.WithCause(err))
	}
	endpoint := streamURL.ResolveReference(ref)
	if endpoint.Scheme != streamURL.Scheme || endpoint.Host != streamURL.Host {
		return errors.Connection(fmt.Sprintf("endpoint origin mismatch: %s", endpoint.Redacted()), errors.WithKind(string(KindSSE)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoint != nil {
		return nil
	}
	c.endpoint = endpoint
	close(c.ready)
	return nil
}

// Send POSTs msg to the session endpoint. Sends are serialized so the
// server sees them in call order. A rejected POST closes the channel.
func (c *SSEClientChannel) Send(ctx context.Context, msg Message) error {
	return c.send(ctx, msg, func(ctx context.Context) error {
		if c.isClosed() {
			return c.closedErr()
		}
		endpoint := c.Endpoint()
		if endpoint == nil {
			return errors.State("no session", errors.WithKind(string(KindSSE)))
		}

		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		return c.post(ctx, endpoint, msg)
	})
}

func (c *SSEClientChannel) post(ctx context.Context, endpoint *url.URL, msg Message) error {
	opts := []errors.Option{
		errors.WithKind(string(KindSSE)),
		errors.WithTarget(endpoint.String()),
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.String(), bytes.NewReader(msg))
	if err != nil {
		return errors.Transport("invalid submission request", append(opts, errors.WithCause(err))...)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	telemetry.InjectHTTP(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		if c.isClosed() {
			return c.closedErr()
		}
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "send", opts...)
		}
		terr := errors.Transport("submission failed", append(opts, errors.WithCause(err))...)
		c.fail(terr)
		return terr
	}
	// The status decides the outcome; a drain error is not a send failure.
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		opts = append(opts, errors.WithMetadata("status", resp.Status))
		terr := errors.Transport(fmt.Sprintf("submission rejected: %s", resp.Status), opts...)
		c.fail(terr)
		return terr
	}
	return nil
}

// Close closes the stream. There is no automatic reconnect.
func (c *SSEClientChannel) Close() error {
	c.fail(nil)
	return nil
}

func (c *SSEClientChannel) fail(err error) {
	if !c.shutdown(err) {
		return
	}
	c.mu.Lock()
	body := c.body
	c.mu.Unlock()
	if body != nil {
		body.Close()
	}
}
