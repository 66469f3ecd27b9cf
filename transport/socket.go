package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentwire/errors"
)

// Subprotocol is negotiated on every socket handshake.
const Subprotocol = "mcp"

// SocketConfig holds WebSocket channel configuration.
type SocketConfig struct {
	Config // Embed base config

	// URL is the ws:// or wss:// address to dial. Unused for accepted
	// connections.
	URL string

	// Header is sent with the handshake request.
	Header http.Header

	// HandshakeTimeout bounds the opening handshake.
	// Default: 10s
	HandshakeTimeout time.Duration

	// WriteTimeout for each frame (0 = no timeout).
	WriteTimeout time.Duration

	// MaxMessageBytes limits one inbound frame.
	// Default: 10 MiB
	MaxMessageBytes int64

	// PingInterval for keepalive pings (0 = disabled). The peer must
	// answer within two intervals.
	PingInterval time.Duration
}

// DefaultSocketConfig returns configuration with sensible defaults.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		Config:           DefaultConfig(),
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageBytes:  DefaultMaxMessageBytes,
		PingInterval:     30 * time.Second,
	}
}

// SocketChannel implements Channel over a WebSocket, one envelope per
// text frame.
type SocketChannel struct {
	*base
	cfg  SocketConfig
	conn *websocket.Conn
}

// NewSocketChannel creates a client channel that dials cfg.URL on Start.
func NewSocketChannel(cfg SocketConfig) *SocketChannel {
	return &SocketChannel{
		base: newBase(KindSocket, cfg.Config),
		cfg:  socketDefaults(cfg),
	}
}

// AcceptSocket wraps a server-side connection returned by an upgrader.
// Start begins reading and writing without a handshake.
func AcceptSocket(conn *websocket.Conn, cfg SocketConfig) *SocketChannel {
	c := NewSocketChannel(cfg)
	c.conn = conn
	return c
}

func socketDefaults(cfg SocketConfig) SocketConfig {
	d := DefaultSocketConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = d.MaxMessageBytes
	}
	return cfg
}

// NewSocketUpgrader creates an upgrader for accepting socket channels.
func NewSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// Start dials the peer, or adopts the accepted connection.
func (c *SocketChannel) Start(ctx context.Context) error {
	target := c.cfg.URL
	if c.conn != nil {
		target = c.conn.RemoteAddr().String()
	}
	return c.start(ctx, target, c.open)
}

func (c *SocketChannel) open(ctx context.Context) error {
	conn := c.conn
	if conn == nil {
		var err error
		conn, err = c.dial(ctx)
		if err != nil {
			return err
		}
		if !c.attach(func() { c.conn = conn }) {
			conn.Close()
			return errors.Transport("channel closed during start", errors.WithKind(string(KindSocket)))
		}
	}

	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	if c.cfg.PingInterval > 0 {
		wait := 2 * c.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	go c.readLoop(conn)
	go c.writeLoop(c.writeFrame, c.fail)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	return nil
}

func (c *SocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := []errors.Option{
		errors.WithKind(string(KindSocket)),
		errors.WithTarget(c.cfg.URL),
	}

	// Close aborts an in-progress handshake.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if c.isClosed() {
			return nil, errors.Transport("channel closed during start", append(opts, errors.WithCause(err))...)
		}
		return nil, errors.Connection("socket handshake failed", append(opts, errors.WithCause(err))...)
	}
	return conn, nil
}

// Send writes msg as one text frame.
func (c *SocketChannel) Send(ctx context.Context, msg Message) error {
	return c.send(ctx, msg, func(ctx context.Context) error {
		return c.enqueue(ctx, msg)
	})
}

// Close sends a normal-closure frame and closes the socket.
func (c *SocketChannel) Close() error {
	if !c.shutdown(nil) {
		return nil
	}
	c.release(true)
	return nil
}

func (c *SocketChannel) fail(err error) {
	if c.shutdown(err) {
		c.release(false)
	}
}

func (c *SocketChannel) release(graceful bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if graceful {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}
	conn.Close()
}

// writeFrame runs on the writer goroutine, the connection's only writer.
func (c *SocketChannel) writeFrame(msg Message) error {
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *SocketChannel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may be called concurrently with WriteMessage.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingInterval)); err != nil {
				c.fail(errors.Transport("ping failed", errors.WithKind(string(KindSocket)), errors.WithCause(err)))
				return
			}
		}
	}
}

func (c *SocketChannel) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(socketEnded(err))
			return
		}

		if mt != websocket.TextMessage {
			item := Inbound{Err: errors.Framing("binary frame", errors.WithKind(string(KindSocket)))}
			if !c.deliver(c.ctx, item) {
				return
			}
			continue
		}
		if !c.deliverData(data) {
			return
		}
	}
}

func socketEnded(err error) error {
	kind := errors.WithKind(string(KindSocket))
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return errors.Transport("peer closed socket", kind, errors.WithCause(err))
	}
	return errors.Transport("read failed", kind, errors.WithCause(err))
}
