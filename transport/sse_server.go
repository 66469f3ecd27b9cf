package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/logging"
	"github.com/vinayprograms/agentwire/telemetry"
)

// RouterConfig configures a SessionRouter.
type RouterConfig struct {
	Config // Embed base config

	// MessagePath is announced in the endpoint event and must be where
	// HandleMessage is mounted.
	// Default: /message
	MessagePath string

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration

	// MaxBodyBytes limits one submitted envelope.
	// Default: 4 MiB
	MaxBodyBytes int64

	// OnSession is called in its own goroutine with each new session
	// channel, already open. It typically runs a protocol engine until
	// the channel closes.
	OnSession func(ctx context.Context, ch Channel)
}

// DefaultRouterConfig returns configuration with sensible defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Config:            DefaultConfig(),
		MessagePath:       "/message",
		HeartbeatInterval: 30 * time.Second,
		MaxBodyBytes:      4 * 1024 * 1024,
	}
}

// SessionRouter is the server side of the SSE binding. Each GET on the
// stream handler opens a session; each POST on the message handler is
// routed to a session by its sessionId query parameter.
//
// The router is the only owner of the session registry. A session is
// registered before its endpoint event is written and removed before its
// channel is torn down, so a submission is either delivered to a live
// session or rejected with 404.
type SessionRouter struct {
	cfg RouterConfig
	log *logging.Logger

	mu       sync.Mutex
	sessions map[string]*sessionChannel
	closed   bool
}

// NewSessionRouter creates a router.
func NewSessionRouter(cfg RouterConfig) *SessionRouter {
	d := DefaultRouterConfig()
	if cfg.MessagePath == "" {
		cfg.MessagePath = d.MessagePath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	cfg.Config = cfg.Config.withDefaults()
	return &SessionRouter{
		cfg:      cfg,
		log:      cfg.Logger.WithComponent("sse"),
		sessions: make(map[string]*sessionChannel),
	}
}

// HandleSSE is an HTTP handler for event-stream subscriptions.
// Mount this at your stream endpoint (e.g., /sse).
func (r *SessionRouter) HandleSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	ctx := telemetry.ExtractHTTP(context.WithoutCancel(req.Context()), req.Header)
	s := newSessionChannel(r, uuid.NewString())
	log := r.log
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		log = log.WithTraceID(traceID)
		s.log = s.log.WithTraceID(traceID)
	}
	if !r.register(s) {
		s.shutdown(nil)
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	var reason error
	defer func() { r.end(s, reason) }()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	endpoint := r.cfg.MessagePath + "?sessionId=" + s.id
	if err := writeEvent(w, EventEndpoint, []byte(endpoint)); err != nil {
		reason = errors.Transport("stream write failed", errors.WithKind(string(KindSSESession)), errors.WithCause(err))
		return
	}
	flusher.Flush()
	log.SessionOpened(s.id)

	if r.cfg.OnSession != nil {
		go r.cfg.OnSession(ctx, s)
	}

	var heartbeat <-chan time.Time
	if r.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-req.Context().Done():
			reason = errors.Transport("client disconnected", errors.WithKind(string(KindSSESession)), errors.WithSessionID(s.id))
			return
		case <-s.done:
			return
		case <-heartbeat:
			if err := writeComment(w, "heartbeat"); err != nil {
				reason = errors.Transport("stream write failed", errors.WithKind(string(KindSSESession)), errors.WithCause(err))
				return
			}
			flusher.Flush()
		case wr := <-s.writes:
			if err := writeEvent(w, EventMessage, wr.msg); err != nil {
				reason = errors.Transport("stream write failed", errors.WithKind(string(KindSSESession)), errors.WithCause(err))
				wr.result <- reason
				return
			}
			flusher.Flush()
			wr.result <- nil
		}
	}
}

// HandleMessage is an HTTP handler for envelope submissions.
// Mount this at MessagePath.
func (r *SessionRouter) HandleMessage(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := req.URL.Query().Get("sessionId")
	s := r.lookup(id)
	if s == nil {
		r.log.Debug("session_not_found", map[string]interface{}{"session_id": id})
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}
	msg, err := ParseMessage(body)
	if err != nil {
		s.log.FramingError(string(KindSSESession), err)
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}

	ctx := telemetry.ExtractHTTP(req.Context(), req.Header)
	ctx, span := s.tracer.StartChannelSpan(ctx, telemetry.SpanDeliver, string(KindSSESession))
	delivered := s.deliver(ctx, Inbound{Message: msg})

	var spanErr error
	if !delivered {
		spanErr = errors.SessionNotFound(id)
	}
	s.tracer.EndChannelSpan(span, telemetry.ChannelSpanOptions{SessionID: id, Bytes: len(msg)}, spanErr)

	if !delivered {
		if req.Context().Err() != nil {
			return
		}
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Accepted"))
}

// Lookup returns the live session with the given id.
func (r *SessionRouter) Lookup(id string) (Channel, bool) {
	s := r.lookup(id)
	if s == nil {
		return nil, false
	}
	return s, true
}

// Len returns the number of live sessions.
func (r *SessionRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every live session and rejects new subscriptions.
func (r *SessionRouter) Close() error {
	r.mu.Lock()
	r.closed = true
	live := make([]*sessionChannel, 0, len(r.sessions))
	for id, s := range r.sessions {
		live = append(live, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range live {
		reason := errors.Transport("server shutting down", errors.WithKind(string(KindSSESession)), errors.WithSessionID(s.id))
		if s.shutdown(reason) {
			r.log.SessionClosed(s.id, reason)
		}
	}
	return nil
}

func (r *SessionRouter) register(s *sessionChannel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.id] = s
	return true
}

func (r *SessionRouter) lookup(id string) *sessionChannel {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *SessionRouter) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// end removes the session from the registry, then tears it down.
func (r *SessionRouter) end(s *sessionChannel, reason error) {
	r.remove(s.id)
	if s.shutdown(reason) {
		r.log.SessionClosed(s.id, reason)
	}
}

// sessionChannel is the server-side Channel of one SSE session. It is
// open from creation; its outbound envelopes are written by the stream
// handler goroutine that owns the response.
type sessionChannel struct {
	*base
	id     string
	router *SessionRouter
}

func newSessionChannel(r *SessionRouter, id string) *sessionChannel {
	s := &sessionChannel{
		base:   newBase(KindSSESession, r.cfg.Config),
		id:     id,
		router: r,
	}
	s.begin()
	return s
}

// ID returns the session identifier.
func (s *sessionChannel) ID() string {
	return s.id
}

// Start fails with STATE; sessions are opened by the router.
func (s *sessionChannel) Start(ctx context.Context) error {
	return s.begin()
}

// Send queues msg as a "message" event on the session's stream.
func (s *sessionChannel) Send(ctx context.Context, msg Message) error {
	return s.send(ctx, msg, func(ctx context.Context) error {
		return s.enqueue(ctx, msg)
	})
}

// Close ends the session; its id is rejected from then on.
func (s *sessionChannel) Close() error {
	s.router.end(s, nil)
	return nil
}
