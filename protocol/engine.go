package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/logging"
	"github.com/vinayprograms/agentwire/telemetry"
	"github.com/vinayprograms/agentwire/transport"
)

// Handler handles JSON-RPC requests and notifications.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Handler serves inbound requests. Nil answers every request with
	// method not found.
	Handler Handler

	// Logger receives protocol events. Default: discard.
	Logger *logging.Logger

	// Tracer records call spans. Default: the global tracer.
	Tracer *telemetry.Tracer
}

// Engine speaks JSON-RPC over one channel: it correlates responses with
// pending calls and dispatches inbound requests to a Handler.
//
// Run must be running for Call to see its response.
type Engine struct {
	ch      transport.Channel
	handler Handler
	log     *logging.Logger
	tracer  *telemetry.Tracer

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *Response

	handlers sync.WaitGroup
}

// NewEngine creates an engine over ch. The channel should already be
// started.
func NewEngine(ch transport.Channel, cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	return &Engine{
		ch:      ch,
		handler: cfg.Handler,
		log:     log.WithComponent("rpc"),
		tracer:  tracer,
		pending: make(map[string]chan *Response),
	}
}

// Channel returns the underlying channel.
func (e *Engine) Channel() transport.Channel {
	return e.ch
}

// Run reads inbound items until the channel closes and returns its close
// reason. Cancelling ctx closes the channel.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.ch.Close() })
	defer stop()

	for item := range e.ch.Recv() {
		if item.Err != nil {
			e.log.Warn("parse_error", map[string]interface{}{"error": item.Err.Error()})
			e.reply(ctx, &Response{Error: NewError(ParseError, "Parse error")})
			continue
		}
		e.dispatch(ctx, item.Message)
	}
	e.handlers.Wait()

	if err := e.ch.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "run")
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, msg transport.Message) {
	if msg[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(msg, &batch); err != nil || len(batch) == 0 {
			e.reply(ctx, &Response{Error: NewError(InvalidRequest, "Invalid Request")})
			return
		}
		e.handlers.Add(1)
		go func() {
			defer e.handlers.Done()
			e.serveBatch(ctx, batch)
		}()
		return
	}

	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		e.reply(ctx, &Response{Error: NewError(InvalidRequest, "Invalid Request")})
		return
	}
	if env.isResponse() {
		e.resolve(env.response())
		return
	}

	e.handlers.Add(1)
	go func() {
		defer e.handlers.Done()
		if resp := e.serve(ctx, &env); resp != nil {
			e.reply(ctx, resp)
		}
	}()
}

// serveBatch answers a batch with one array holding a response per
// request; notifications and responses in the batch produce none.
func (e *Engine) serveBatch(ctx context.Context, batch []json.RawMessage) {
	var out []*Response
	for _, raw := range batch {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || bytes.TrimSpace(raw)[0] != '{' {
			out = append(out, &Response{JSONRPC: Version, Error: NewError(InvalidRequest, "Invalid Request")})
			continue
		}
		if env.isResponse() {
			e.resolve(env.response())
			continue
		}
		if resp := e.serve(ctx, &env); resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		return
	}
	msg, err := transport.NewMessage(out)
	if err != nil {
		e.log.Error("encode_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := e.ch.Send(ctx, msg); err != nil {
		e.log.Warn("reply_failed", map[string]interface{}{"error": err.Error()})
	}
}

// serve runs one request or notification. It returns nil for
// notifications.
func (e *Engine) serve(ctx context.Context, env *envelope) *Response {
	req := env.request()
	if req.JSONRPC != Version || req.Method == "" {
		if req.IsNotification() {
			e.log.Debug("invalid_notification", map[string]interface{}{"method": req.Method})
			return nil
		}
		return &Response{ID: req.ID, Error: NewError(InvalidRequest, "Invalid Request")}
	}

	result, err := e.call(ctx, req.Method, req.Params)

	if req.IsNotification() {
		if err != nil {
			e.log.Debug("notification_failed", map[string]interface{}{"method": req.Method, "error": err.Error()})
		}
		return nil
	}

	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: InternalError, Message: "Internal error", Data: err.Error()}
		}
		return &Response{ID: req.ID, Error: rpcErr}
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		return &Response{ID: req.ID, Error: &Error{Code: InternalError, Message: "Internal error", Data: merr.Error()}}
	}
	return &Response{ID: req.ID, Result: data}
}

// call runs the handler. A panic is logged and answered as an internal
// error.
func (e *Engine) call(ctx context.Context, method string, params json.RawMessage) (result interface{}, err error) {
	if e.handler == nil {
		return nil, NewError(MethodNotFound, "Method not found")
	}
	defer func() {
		if p := errors.RecoverPanic(recover()); p != nil {
			e.log.Error("handler_panic", map[string]interface{}{"method": method, "panic": p.Error()})
			result, err = nil, p
		}
	}()
	return e.handler.Handle(ctx, method, params)
}

func (e *Engine) reply(ctx context.Context, resp *Response) {
	resp.JSONRPC = Version
	msg, err := transport.NewMessage(resp)
	if err != nil {
		e.log.Error("encode_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := e.ch.Send(ctx, msg); err != nil {
		e.log.Warn("reply_failed", map[string]interface{}{"error": err.Error()})
	}
}

// resolve hands a response to the call waiting for its ID.
func (e *Engine) resolve(resp *Response) {
	key, ok := normalizeID(resp.ID)
	if !ok {
		e.log.Warn("response_without_id", nil)
		return
	}

	e.mu.Lock()
	ch, found := e.pending[key]
	delete(e.pending, key)
	e.mu.Unlock()

	if !found {
		e.log.Debug("unmatched_response", map[string]interface{}{"id": string(resp.ID)})
		return
	}
	ch <- resp
}

// Call sends a request and waits for its response. A non-nil result is
// filled from the response's result. An error response is returned as
// *Error; a channel that closes first fails the call with TRANSPORT.
func (e *Engine) Call(ctx context.Context, method string, params, result interface{}) error {
	ctx, span := e.tracer.StartSpan(ctx, "rpc.call")
	defer span.End()

	id := e.nextID.Add(1)
	rawID := json.RawMessage(strconvID(id))
	key, _ := normalizeID(rawID)

	req := Request{JSONRPC: Version, ID: rawID, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return errors.InvalidInput("cannot encode params", errors.WithCause(err))
		}
		req.Params = data
	}
	msg, err := transport.NewMessage(req)
	if err != nil {
		return err
	}

	respCh := make(chan *Response, 1)
	e.mu.Lock()
	e.pending[key] = respCh
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
	}()

	if err := e.ch.Send(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}

	var resp *Response
	select {
	case resp = <-respCh:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "call "+method)
	case <-e.ch.Done():
		select {
		case resp = <-respCh:
		default:
			return errors.Transport("channel closed", errors.WithKind(string(e.ch.Kind())), errors.WithCause(e.ch.Err()))
		}
	}

	if resp.Error != nil {
		span.RecordError(resp.Error)
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Framing("cannot decode result of "+method, errors.WithCause(err))
		}
	}
	return nil
}

// Notify sends a notification.
func (e *Engine) Notify(ctx context.Context, method string, params interface{}) error {
	msg, err := transport.NewMessage(Notification{JSONRPC: Version, Method: method, Params: params})
	if err != nil {
		return err
	}
	return e.ch.Send(ctx, msg)
}

// Close closes the channel; Run returns once inbound handling drains.
func (e *Engine) Close() error {
	return e.ch.Close()
}

func strconvID(id int64) []byte {
	data, _ := json.Marshal(id)
	return data
}
