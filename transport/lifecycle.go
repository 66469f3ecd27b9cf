package transport

import (
	"bytes"
	"context"
	"sync"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/logging"
	"github.com/vinayprograms/agentwire/telemetry"
)

type state int

const (
	stateNew state = iota
	stateOpen
	stateClosed
)

// writeReq is one envelope queued for a binding's writer goroutine.
type writeReq struct {
	msg    Message
	result chan error
}

// base holds the lifecycle shared by every binding: state transitions,
// the Recv and Done channels, and the write queue.
//
// Delivery and teardown are ordered so that no item is sent on recv after
// it is closed: deliver registers with inflight under mu while the state is
// open, and shutdown flips the state under mu, then waits for inflight
// before closing recv.
type base struct {
	kind   Kind
	log    *logging.Logger
	tracer *telemetry.Tracer

	mu       sync.Mutex
	state    state
	err      error
	inflight sync.WaitGroup

	recv   chan Inbound
	done   chan struct{}
	writes chan writeReq

	// ctx is cancelled on close; blocking operations select on it.
	ctx    context.Context
	cancel context.CancelFunc
}

func newBase(kind Kind, cfg Config) *base {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &base{
		kind:   kind,
		log:    cfg.Logger.WithComponent("transport"),
		tracer: cfg.Tracer,
		recv:   make(chan Inbound, cfg.RecvBufferSize),
		done:   make(chan struct{}),
		writes: make(chan writeReq, cfg.SendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Kind names the binding.
func (b *base) Kind() Kind {
	return b.kind
}

// Recv returns the channel for inbound items.
func (b *base) Recv() <-chan Inbound {
	return b.recv
}

// Done returns a channel that is closed when the channel closes.
func (b *base) Done() <-chan struct{} {
	return b.done
}

// Err returns the close reason, or nil for a local close.
func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateClosed
}

// begin moves the channel from new to open.
func (b *base) begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateNew:
		b.state = stateOpen
		return nil
	case stateOpen:
		return errors.State("channel already started", errors.WithKind(string(b.kind)))
	default:
		return errors.State("channel already closed", errors.WithKind(string(b.kind)))
	}
}

// checkOpen reports whether a send may proceed.
func (b *base) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateNew:
		return errors.State("channel not started", errors.WithKind(string(b.kind)))
	case stateClosed:
		return b.closedErr()
	}
	return nil
}

func (b *base) closedErr() *errors.Error {
	return errors.Transport("channel closed", errors.WithKind(string(b.kind)))
}

// attach runs set under the lifecycle lock unless the channel is already
// closed. Bindings use it to publish a resource acquired during Start so a
// concurrent Close either sees the resource or Start sees the close.
func (b *base) attach(set func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateClosed {
		return false
	}
	set()
	return true
}

// start runs open between the new->open transition and the start span.
// A failed open closes the channel with the returned error.
func (b *base) start(ctx context.Context, target string, open func(ctx context.Context) error) error {
	if err := b.begin(); err != nil {
		return err
	}

	ctx, span := b.tracer.StartChannelSpan(ctx, telemetry.SpanStart, string(b.kind))
	err := open(ctx)
	b.tracer.EndChannelSpan(span, telemetry.ChannelSpanOptions{Target: target}, err)

	if err != nil {
		b.shutdown(err)
		return err
	}
	b.log.ChannelOpened(string(b.kind), target)
	return nil
}

// deliver hands one item to Recv. It returns false once the channel is
// closed or ctx ends; the item is dropped in that case. An item is only
// ever queued while done is still open.
func (b *base) deliver(ctx context.Context, item Inbound) bool {
	if item.Err != nil {
		b.log.FramingError(string(b.kind), item.Err)
	}

	b.mu.Lock()
	if b.state == stateClosed || isDone(b.done) {
		b.mu.Unlock()
		return false
	}
	// Room in the buffer: queue under mu so shutdown cannot interleave.
	select {
	case b.recv <- item:
		b.mu.Unlock()
		return true
	default:
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	if isDone(b.done) {
		return false
	}
	select {
	case b.recv <- item:
		return true
	case <-b.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// deliverData parses data and delivers the envelope or a FRAMING item.
func (b *base) deliverData(data []byte) bool {
	msg, err := ParseMessage(data)
	if err != nil {
		return b.deliver(b.ctx, Inbound{Err: errors.Wrap(err, "inbound frame", errors.WithKind(string(b.kind)))})
	}
	return b.deliver(b.ctx, Inbound{Message: msg})
}

// shutdown moves the channel to closed. Only the first call has effect
// and it returns true; the caller then releases the binding's resource.
func (b *base) shutdown(reason error) bool {
	b.mu.Lock()
	if b.state == stateClosed {
		b.mu.Unlock()
		return false
	}
	b.state = stateClosed
	b.err = reason
	close(b.done)
	b.cancel()
	b.mu.Unlock()

	b.inflight.Wait()
	close(b.recv)
	b.log.ChannelClosed(string(b.kind), reason)
	return true
}

// send wraps write in a send span after validating the envelope.
func (b *base) send(ctx context.Context, msg Message, write func(ctx context.Context) error) error {
	if err := validateOutbound(msg); err != nil {
		return err
	}
	ctx, span := b.tracer.StartChannelSpan(ctx, telemetry.SpanSend, string(b.kind))
	err := write(ctx)
	b.tracer.EndChannelSpan(span, telemetry.ChannelSpanOptions{Bytes: len(msg), Envelope: msg}, err)
	return err
}

// enqueue hands msg to the writer goroutine and waits for the write.
func (b *base) enqueue(ctx context.Context, msg Message) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	req := writeReq{msg: msg, result: make(chan error, 1)}
	select {
	case b.writes <- req:
	case <-b.done:
		return b.closedErr()
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "send", errors.WithKind(string(b.kind)))
	}

	select {
	case err := <-req.result:
		return err
	case <-b.done:
		select {
		case err := <-req.result:
			return err
		default:
			return b.closedErr()
		}
	}
}

// writeLoop drains the write queue until the channel closes. A write
// error is returned to the sender and closes the channel.
func (b *base) writeLoop(write func(Message) error, fail func(error)) {
	for {
		select {
		case <-b.done:
			return
		case req := <-b.writes:
			err := write(req.msg)
			if err != nil {
				terr := errors.WrapWithCode(err, errors.ErrCodeTransport, "write failed", errors.WithKind(string(b.kind)))
				req.result <- terr
				fail(terr)
				return
			}
			req.result <- nil
		}
	}
}

func validateOutbound(msg Message) error {
	if len(msg) == 0 {
		return errors.InvalidInput("empty envelope")
	}
	if bytes.ContainsAny(msg, "\r\n") {
		return errors.InvalidInput("envelope contains a line break; use ParseMessage")
	}
	return nil
}
