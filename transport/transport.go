package transport

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/vinayprograms/agentwire/errors"
	"github.com/vinayprograms/agentwire/logging"
	"github.com/vinayprograms/agentwire/telemetry"
)

// Kind names a channel binding in logs, spans and error metadata.
type Kind string

const (
	KindStdio      Kind = "stdio"
	KindStream     Kind = "stream"
	KindSocket     Kind = "socket"
	KindSSE        Kind = "sse"
	KindSSESession Kind = "sse-session"
)

// Channel carries envelopes between two peers.
//
// A channel moves through new, open and closed. Start opens it; a send or
// receive failure or Close closes it, and closed is terminal.
type Channel interface {
	// Start acquires the physical resource. It fails with CONNECTION when
	// the peer cannot be reached and with STATE when called twice.
	Start(ctx context.Context) error

	// Send transmits one envelope. Sends on one channel are delivered in
	// call order. A failed write closes the channel.
	Send(ctx context.Context, msg Message) error

	// Recv yields one item per received envelope, in receipt order.
	// It is closed after the channel closes.
	Recv() <-chan Inbound

	// Done is closed once the channel reaches the closed state.
	Done() <-chan struct{}

	// Err returns the close reason after Done fires. It is nil when the
	// local side closed the channel.
	Err() error

	// Close is idempotent and always releases the resource.
	Close() error

	// Kind names the binding.
	Kind() Kind
}

// Message is one protocol envelope: a JSON object or array held as
// compact bytes. A Message never contains a raw line break.
// It must not be modified after it is handed to Send.
type Message []byte

// ParseMessage validates data as an envelope and returns its compact form.
// Empty input, invalid JSON and scalar values fail with FRAMING.
func ParseMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.Framing("empty envelope")
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, errors.Framing("envelope must be a JSON object or array")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, errors.Framing("envelope is not valid JSON", errors.WithCause(err))
	}
	return Message(buf.Bytes()), nil
}

// NewMessage marshals v into an envelope.
func NewMessage(v interface{}) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Framing("cannot encode envelope", errors.WithCause(err))
	}
	return ParseMessage(data)
}

// MarshalJSON lets a Message be embedded in other JSON values as-is.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON stores a copy of the raw JSON value.
func (m *Message) UnmarshalJSON(data []byte) error {
	*m = append((*m)[0:0], data...)
	return nil
}

// String returns the envelope text.
func (m Message) String() string {
	return string(m)
}

// Inbound is one item from Recv. Exactly one field is set; Err carries a
// FRAMING error for data that did not parse, and the channel stays open.
type Inbound struct {
	Message Message
	Err     error
}

// Config holds settings shared by all bindings.
type Config struct {
	// RecvBufferSize is the size of the Recv channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal write queue.
	// Default: 100
	SendBufferSize int

	// Logger receives lifecycle events. Default: discard.
	Logger *logging.Logger

	// Tracer records start and send spans. Default: the global tracer.
	Tracer *telemetry.Tracer
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
	return c
}
