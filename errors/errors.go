package errors

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Metadata keys attached by the transport layer.
const (
	MetaKind       = "kind"
	MetaTarget     = "target"
	MetaSessionID  = "session_id"
	MetaExitStatus = "exit_status"

	// MetaPartialLine is set when a stream ended inside an unterminated line.
	MetaPartialLine = "partial_line"
)

// TransportErr is the structured error every agentwire package returns.
type TransportErr interface {
	error
	Code() ErrorCode
	Category() ErrorCategory

	// Retryable reports whether a fresh channel may succeed where this
	// one failed.
	Retryable() bool
	Metadata() map[string]string
	Unwrap() error
}

// Error is the concrete TransportErr.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil defers to the category
	timestamp time.Time
}

var (
	_ TransportErr     = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Unwrap() error           { return e.cause }
func (e *Error) Timestamp() time.Time    { return e.timestamp }

// Message is the error text without its cause.
func (e *Error) Message() string { return e.message }

func (e *Error) Retryable() bool {
	if e.retryable == nil {
		return e.category.IsRetryable()
	}
	return *e.retryable
}

// Metadata returns a copy; callers may modify it.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return map[string]string{}
	}
	return maps.Clone(e.metadata)
}

// Is matches another *Error with the same code, and the same message when
// the target has one, so errors.Is(err, errors.New(ErrCodeState, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code && (t.message == "" || t.message == e.message)
}

// wireError is the JSON form. The cause travels as text only.
type wireError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		ts := e.timestamp
		w.Timestamp = &ts
	}
	return json.Marshal(w)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Error{
		code:      w.Code,
		category:  w.Category,
		message:   w.Message,
		metadata:  w.Metadata,
		retryable: &w.Retryable,
	}
	if w.Cause != "" {
		e.cause = fmt.Errorf("%s", w.Cause)
	}
	if w.Timestamp != nil {
		e.timestamp = *w.Timestamp
	}
	return nil
}

// Option configures an Error at construction.
type Option func(*Error)

// WithRetryable overrides the category's retry hint.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithKind records the channel binding the error came from.
func WithKind(kind string) Option { return WithMetadata(MetaKind, kind) }

// WithTarget records the URL or command the channel was opened against.
func WithTarget(target string) Option { return WithMetadata(MetaTarget, target) }

// WithSessionID records the SSE session the error relates to.
func WithSessionID(id string) Option { return WithMetadata(MetaSessionID, id) }

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error in the code's default category.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connection: the channel could not be established.
func Connection(message string, opts ...Option) *Error {
	return New(ErrCodeConnection, message, opts...)
}

// Transport: a send or receive failed on an open channel.
func Transport(message string, opts ...Option) *Error {
	return New(ErrCodeTransport, message, opts...)
}

// State: the operation is not valid in the channel's lifecycle state.
func State(message string, opts ...Option) *Error {
	return New(ErrCodeState, message, opts...)
}

// Framing: inbound data is not an envelope.
func Framing(message string, opts ...Option) *Error {
	return New(ErrCodeFraming, message, opts...)
}

// SessionNotFound: the router has no live session with this id.
func SessionNotFound(id string, opts ...Option) *Error {
	return New(ErrCodeSessionNotFound, "session not found", append([]Option{WithSessionID(id)}, opts...)...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
