package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates failures where a fresh attempt may succeed.
	// Examples: peer unreachable, connection dropped mid-session.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed envelope, unknown session identifier.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates programmer errors or corrupted state.
	// Examples: double start, send before the session handshake.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
// The transport layer never retries on its own; this is advice for callers.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for transport failures.
const (
	ErrCodeConnection      ErrorCode = "CONNECTION"        // Physical channel could not be established
	ErrCodeTransport       ErrorCode = "TRANSPORT"         // Send/receive failed on an open channel
	ErrCodeState           ErrorCode = "STATE"             // Operation invalid in the current lifecycle state
	ErrCodeFraming         ErrorCode = "FRAMING"           // Received data is not a valid envelope
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND" // Unknown or expired session identifier

	ErrCodeTimeout      ErrorCode = "TIMEOUT"       // Operation deadline exceeded
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed configuration or argument
	ErrCodeInternal     ErrorCode = "INTERNAL"      // Unexpected internal error
	ErrCodePanic        ErrorCode = "PANIC"         // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeConnection, ErrCodeTransport, ErrCodeTimeout:
		return CategoryTransient
	case ErrCodeFraming, ErrCodeSessionNotFound, ErrCodeCanceled, ErrCodeInvalidInput:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}
