// Package errors provides the structured error taxonomy used by agentwire
// channels, the session router and the protocol engine.
//
// # Error Codes
//
//   - CONNECTION: the physical channel could not be established
//   - TRANSPORT: a send or receive failed on an open channel (closes it)
//   - STATE: an operation was invoked in an invalid lifecycle state
//   - FRAMING: received data did not parse as an envelope (channel stays open)
//   - SESSION_NOT_FOUND: an SSE submission named an unknown or expired session
//
// # Categories
//
// Codes map to a default category (transient, permanent, internal) which
// callers can use to decide whether a fresh channel is worth trying. The
// transport layer itself never retries.
//
// # Usage
//
//	err := errors.Transport("peer exited", errors.WithKind("stdio"))
//
//	if errors.Is(err, errors.ErrCodeTransport) {
//	    // channel is closed; create a new one
//	}
//
// Errors marshal to JSON with code, category, cause text and metadata.
package errors
