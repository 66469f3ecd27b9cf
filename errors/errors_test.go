package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"connection", ErrCodeConnection, "dial refused", CategoryTransient},
		{"transport", ErrCodeTransport, "peer exited", CategoryTransient},
		{"state", ErrCodeState, "already started", CategoryInternal},
		{"framing", ErrCodeFraming, "not json", CategoryPermanent},
		{"session", ErrCodeSessionNotFound, "session not found", CategoryPermanent},
		{"internal", ErrCodeInternal, "internal error", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Connection("refused").Retryable() {
		t.Error("connection errors should be retryable")
	}
	if State("double start").Retryable() {
		t.Error("state errors should not be retryable")
	}
	if Framing("bad", WithRetryable(true)).Retryable() != true {
		t.Error("WithRetryable should override the category default")
	}
}

func TestHelpers_Metadata(t *testing.T) {
	err := SessionNotFound("s-42", WithKind("sse"))
	md := err.Metadata()
	if md[MetaSessionID] != "s-42" {
		t.Errorf("session_id = %q, want %q", md[MetaSessionID], "s-42")
	}
	if md[MetaKind] != "sse" {
		t.Errorf("kind = %q, want %q", md[MetaKind], "sse")
	}

	md["kind"] = "mutated"
	if err.Metadata()[MetaKind] != "sse" {
		t.Error("Metadata() should return a copy")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := Transport("write failed", WithKind("socket"))
	wrapped := Wrap(base, "send envelope")
	if wrapped.Code() != ErrCodeTransport {
		t.Errorf("Code() = %v, want %v", wrapped.Code(), ErrCodeTransport)
	}
	if wrapped.Metadata()[MetaKind] != "socket" {
		t.Error("Wrap should keep metadata of the wrapped error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should find the wrapped error")
	}

	plain := Wrap(fmt.Errorf("boom"), "unexpected")
	if plain.Code() != ErrCodeInternal {
		t.Errorf("Code() = %v, want %v", plain.Code(), ErrCodeInternal)
	}
}

func TestWrap_ContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "start").Code(); got != ErrCodeTimeout {
		t.Errorf("Code() = %v, want %v", got, ErrCodeTimeout)
	}
	if got := Wrap(context.Canceled, "send").Code(); got != ErrCodeCanceled {
		t.Errorf("Code() = %v, want %v", got, ErrCodeCanceled)
	}
}

func TestIsAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", State("no session"))
	if !Is(err, ErrCodeState) {
		t.Error("Is() should see through fmt wrapping")
	}
	if Is(err, ErrCodeTransport) {
		t.Error("Is() matched the wrong code")
	}
	if Code(err) != ErrCodeState {
		t.Errorf("Code() = %v, want %v", Code(err), ErrCodeState)
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("Code() of a plain error should be empty")
	}
	if !errors.Is(err, New(ErrCodeState, "")) {
		t.Error("errors.Is with an empty-message target should match by code")
	}
	if errors.Is(err, New(ErrCodeState, "other")) {
		t.Error("errors.Is should compare messages when the target has one")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("broken pipe")
	err := Wrap(WrapWithCode(root, ErrCodeTransport, "write"), "send")
	if Cause(err) != root {
		t.Errorf("Cause() = %v, want %v", Cause(err), root)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := Transport("peer exited", WithCause(fmt.Errorf("exit status 2")), WithMetadata(MetaExitStatus, "2"))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Code() != ErrCodeTransport {
		t.Errorf("Code() = %v, want %v", decoded.Code(), ErrCodeTransport)
	}
	if decoded.Error() != orig.Error() {
		t.Errorf("Error() = %q, want %q", decoded.Error(), orig.Error())
	}
	if decoded.Metadata()[MetaExitStatus] != "2" {
		t.Error("metadata lost in round trip")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should return nil")
	}
	err := RecoverPanic("kaboom")
	if err.Code() != ErrCodePanic || err.Error() != "kaboom" {
		t.Errorf("RecoverPanic() = %v (%v)", err, err.Code())
	}
}
