package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds message to err and keeps the chain. A structured err keeps its
// code and metadata; context errors become TIMEOUT or CANCELED; anything
// else becomes INTERNAL. Wrap(nil, ...) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var te *Error
	switch {
	case errors.As(err, &te):
		w := &Error{
			code:      te.code,
			category:  te.category,
			message:   message,
			cause:     err,
			metadata:  te.Metadata(),
			retryable: te.retryable,
			timestamp: te.timestamp,
		}
		for _, opt := range opts {
			opt(w)
		}
		return w
	case errors.Is(err, context.DeadlineExceeded):
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	case errors.Is(err, context.Canceled):
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	default:
		return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
	}
}

// WrapWithCode wraps err under code regardless of what err carries.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// Is reports whether the outermost structured error in the chain has code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code && code != ""
}

// As is errors.As, re-exported so callers need one errors import.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsCategory reports whether the outermost structured error has category.
func IsCategory(err error, category ErrorCategory) bool {
	var te *Error
	return errors.As(err, &te) && te.category == category
}

// Code returns the code of the outermost structured error, or "".
func Code(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.code
	}
	return ""
}

// GetMetadata returns the metadata of the outermost structured error, or
// nil.
func GetMetadata(err error) map[string]string {
	var te *Error
	if errors.As(err, &te) {
		return te.Metadata()
	}
	return nil
}

// Cause follows Unwrap to the innermost error.
func Cause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// RecoverPanic turns a recovered value into a PANIC error; nil stays nil.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprint(v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
