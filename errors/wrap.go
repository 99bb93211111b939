package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. An existing *Error keeps its code and
// category; context errors map to TIMEOUT or CANCELED; anything else is
// INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var me *Error
	if errors.As(err, &me) {
		wrapped := &Error{
			code:      me.code,
			category:  me.category,
			message:   message,
			cause:     err,
			metadata:  me.Metadata(),
			retryable: me.retryable,
			timestamp: me.timestamp,
			account:   me.account,
			taskID:    me.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...any) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsMarketError extracts a MarketError from an error chain, or nil.
func AsMarketError(err error) MarketError {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return nil
}

// Is checks if the outermost *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.code == code
	}
	return false
}

// IsCategory checks if the outermost *Error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.code
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered any) *Error {
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
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
