package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// MarketError is implemented by every structured error the engine returns.
type MarketError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	Unwrap() error
}

// Error is the concrete implementation of MarketError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	account   string
	taskID    uint64
}

var (
	_ MarketError    = (*Error)(nil)
	_ json.Marshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the error category.
func (e *Error) Category() ErrorCategory { return e.category }

// Message returns the message without the cause chain.
func (e *Error) Message() string { return e.message }

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time { return e.timestamp }

// Account returns the account the error concerns, if set.
func (e *Error) Account() string { return e.account }

// TaskID returns the related task, or 0.
func (e *Error) TaskID() uint64 { return e.taskID }

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	TaskID    uint64            `json:"task_id,omitempty"`
}

// MarshalJSON renders the client-facing view. Causes and account ids
// stay server side.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		TaskID:    e.taskID,
	})
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAccount records the account involved.
func WithAccount(id string) Option {
	return func(e *Error) {
		e.account = id
	}
}

// WithTaskID records the related task.
func WithTaskID(id uint64) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
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

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string, opts ...Option) *Error {
	return New(ErrCodeUnauthorized, message, opts...)
}

// Forbidden creates a forbidden error.
func Forbidden(message string, opts ...Option) *Error {
	return New(ErrCodeForbidden, message, opts...)
}

// InsufficientFunds reports a debit that would take account negative.
func InsufficientFunds(account string, opts ...Option) *Error {
	opts = append([]Option{WithAccount(account)}, opts...)
	return New(ErrCodeInsufficientFunds, "insufficient funds", opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// Assertion reports a broken invariant. These are bugs.
func Assertion(message string, opts ...Option) *Error {
	return New(ErrCodeAssertion, message, opts...)
}
