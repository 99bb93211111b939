package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates the caller hit a limit (funds, rate).
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates bugs or broken invariants.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Store or canvas temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Canvas unreachable or garbled reply
	ErrCodeNoMatch     ErrorCode = "NO_MATCH"    // Pixel does not match yet

	// Permanent errors
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"     // Malformed or out-of-range input
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"         // Task or account does not exist
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"      // Missing or malformed token
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"         // Caller lacks privilege
	ErrCodeAlreadyReserved  ErrorCode = "ALREADY_RESERVED"  // Reserved by someone else
	ErrCodeAlreadyCompleted ErrorCode = "ALREADY_COMPLETED" // Task was already paid out
	ErrCodeTaskDeleted      ErrorCode = "TASK_DELETED"      // Task was withdrawn
	ErrCodeTaskReserved     ErrorCode = "TASK_RESERVED"     // Cannot delete while reserved
	ErrCodeNotReserver      ErrorCode = "NOT_RESERVER"      // Caller does not hold the reservation
	ErrCodeNotCreator       ErrorCode = "NOT_CREATOR"       // Caller did not create the task
	ErrCodeCanceled         ErrorCode = "CANCELED"          // Context canceled

	// Resource errors
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS" // Balance too low
	ErrCodeRateLimit         ErrorCode = "RATE_LIMITED"       // Canvas cooldown still in force

	// Internal errors
	ErrCodeInternal  ErrorCode = "INTERNAL"  // Unexpected internal error
	ErrCodeAssertion ErrorCode = "ASSERTION" // Invariant violation
	ErrCodePanic     ErrorCode = "PANIC"     // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeNoMatch:
		return CategoryTransient

	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeUnauthorized, ErrCodeForbidden,
		ErrCodeAlreadyReserved, ErrCodeAlreadyCompleted, ErrCodeTaskDeleted,
		ErrCodeTaskReserved, ErrCodeNotReserver, ErrCodeNotCreator, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeInsufficientFunds, ErrCodeRateLimit:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "service temporarily unavailable",
	ErrCodeNetworkErr:        "canvas unreachable",
	ErrCodeNoMatch:           "pixel does not match",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeNotFound:          "not found",
	ErrCodeUnauthorized:      "authentication required",
	ErrCodeForbidden:         "access denied",
	ErrCodeAlreadyReserved:   "task already reserved",
	ErrCodeAlreadyCompleted:  "task already completed",
	ErrCodeTaskDeleted:       "task deleted",
	ErrCodeTaskReserved:      "task is reserved",
	ErrCodeNotReserver:       "task not reserved by caller",
	ErrCodeNotCreator:        "task not created by caller",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeInsufficientFunds: "insufficient funds",
	ErrCodeRateLimit:         "rate limited",
	ErrCodeInternal:          "internal error",
	ErrCodeAssertion:         "invariant violated",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
