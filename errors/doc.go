// Package errors defines the structured error taxonomy used across the
// pixel market. Every error carries a code, a category and a retryable
// flag so the HTTP layer and the verification retry loop can decide what
// to do without string matching.
//
// # Categories
//
//   - Transient: the canvas was unreachable or the pixel did not match yet
//   - Permanent: bad input, wrong state, wrong caller
//   - Resource: insufficient funds, cooldown in force
//   - Internal: broken invariants and bugs
//
// # Usage
//
//	err := errors.New(errors.ErrCodeAlreadyReserved, "task 7 is reserved",
//	    errors.WithTaskID(7))
//
//	if errors.Is(err, errors.ErrCodeNoMatch) {
//	    // worker may try again later
//	}
package errors
