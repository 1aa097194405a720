package store

import "fmt"

// ErrorCode is a stable, operator-facing classification of a store failure.
type ErrorCode string

const (
	// CodeUnavailable covers transient store failures (connection refused,
	// lock-wait timeout, failed transaction). The current sweep is abandoned
	// and the next tick retries naturally.
	CodeUnavailable ErrorCode = "STORE_UNAVAILABLE"
	// CodeNotFound means a status update targeted a message id that no
	// longer matches any row.
	CodeNotFound ErrorCode = "MESSAGE_NOT_FOUND"
	// CodeSerialization covers header encoding/decoding failures at the
	// storage boundary.
	CodeSerialization ErrorCode = "HEADER_SERIALIZATION"
	// CodeInvalidMessage means a writer tried to stage a message that
	// violates the model invariants (empty aggregate, event type or topic).
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
)

// Error is the tagged error type returned by repository implementations.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
