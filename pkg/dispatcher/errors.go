package dispatcher

import "fmt"

// ErrorCode classifies a dispatch failure with a stable, operator-facing code.
type ErrorCode string

const (
	// CodePublishFailed covers broker rejections and network errors.
	CodePublishFailed ErrorCode = "PUBLISH_FAILED"
	// CodePublishTimeout means the broker did not acknowledge within the
	// configured dispatch timeout. Treated identically to a failure.
	CodePublishTimeout ErrorCode = "PUBLISH_TIMEOUT"
	// CodeStatusUpdateFailed means the publish outcome could not be recorded
	// in the store. The row stays PROCESSING until the claim expires.
	CodeStatusUpdateFailed ErrorCode = "STATUS_UPDATE_FAILED"
)

// Error is the tagged error type returned by Dispatch.
type Error struct {
	Code      ErrorCode
	MessageID string
	Cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: message %s: %v", e.Code, e.MessageID, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
