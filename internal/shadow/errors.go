package shadow

import (
	"errors"
	"fmt"
)

// Domain errors for the shadow engine.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when the transport is not connected.
	ErrNotConnected = errors.New("shadow: transport not connected")

	// ErrPublishFailed is returned when the transport rejects a publish.
	// No pending request exists after this error.
	ErrPublishFailed = errors.New("shadow: publish failed")

	// ErrSubscribeFailed is returned when the transport rejects a subscribe
	// or unsubscribe.
	ErrSubscribeFailed = errors.New("shadow: subscribe failed")

	// ErrMalformedPayload is returned when a payload is not a JSON object.
	ErrMalformedPayload = errors.New("shadow: malformed payload")

	// ErrMissingField is returned when a required document field is absent.
	ErrMissingField = errors.New("shadow: missing field")

	// ErrRejected matches any *RejectedError.
	ErrRejected = errors.New("shadow: request rejected")

	// ErrTimeout is returned when no response arrives within the request timeout.
	ErrTimeout = errors.New("shadow: request timed out")

	// ErrConnectionLost is returned to pending requests when the transport drops.
	ErrConnectionLost = errors.New("shadow: connection lost")

	// ErrCancelled is returned when the caller's context ends before a response.
	ErrCancelled = errors.New("shadow: request cancelled")

	// ErrClosed is returned by operations on a closed session and to requests
	// still pending when the session closes.
	ErrClosed = errors.New("shadow: session closed")
)

// RejectedError carries the service's error response from a rejected topic.
type RejectedError struct {
	Code        int
	Message     string
	ClientToken string
	Timestamp   uint64
}

// Error implements error.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("shadow: request rejected: %d %s", e.Code, e.Message)
}

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// IsNotFound reports whether the service rejected the request because the
// shadow does not exist.
func (e *RejectedError) IsNotFound() bool {
	return e.Code == codeNotFound
}

// codeNotFound is the rejection code the service uses for a missing shadow.
const codeNotFound = 404

// IsNotFound reports whether err is a rejection for a shadow that does not exist.
func IsNotFound(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && rej.IsNotFound()
}
