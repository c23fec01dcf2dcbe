package agent

import "errors"

// Domain-specific errors for the device agent.
var (
	// ErrNotStarted is returned by operations that need a running agent.
	ErrNotStarted = errors.New("agent: not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("agent: already started")

	// ErrApplyFailed wraps errors returned by the device Applier.
	ErrApplyFailed = errors.New("agent: applying desired state failed")

	// ErrInvalidState is returned for state keys the store cannot hold.
	ErrInvalidState = errors.New("agent: invalid state")
)
