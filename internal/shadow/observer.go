package shadow

import (
	"errors"
	"time"
)

// Outcome is the terminal state of a request.
type Outcome string

// Request outcomes.
const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeRejected       Outcome = "rejected"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeConnectionLost Outcome = "connection_lost"
	OutcomeClosed         Outcome = "closed"
	OutcomeFailed         Outcome = "failed"
)

// outcomeOf maps a request error to its outcome.
func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAccepted
	case errors.Is(err, ErrRejected):
		return OutcomeRejected
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrConnectionLost):
		return OutcomeConnectionLost
	case errors.Is(err, ErrClosed):
		return OutcomeClosed
	default:
		return OutcomeFailed
	}
}

// Observer is the observability hook of a session.
// Methods are called synchronously from request and dispatch paths and
// must not block.
type Observer interface {
	// RequestCompleted is called once per published request.
	RequestCompleted(id Identity, op Operation, outcome Outcome, latency time.Duration)

	// DeltaReceived is called for every decoded delta. forwarded is false
	// for deltas that were not newer than the last known version or had no
	// active handler.
	DeltaReceived(id Identity, version uint64, forwarded bool)

	// DecodeFailed is called for every message that could not be decoded.
	DecodeFailed(topic string, err error)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) RequestCompleted(Identity, Operation, Outcome, time.Duration) {}
func (NopObserver) DeltaReceived(Identity, uint64, bool)                         {}
func (NopObserver) DecodeFailed(string, error)                                   {}

// LogObserver writes events to a Logger.
type LogObserver struct {
	Logger Logger
}

// RequestCompleted logs rejected and failed requests at warn level and the
// rest at debug.
func (o LogObserver) RequestCompleted(id Identity, op Operation, outcome Outcome, latency time.Duration) {
	args := []any{
		"shadow", id.String(),
		"op", string(op),
		"outcome", string(outcome),
		"latency_ms", latency.Milliseconds(),
	}
	if outcome == OutcomeAccepted {
		o.Logger.Debug("shadow request completed", args...)
		return
	}
	o.Logger.Warn("shadow request failed", args...)
}

func (o LogObserver) DeltaReceived(id Identity, version uint64, forwarded bool) {
	o.Logger.Debug("shadow delta received",
		"shadow", id.String(),
		"version", version,
		"forwarded", forwarded,
	)
}

func (o LogObserver) DecodeFailed(topic string, err error) {
	o.Logger.Warn("undecodable shadow message dropped", "topic", topic, "error", err)
}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) RequestCompleted(id Identity, op Operation, outcome Outcome, latency time.Duration) {
	for _, o := range m {
		o.RequestCompleted(id, op, outcome, latency)
	}
}

func (m MultiObserver) DeltaReceived(id Identity, version uint64, forwarded bool) {
	for _, o := range m {
		o.DeltaReceived(id, version, forwarded)
	}
}

func (m MultiObserver) DecodeFailed(topic string, err error) {
	for _, o := range m {
		o.DecodeFailed(topic, err)
	}
}
