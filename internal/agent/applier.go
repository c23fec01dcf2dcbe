package agent

import (
	"context"
	"maps"

	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// Applier drives the device towards a desired state and returns what it
// actually applied. The returned state is reported back to the shadow, so
// keys the device refused or clamped are reported with their real values.
type Applier interface {
	Apply(ctx context.Context, id shadow.Identity, desired State) (State, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, id shadow.Identity, desired State) (State, error)

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, id shadow.Identity, desired State) (State, error) {
	return f(ctx, id, desired)
}

// AcceptAll applies every desired value unchanged.
// It suits devices whose only actuator is the stored state itself.
var AcceptAll = ApplierFunc(func(_ context.Context, _ shadow.Identity, desired State) (State, error) {
	return maps.Clone(desired), nil
})
