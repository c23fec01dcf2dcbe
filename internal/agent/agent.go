package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// reconcileTimeout bounds applying and reporting one delta.
const reconcileTimeout = 30 * time.Second

// Session is the part of *shadow.Session the agent uses.
type Session interface {
	Get(ctx context.Context, id shadow.Identity, timeout time.Duration) (*shadow.Document, error)
	Update(ctx context.Context, id shadow.Identity, patch shadow.Patch, timeout time.Duration) (*shadow.Document, error)
	OnDelta(id shadow.Identity, handler func(*shadow.Document)) (*shadow.DeltaSubscription, error)
}

// Logger is the logging interface used by the agent.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures an Agent.
type Options struct {
	// Identity is the shadow this agent keeps in sync. Required.
	Identity shadow.Identity

	Session Session
	Store   StateStore

	// Applier drives the device. Defaults to AcceptAll.
	Applier Applier

	Logger Logger

	// RequestTimeout is passed to every shadow request. Zero uses the
	// session default.
	RequestTimeout time.Duration

	// SyncOnStart fetches the shadow in Start and reconciles any pending
	// delta before deltas are streamed.
	SyncOnStart bool
}

// Stats counts reconcile activity since Start.
type Stats struct {
	DeltasApplied  int
	ApplyFailures  int
	ReportFailures int
	LastReconcile  time.Time
	LastVersion    uint64
}

// Agent reconciles a device's local state with its shadow.
//
// Desired values arriving as deltas are applied through the Applier,
// persisted in the StateStore and reported back as reported state.
type Agent struct {
	id          shadow.Identity
	session     Session
	store       StateStore
	applier     Applier
	logger      Logger
	timeout     time.Duration
	syncOnStart bool

	// reconcileMu orders the start-up sync against streamed deltas.
	reconcileMu sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	sub     *shadow.DeltaSubscription
	stats   Stats
	running bool
}

// New creates an agent. It does not touch the shadow until Start.
func New(opts Options) (*Agent, error) {
	if opts.Identity.ThingName == "" {
		return nil, fmt.Errorf("agent: thing name is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("agent: session is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("agent: state store is required")
	}

	a := &Agent{
		id:          opts.Identity,
		session:     opts.Session,
		store:       opts.Store,
		applier:     opts.Applier,
		logger:      opts.Logger,
		timeout:     opts.RequestTimeout,
		syncOnStart: opts.SyncOnStart,
	}
	if a.applier == nil {
		a.applier = AcceptAll
	}
	if a.logger == nil {
		a.logger = nopLogger{}
	}
	return a, nil
}

// Identity returns the shadow the agent synchronises.
func (a *Agent) Identity() shadow.Identity {
	return a.id
}

// Start registers the delta handler, then optionally syncs with the shadow.
// Deltas published while the sync runs are handled, and a sync result older
// than an applied delta is discarded. Deltas are handled until Stop is called
// or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running = true
	a.stats = Stats{}
	a.mu.Unlock()

	sub, err := a.session.OnDelta(a.id, a.handleDelta)
	if err != nil {
		a.Stop()
		return fmt.Errorf("registering delta handler: %w", err)
	}

	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	if a.syncOnStart {
		if err := a.Sync(ctx); err != nil {
			a.Stop()
			return fmt.Errorf("initial shadow sync: %w", err)
		}
	}

	a.logger.Info("shadow agent started", "shadow", a.id.String(), "sync_on_start", a.syncOnStart)
	return nil
}

// Stop cancels the delta handler. It is safe to call more than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	sub, cancel := a.sub, a.cancel
	a.sub = nil
	a.mu.Unlock()

	if sub != nil {
		if err := sub.Cancel(); err != nil {
			a.logger.Warn("cancelling delta handler", "error", err)
		}
	}
	cancel()
	a.logger.Info("shadow agent stopped", "shadow", a.id.String())
}

// Sync fetches the shadow and reconciles its pending delta.
//
// A shadow that does not exist yet is created from the stored local state,
// so a fresh device announces what it has.
func (a *Agent) Sync(ctx context.Context) error {
	doc, err := a.session.Get(ctx, a.id, a.timeout)
	switch {
	case shadow.IsNotFound(err):
		local, err := a.store.Load(ctx, a.id)
		if err != nil {
			return err
		}
		a.logger.Info("shadow does not exist, reporting local state",
			"shadow", a.id.String(),
			"keys", len(local),
		)
		return a.report(ctx, local)
	case err != nil:
		return err
	}

	delta := doc.Delta()
	if len(delta) == 0 {
		a.logger.Debug("shadow in sync", "shadow", a.id.String(), "version", doc.Version)
		return nil
	}

	a.reconcileMu.Lock()
	defer a.reconcileMu.Unlock()
	if applied := a.Stats().LastVersion; applied >= doc.Version {
		a.logger.Debug("newer delta already applied",
			"shadow", a.id.String(),
			"fetched_version", doc.Version,
			"applied_version", applied,
		)
		return nil
	}
	return a.reconcileLocked(ctx, delta, doc.Version)
}

// Report persists locally originated state changes and reports them.
func (a *Agent) Report(ctx context.Context, state State) error {
	if len(state) == 0 {
		return nil
	}
	if err := a.store.Merge(ctx, a.id, state); err != nil {
		return err
	}
	return a.report(ctx, state)
}

// State returns the locally applied state.
func (a *Agent) State(ctx context.Context) (State, error) {
	return a.store.Load(ctx, a.id)
}

// Stats returns a snapshot of the reconcile counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// handleDelta runs on the session's delivery goroutine.
func (a *Agent) handleDelta(doc *shadow.Document) {
	a.mu.Lock()
	parent, running := a.ctx, a.running
	a.mu.Unlock()
	if !running {
		return
	}

	ctx, cancel := context.WithTimeout(parent, reconcileTimeout)
	defer cancel()

	if err := a.reconcile(ctx, doc.State, doc.Version); err != nil {
		a.logger.Error("reconciling shadow delta",
			"shadow", a.id.String(),
			"version", doc.Version,
			"error", err,
		)
	}
}

// reconcile applies desired values, stores and reports what was applied.
// A failed apply reports nothing so the delta stays pending in the shadow.
func (a *Agent) reconcile(ctx context.Context, desired State, version uint64) error {
	a.reconcileMu.Lock()
	defer a.reconcileMu.Unlock()
	return a.reconcileLocked(ctx, desired, version)
}

func (a *Agent) reconcileLocked(ctx context.Context, desired State, version uint64) error {
	applied, err := a.applier.Apply(ctx, a.id, desired)
	if err != nil {
		a.count(func(s *Stats) { s.ApplyFailures++ })
		return fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}
	if len(applied) == 0 {
		return nil
	}

	if err := a.store.Merge(ctx, a.id, applied); err != nil {
		return err
	}
	if err := a.report(ctx, applied); err != nil {
		return err
	}

	a.count(func(s *Stats) {
		s.DeltasApplied++
		s.LastReconcile = time.Now()
		if version > s.LastVersion {
			s.LastVersion = version
		}
	})
	a.logger.Info("shadow delta applied",
		"shadow", a.id.String(),
		"version", version,
		"keys", len(applied),
	)
	return nil
}

// report sends state as the reported side of the shadow.
func (a *Agent) report(ctx context.Context, state State) error {
	if len(state) == 0 {
		return nil
	}
	_, err := a.session.Update(ctx, a.id, shadow.Patch{Reported: state}, a.timeout)
	if err != nil {
		a.count(func(s *Stats) { s.ReportFailures++ })
		var rej *shadow.RejectedError
		if errors.As(err, &rej) {
			return fmt.Errorf("reporting state rejected (%d): %w", rej.Code, err)
		}
		return fmt.Errorf("reporting state: %w", err)
	}
	return nil
}

func (a *Agent) count(f func(*Stats)) {
	a.mu.Lock()
	f(&a.stats)
	a.mu.Unlock()
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
