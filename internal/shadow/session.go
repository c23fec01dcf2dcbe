package shadow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Session defaults.
const (
	// DefaultRequestTimeout bounds every request that does not give its own
	// timeout. Round trips to the service can take several seconds.
	DefaultRequestTimeout = 30 * time.Second

	// maxQoS is the highest QoS the service accepts.
	maxQoS = 1

	// versionLoadTimeout bounds reading persisted versions in Open.
	versionLoadTimeout = 5 * time.Second

	// versionSaveTimeout bounds one persisted version write.
	versionSaveTimeout = 5 * time.Second
)

// Transport is the publish/subscribe collaborator the session runs on.
// *mqtt.Client satisfies it.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Logger is the logging interface used by the session.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Session.
type Options struct {
	// Transport is required and must be connected when Open is called.
	Transport Transport

	// Logger receives session events. Optional.
	Logger Logger

	// Observer receives request outcomes, delta decisions and decode
	// failures. Optional.
	Observer Observer

	// Store persists last known versions across restarts. Optional.
	Store VersionStore

	// QoS for requests and subscriptions, 0 or 1.
	QoS byte

	// RequestTimeout is used when a call passes a timeout <= 0.
	// Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// ResubscribeOnReconnect re-issues every tracked subscription and
	// reactivates delta handlers when HandleReconnect is called.
	ResubscribeOnReconnect bool
}

// Session is one shadow protocol session over a transport.
//
// It owns the pending request table, the last known version of every
// shadow, the reference-counted subscription set and the registered
// delta and documents handlers.
type Session struct {
	transport   Transport
	logger      Logger
	observer    Observer
	store       VersionStore
	qos         byte
	timeout     time.Duration
	resubscribe bool

	// mu guards the request, version and watcher state.
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	versions map[Identity]uint64
	watchers map[watchKey][]*watcher
	nextWID  uint64
	closed   bool

	// subMu serializes subscribe and unsubscribe calls with the refcounts.
	subMu sync.Mutex
	subs  map[string]int

	queue *deliveryQueue
}

// Open creates a session on a connected transport.
//
// Persisted versions are loaded from Options.Store when one is set. A store
// that fails to load is logged and the session starts with no known versions.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrNotConnected)
	}
	if !opts.Transport.IsConnected() {
		return nil, ErrNotConnected
	}

	s := &Session{
		transport:   opts.Transport,
		logger:      opts.Logger,
		observer:    opts.Observer,
		store:       opts.Store,
		qos:         opts.QoS,
		timeout:     opts.RequestTimeout,
		resubscribe: opts.ResubscribeOnReconnect,
		pending:     make(map[string]*pendingRequest),
		versions:    make(map[Identity]uint64),
		watchers:    make(map[watchKey][]*watcher),
		subs:        make(map[string]int),
	}
	if s.logger == nil {
		s.logger = nopLogger{}
	}
	if s.observer == nil {
		s.observer = NopObserver{}
	}
	if s.qos > maxQoS {
		return nil, fmt.Errorf("shadow: qos %d not supported", s.qos)
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRequestTimeout
	}

	if s.store != nil {
		loadCtx, cancel := context.WithTimeout(ctx, versionLoadTimeout)
		versions, err := s.store.LoadVersions(loadCtx)
		cancel()
		if err != nil {
			s.logger.Warn("loading persisted shadow versions", "error", err)
		} else {
			for id, v := range versions {
				s.versions[id] = v
			}
			s.logger.Debug("loaded persisted shadow versions", "count", len(versions))
		}
	}

	s.queue = newDeliveryQueue(s.logger)
	return s, nil
}

// Get fetches the current shadow document.
// A timeout <= 0 uses the session's request timeout.
func (s *Session) Get(ctx context.Context, id Identity, timeout time.Duration) (*Document, error) {
	return s.request(ctx, id, OpGet, nil, timeout)
}

// Update sends a partial state to the service and returns the accepted
// document. The patch is forwarded as-is; the service merges it.
func (s *Session) Update(ctx context.Context, id Identity, patch Patch, timeout time.Duration) (*Document, error) {
	return s.request(ctx, id, OpUpdate, &patch, timeout)
}

// Delete removes the shadow.
func (s *Session) Delete(ctx context.Context, id Identity, timeout time.Duration) error {
	_, err := s.request(ctx, id, OpDelete, nil, timeout)
	return err
}

// Version returns the last known version of a shadow.
func (s *Session) Version(id Identity) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	return v, ok
}

// PendingCount returns the number of requests awaiting a response.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// request runs one request through IDLE → PUBLISHED → terminal state.
func (s *Session) request(ctx context.Context, id Identity, op Operation, patch *Patch, timeout time.Duration) (*Document, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	responses := []string{id.Topic(op, SuffixAccepted), id.Topic(op, SuffixRejected)}
	if err := s.acquire(responses...); err != nil {
		return nil, err
	}
	defer s.releaseQuietly(responses...)

	req, err := s.addPending(id, op)
	if err != nil {
		return nil, err
	}

	payload := EncodeRequest(req.token)
	if patch != nil {
		payload, err = EncodePatch(*patch, req.token)
		if err != nil {
			s.takePending(req.token)
			return nil, err
		}
	}

	if err := s.transport.Publish(id.Topic(op, SuffixNone), payload, s.qos, false); err != nil {
		s.takePending(req.token)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrPublishFailed, op, id, err)
	}

	s.logger.Debug("shadow request published",
		"shadow", id.String(),
		"op", string(op),
		"client_token", req.token,
	)

	res := s.wait(ctx, req, timeout)
	s.observer.RequestCompleted(id, op, outcomeOf(res.err), time.Since(req.issuedAt))
	return res.doc, res.err
}

// wait parks until the request completes, times out or is cancelled.
// When the timer or context wins but the entry was already taken by
// dispatch, the delivered result is returned instead.
func (s *Session) wait(ctx context.Context, req *pendingRequest, timeout time.Duration) result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.done:
		return res
	case <-timer.C:
		if s.takePending(req.token) != nil {
			return result{err: fmt.Errorf("%w: %s %s after %v", ErrTimeout, req.op, req.id, timeout)}
		}
	case <-ctx.Done():
		if s.takePending(req.token) != nil {
			return result{err: fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())}
		}
	}
	return <-req.done
}

// checkUsable fails fast on a closed session or a disconnected transport.
func (s *Session) checkUsable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !s.transport.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// HandleConnectionLost fails every pending request with ErrConnectionLost and
// marks all handlers inactive. Handlers are retained for HandleReconnect.
// Wire it to the transport's disconnect callback.
func (s *Session) HandleConnectionLost(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	failed := s.drainPendingLocked()
	for _, list := range s.watchers {
		for _, w := range list {
			w.active = false
		}
	}
	s.mu.Unlock()

	s.logger.Warn("shadow session lost connection",
		"error", cause,
		"failed_requests", len(failed),
	)

	err := ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	for _, req := range failed {
		req.complete(result{err: err})
	}
}

// HandleReconnect restores subscriptions and reactivates handlers when the
// session was opened with ResubscribeOnReconnect. Otherwise handlers stay
// inactive until Resubscribe is called. Wire it to the transport's connect
// callback.
func (s *Session) HandleReconnect() {
	if !s.resubscribe {
		s.logger.Info("shadow session reconnected, handlers left inactive")
		return
	}
	if err := s.Resubscribe(); err != nil {
		s.logger.Error("restoring shadow subscriptions", "error", err)
	}
}

// Resubscribe re-issues every tracked subscription and reactivates all
// handlers.
func (s *Session) Resubscribe() error {
	if err := s.checkUsable(); err != nil {
		return err
	}

	s.subMu.Lock()
	var errs []error
	for topic := range s.subs {
		if err := s.transport.Subscribe(topic, s.qos, s.Dispatch); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err))
		}
	}
	count := len(s.subs)
	s.subMu.Unlock()

	s.mu.Lock()
	for _, list := range s.watchers {
		for _, w := range list {
			w.active = true
		}
	}
	s.mu.Unlock()

	s.logger.Info("shadow subscriptions restored", "topics", count, "errors", len(errs))
	return errors.Join(errs...)
}

// Close fails every pending request with ErrClosed, drops all handlers,
// unsubscribes every topic and stops the delivery goroutine after it has
// run the work already queued. Close must not be called from a delta or
// documents handler.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	failed := s.drainPendingLocked()
	s.watchers = make(map[watchKey][]*watcher)
	s.mu.Unlock()

	for _, req := range failed {
		req.complete(result{err: ErrClosed})
	}

	// Unsubscribe even while disconnected so the transport stops restoring
	// these topics on reconnect. Errors only count while connected.
	s.subMu.Lock()
	var errs []error
	connected := s.transport.IsConnected()
	for topic := range s.subs {
		if err := s.transport.Unsubscribe(topic); err != nil && connected {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err))
		}
	}
	s.subs = make(map[string]int)
	s.subMu.Unlock()

	s.queue.close()

	s.logger.Info("shadow session closed", "failed_requests", len(failed))
	return errors.Join(errs...)
}

// isClosed reports whether Close has been called.
func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
