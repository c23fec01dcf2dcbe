package shadow

import (
	"errors"
	"sync"
	"sync/atomic"
)

// watchKind selects the notification stream a handler listens to.
type watchKind int

const (
	watchDelta watchKind = iota
	watchDocuments
)

// suffix returns the update topic suffix the stream arrives on.
func (k watchKind) suffix() Suffix {
	if k == watchDocuments {
		return SuffixDocuments
	}
	return SuffixDelta
}

type watchKey struct {
	id   Identity
	kind watchKind
}

// watcher is one registered long-lived handler.
type watcher struct {
	wid         uint64
	onDelta     func(*Document)
	onDocuments func(*DocumentsUpdate)

	// active is false between a connection loss and the next resubscribe.
	// Guarded by Session.mu.
	active bool

	// cancelled stops deliveries already queued when Cancel ran.
	cancelled atomic.Bool
}

// DeltaSubscription is the handle of a registered delta or documents
// handler. It stays registered until Cancel or Session.Close.
type DeltaSubscription struct {
	session *Session
	key     watchKey
	w       *watcher
	topic   string

	once sync.Once
	err  error
}

// Identity returns the shadow the handler listens to.
func (d *DeltaSubscription) Identity() Identity {
	return d.key.id
}

// Cancel removes the handler. Notifications queued but not yet delivered
// are skipped. The topic is unsubscribed when this was its last user.
// Calling Cancel more than once returns the first result.
func (d *DeltaSubscription) Cancel() error {
	d.once.Do(func() {
		d.w.cancelled.Store(true)

		s := d.session
		s.mu.Lock()
		removed := s.removeWatcherLocked(d.key, d.w.wid)
		s.mu.Unlock()
		if !removed {
			return
		}
		d.err = s.release(d.topic)
	})
	return d.err
}

// OnDelta registers a long-lived handler for delta notifications of a
// shadow. Only deltas newer than the last known version reach it.
//
// Handlers run on the session's delivery goroutine in arrival order and may
// call Get, Update and Delete. All handlers of a shadow receive the same
// *Document and must not modify it.
func (s *Session) OnDelta(id Identity, handler func(*Document)) (*DeltaSubscription, error) {
	if handler == nil {
		return nil, errors.New("shadow: delta handler cannot be nil")
	}
	return s.watch(id, watchDelta, &watcher{onDelta: handler})
}

// OnDocuments registers a long-lived handler for the full before/after
// documents the service publishes after every accepted update.
func (s *Session) OnDocuments(id Identity, handler func(*DocumentsUpdate)) (*DeltaSubscription, error) {
	if handler == nil {
		return nil, errors.New("shadow: documents handler cannot be nil")
	}
	return s.watch(id, watchDocuments, &watcher{onDocuments: handler})
}

func (s *Session) watch(id Identity, kind watchKind, w *watcher) (*DeltaSubscription, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}

	topic := id.Topic(OpUpdate, kind.suffix())
	if err := s.acquire(topic); err != nil {
		return nil, err
	}

	key := watchKey{id: id, kind: kind}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseQuietly(topic)
		return nil, ErrClosed
	}
	s.nextWID++
	w.wid = s.nextWID
	w.active = true
	s.watchers[key] = append(s.watchers[key], w)
	s.mu.Unlock()

	s.logger.Debug("shadow handler registered", "shadow", id.String(), "topic", topic)

	return &DeltaSubscription{
		session: s,
		key:     key,
		w:       w,
		topic:   topic,
	}, nil
}

// removeWatcherLocked drops a watcher. The slice is rebuilt so snapshots
// taken by dispatch stay valid.
func (s *Session) removeWatcherLocked(key watchKey, wid uint64) bool {
	list := s.watchers[key]
	kept := make([]*watcher, 0, len(list))
	removed := false
	for _, w := range list {
		if w.wid == wid {
			removed = true
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(s.watchers, key)
	} else {
		s.watchers[key] = kept
	}
	return removed
}

// activeWatchersLocked returns the active watchers for a key.
func (s *Session) activeWatchersLocked(key watchKey) []*watcher {
	var out []*watcher
	for _, w := range s.watchers[key] {
		if w.active {
			out = append(out, w)
		}
	}
	return out
}

// HandlerCount returns the number of registered delta and documents
// handlers for a shadow.
func (s *Session) HandlerCount(id Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[watchKey{id, watchDelta}]) + len(s.watchers[watchKey{id, watchDocuments}])
}
