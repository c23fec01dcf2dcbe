package shadow

import (
	"context"
	"fmt"
)

// messageKind classifies an incoming message by its topic suffix.
type messageKind int

const (
	kindIgnored messageKind = iota
	kindAccepted
	kindRejected
	kindDelta
	kindDocuments
)

func kindOf(suffix Suffix) messageKind {
	switch suffix {
	case SuffixAccepted:
		return kindAccepted
	case SuffixRejected:
		return kindRejected
	case SuffixDelta:
		return kindDelta
	case SuffixDocuments:
		return kindDocuments
	default:
		return kindIgnored
	}
}

// Dispatch routes one incoming message. It is the handler the session
// registers with the transport for every topic it subscribes.
//
// An undecodable message is reported to the observer and returned as an
// error for the transport to log; it never reaches a caller unless its
// client token matches a pending request, which then fails with the
// decode error. Messages outside the shadow namespace and responses for
// unknown tokens are ignored.
func (s *Session) Dispatch(topic string, payload []byte) error {
	id, _, suffix, ok := ParseTopic(topic)
	if !ok {
		s.logger.Debug("ignoring message outside shadow namespace", "topic", topic)
		return nil
	}
	if s.isClosed() {
		return nil
	}

	switch kindOf(suffix) {
	case kindAccepted:
		return s.dispatchAccepted(topic, id, payload)
	case kindRejected:
		return s.dispatchRejected(topic, payload)
	case kindDelta:
		return s.dispatchDelta(topic, id, payload)
	case kindDocuments:
		return s.dispatchDocuments(topic, id, payload)
	default:
		return nil
	}
}

func (s *Session) dispatchAccepted(topic string, id Identity, payload []byte) error {
	doc, err := DecodeAccepted(payload)
	if err != nil {
		return s.decodeFailed(topic, payload, err, true)
	}

	s.mu.Lock()
	req := s.takePendingLocked(doc.ClientToken)
	if req == nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring accepted message without pending request",
			"topic", topic,
			"client_token", doc.ClientToken,
		)
		return nil
	}
	advanced := s.advanceLocked(id, doc.Version)
	s.mu.Unlock()

	if advanced {
		s.persist(id, doc.Version)
	}
	req.complete(result{doc: doc})
	return nil
}

func (s *Session) dispatchRejected(topic string, payload []byte) error {
	rej, err := DecodeRejected(payload)
	if err != nil {
		return s.decodeFailed(topic, payload, err, true)
	}

	req := s.takePending(rej.ClientToken)
	if req == nil {
		s.logger.Debug("ignoring rejected message without pending request",
			"topic", topic,
			"client_token", rej.ClientToken,
		)
		return nil
	}

	s.logger.Debug("shadow request rejected",
		"topic", topic,
		"code", rej.Code,
		"message", rej.Message,
	)
	req.complete(result{err: rej})
	return nil
}

func (s *Session) dispatchDelta(topic string, id Identity, payload []byte) error {
	doc, err := DecodeDelta(payload)
	if err != nil {
		return s.decodeFailed(topic, payload, err, false)
	}

	s.mu.Lock()
	targets := s.activeWatchersLocked(watchKey{id: id, kind: watchDelta})
	forward := len(targets) > 0 && s.advanceLocked(id, doc.Version)
	s.mu.Unlock()

	s.observer.DeltaReceived(id, doc.Version, forward)
	if !forward {
		s.logger.Debug("dropping shadow delta",
			"shadow", id.String(),
			"version", doc.Version,
			"handlers", len(targets),
		)
		return nil
	}

	s.persist(id, doc.Version)
	for _, w := range targets {
		w := w
		s.queue.push(func() {
			if !w.cancelled.Load() {
				w.onDelta(doc)
			}
		})
	}
	return nil
}

// dispatchDocuments forwards a documents message. It leaves the tracked
// version alone: the service sends the delta of the same update with the
// same version, and that delta must still be forwarded.
func (s *Session) dispatchDocuments(topic string, id Identity, payload []byte) error {
	update, err := DecodeDocuments(payload)
	if err != nil {
		return s.decodeFailed(topic, payload, err, false)
	}

	s.mu.Lock()
	targets := s.activeWatchersLocked(watchKey{id: id, kind: watchDocuments})
	s.mu.Unlock()

	for _, w := range targets {
		w := w
		s.queue.push(func() {
			if !w.cancelled.Load() {
				w.onDocuments(update)
			}
		})
	}
	return nil
}

// decodeFailed reports an undecodable message. For response topics a
// request whose token can still be extracted fails with the decode error.
func (s *Session) decodeFailed(topic string, payload []byte, err error, response bool) error {
	s.observer.DecodeFailed(topic, err)

	if response {
		if req := s.takePending(ExtractClientToken(payload)); req != nil {
			req.complete(result{err: fmt.Errorf("decoding response on %s: %w", topic, err)})
		}
	}
	return fmt.Errorf("decoding %s: %w", topic, err)
}

// advanceLocked raises the tracked version of id to v when v is newer or no
// version is known. It reports whether the version moved.
func (s *Session) advanceLocked(id Identity, v uint64) bool {
	if cur, ok := s.versions[id]; ok && v <= cur {
		return false
	}
	s.versions[id] = v
	return true
}

// persist queues a version write to the store, behind any handler work
// already queued.
func (s *Session) persist(id Identity, version uint64) {
	if s.store == nil {
		return
	}
	s.queue.push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), versionSaveTimeout)
		defer cancel()
		if err := s.store.SaveVersion(ctx, id, version); err != nil {
			s.logger.Warn("persisting shadow version",
				"shadow", id.String(),
				"version", version,
				"error", err,
			)
		}
	})
}
