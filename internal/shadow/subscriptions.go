package shadow

import (
	"fmt"
)

// acquire takes one reference on each topic, subscribing the topics that
// had none. On failure the references taken by this call are dropped again.
func (s *Session) acquire(topics ...string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, topic := range topics {
		if s.subs[topic] == 0 {
			if err := s.transport.Subscribe(topic, s.qos, s.Dispatch); err != nil {
				s.releaseLocked(topics[:i]...) //nolint:errcheck // rollback is best effort
				return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
			}
		}
		s.subs[topic]++
	}
	return nil
}

// release drops one reference on each topic and unsubscribes the topics
// that reach zero. Topics the session no longer tracks are skipped.
func (s *Session) release(topics ...string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.releaseLocked(topics...)
}

func (s *Session) releaseLocked(topics ...string) error {
	var firstErr error
	for _, topic := range topics {
		count, ok := s.subs[topic]
		if !ok {
			continue
		}
		if count > 1 {
			s.subs[topic] = count - 1
			continue
		}
		delete(s.subs, topic)
		if err := s.transport.Unsubscribe(topic); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
		}
	}
	return firstErr
}

// releaseQuietly is release for paths that have already produced their
// result. Failures are logged.
func (s *Session) releaseQuietly(topics ...string) {
	if err := s.release(topics...); err != nil {
		s.logger.Warn("releasing shadow subscription", "error", err)
	}
}

// SubscriptionCount returns the number of topics the session holds.
func (s *Session) SubscriptionCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// refCount returns the reference count of a topic.
func (s *Session) refCount(topic string) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.subs[topic]
}
