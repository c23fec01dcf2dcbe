package shadow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// maxTokenAttempts bounds token generation when a fresh token collides
// with a pending one.
const maxTokenAttempts = 8

// result is what a pending request completes with.
type result struct {
	doc *Document
	err error
}

// pendingRequest is one request awaiting its accepted or rejected response.
type pendingRequest struct {
	token    string
	op       Operation
	id       Identity
	issuedAt time.Time

	// done has capacity 1 and receives exactly one result. Only the
	// goroutine that removed the entry from the pending table sends on it.
	done chan result
}

// complete delivers the terminal result.
func (r *pendingRequest) complete(res result) {
	r.done <- res
}

// addPending stores a new pending request under a fresh client token.
// It is called before publishing so a fast response always finds its entry.
func (s *Session) addPending(id Identity, op Operation) (*pendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token := uuid.NewString()
		if _, exists := s.pending[token]; exists {
			continue
		}
		req := &pendingRequest{
			token:    token,
			op:       op,
			id:       id,
			issuedAt: time.Now(),
			done:     make(chan result, 1),
		}
		s.pending[token] = req
		return req, nil
	}
	return nil, fmt.Errorf("shadow: no unused client token after %d attempts", maxTokenAttempts)
}

// takePending removes and returns the request for token, or nil if none is
// pending. Whoever takes the entry owns its completion.
func (s *Session) takePending(token string) *pendingRequest {
	if token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takePendingLocked(token)
}

func (s *Session) takePendingLocked(token string) *pendingRequest {
	req, ok := s.pending[token]
	if !ok {
		return nil
	}
	delete(s.pending, token)
	return req
}

// drainPendingLocked empties the pending table and returns its entries.
func (s *Session) drainPendingLocked() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(s.pending))
	for token, req := range s.pending {
		out = append(out, req)
		delete(s.pending, token)
	}
	return out
}
