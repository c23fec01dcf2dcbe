package shadow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// testWait bounds every wait on an asynchronous event in tests.
const testWait = 2 * time.Second

// MockTransport implements Transport for testing.
type MockTransport struct {
	mu           sync.Mutex
	connected    bool
	published    []mockPublish
	subscribed   []string
	unsubscribed []string
	handlers     map[string]func(topic string, payload []byte) error

	publishErr     error
	subscribeErr   error
	unsubscribeErr error

	publishCh chan mockPublish
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte) error),
		publishCh: make(chan mockPublish, 64),
	}
}

func (m *MockTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	p := mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained}
	m.published = append(m.published, p)
	m.mu.Unlock()

	m.publishCh <- p
	return nil
}

func (m *MockTransport) Subscribe(topic string, _ byte, handler func(topic string, payload []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscribed = append(m.subscribed, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockTransport) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	delete(m.handlers, topic)
	return m.unsubscribeErr
}

func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockTransport) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockTransport) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *MockTransport) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// SubscribeCount returns how many times topic was subscribed.
func (m *MockTransport) SubscribeCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return countOf(m.subscribed, topic)
}

// SetUnsubscribeError makes Unsubscribe fail after dropping the handler.
func (m *MockTransport) SetUnsubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeErr = err
}

// UnsubscribeCount returns how many times Unsubscribe was called for topic.
func (m *MockTransport) UnsubscribeCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return countOf(m.unsubscribed, topic)
}

func (m *MockTransport) PublishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// SimulateMessage delivers a message the way the broker would: only to a
// subscribed topic. It reports whether a handler was found.
func (m *MockTransport) SimulateMessage(topic string, payload []byte) (bool, error) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, handler(topic, payload)
}

func countOf(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}

// waitPublish returns the next published message.
func waitPublish(t *testing.T, m *MockTransport) mockPublish {
	t.Helper()
	select {
	case p := <-m.publishCh:
		return p
	case <-time.After(testWait):
		t.Fatal("timed out waiting for publish")
		return mockPublish{}
	}
}

// tokenOf extracts the client token of a published request.
func tokenOf(t *testing.T, p mockPublish) string {
	t.Helper()
	var body struct {
		ClientToken string `json:"clientToken"`
	}
	if err := json.Unmarshal(p.Payload, &body); err != nil {
		t.Fatalf("published payload is not JSON: %v", err)
	}
	if body.ClientToken == "" {
		t.Fatalf("published payload has no clientToken: %s", p.Payload)
	}
	return body.ClientToken
}

// call is the outcome of a request run in the background.
type call struct {
	doc *Document
	err error
}

func goGet(ctx context.Context, s *Session, id Identity, timeout time.Duration) <-chan call {
	ch := make(chan call, 1)
	go func() {
		doc, err := s.Get(ctx, id, timeout)
		ch <- call{doc: doc, err: err}
	}()
	return ch
}

func goUpdate(ctx context.Context, s *Session, id Identity, patch Patch, timeout time.Duration) <-chan call {
	ch := make(chan call, 1)
	go func() {
		doc, err := s.Update(ctx, id, patch, timeout)
		ch <- call{doc: doc, err: err}
	}()
	return ch
}

func waitCall(t *testing.T, ch <-chan call) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(testWait):
		t.Fatal("timed out waiting for request to finish")
		return call{}
	}
}

// recordingObserver records every observer event.
type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
	deltas   []bool
	failures []string
}

func (o *recordingObserver) RequestCompleted(_ Identity, _ Operation, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) DeltaReceived(_ Identity, _ uint64, forwarded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deltas = append(o.deltas, forwarded)
}

func (o *recordingObserver) DecodeFailed(topic string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, topic)
}

func (o *recordingObserver) Outcomes() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.outcomes...)
}

func (o *recordingObserver) Failures() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.failures...)
}

// openTestSession opens a session on a fresh mock transport and closes it
// at the end of the test.
func openTestSession(t *testing.T, opts Options) (*Session, *MockTransport) {
	t.Helper()

	mt := NewMockTransport()
	opts.Transport = mt
	opts.QoS = 1

	s, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		s.Close() //nolint:errcheck // Test cleanup
	})
	return s, mt
}

// deltaRecorder collects delivered delta versions.
type deltaRecorder struct {
	mu       sync.Mutex
	versions []uint64
	docs     []*Document
}

func (r *deltaRecorder) handle(doc *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = append(r.versions, doc.Version)
	r.docs = append(r.docs, doc)
}

func (r *deltaRecorder) Versions() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.versions...)
}
