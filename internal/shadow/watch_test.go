package shadow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestDeltaSubscriptionRefCounting(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	id := Classic("lamp1")
	topic := id.Topic(OpUpdate, SuffixDelta)

	first, err := s.OnDelta(id, func(*Document) {})
	if err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	second, err := s.OnDelta(id, func(*Document) {})
	if err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}

	if n := mt.SubscribeCount(topic); n != 1 {
		t.Errorf("subscribe calls = %d, want 1", n)
	}
	if n := s.refCount(topic); n != 2 {
		t.Errorf("refCount = %d, want 2", n)
	}

	if err := first.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n := mt.UnsubscribeCount(topic); n != 0 {
		t.Errorf("unsubscribe calls after first cancel = %d, want 0", n)
	}

	if err := second.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n := mt.UnsubscribeCount(topic); n != 1 {
		t.Errorf("unsubscribe calls after second cancel = %d, want 1", n)
	}

	// Cancel is idempotent.
	if err := first.Cancel(); err != nil {
		t.Errorf("repeated Cancel() error = %v", err)
	}
	if n := mt.UnsubscribeCount(topic); n != 1 {
		t.Errorf("unsubscribe calls after repeated cancel = %d, want 1", n)
	}
}

func TestDeltaSharesTopicWithRequests(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	id := Classic("lamp1")

	sub, err := s.OnDocuments(id, func(*DocumentsUpdate) {})
	if err != nil {
		t.Fatalf("OnDocuments() error = %v", err)
	}
	if n := mt.SubscribeCount(id.Topic(OpUpdate, SuffixDocuments)); n != 1 {
		t.Errorf("documents subscribe calls = %d, want 1", n)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if s.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", s.SubscriptionCount())
	}
}

func TestDeltaVersionFiltering(t *testing.T) {
	tests := []struct {
		name      string
		versions  []uint64
		delivered []uint64
		final     uint64
	}{
		{"ascending", []uint64{1, 2, 3}, []uint64{1, 2, 3}, 3},
		{"duplicates dropped", []uint64{4, 4, 4}, []uint64{4}, 4},
		{"out of order", []uint64{3, 1, 5, 5, 4, 7, 2}, []uint64{3, 5, 7}, 7},
		{"descending", []uint64{9, 8, 7}, []uint64{9}, 9},
		{"zero first", []uint64{0, 0, 1}, []uint64{0, 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			s, mt := openTestSession(t, Options{Observer: obs})
			id := Classic("lamp1")

			rec := &deltaRecorder{}
			if _, err := s.OnDelta(id, rec.handle); err != nil {
				t.Fatalf("OnDelta() error = %v", err)
			}

			for _, v := range tt.versions {
				payload := fmt.Sprintf(`{"state":{"on":true},"version":%d}`, v)
				if _, err := mt.SimulateMessage(id.Topic(OpUpdate, SuffixDelta), []byte(payload)); err != nil {
					t.Fatalf("dispatch error = %v", err)
				}
			}
			s.queue.sync()

			if got := rec.Versions(); !reflect.DeepEqual(got, tt.delivered) {
				t.Errorf("delivered = %v, want %v", got, tt.delivered)
			}
			if v, _ := s.Version(id); v != tt.final {
				t.Errorf("Version() = %d, want %d", v, tt.final)
			}
			if len(obs.deltas) != len(tt.versions) {
				t.Errorf("observer saw %d deltas, want %d", len(obs.deltas), len(tt.versions))
			}
		})
	}
}

func TestVersionMonotonicAcrossAcceptedAndDelta(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	id := Classic("lamp1")

	rec := &deltaRecorder{}
	if _, err := s.OnDelta(id, rec.handle); err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	deltaTopic := id.Topic(OpUpdate, SuffixDelta)

	mt.SimulateMessage(deltaTopic, []byte(`{"state":{"on":true},"version":7}`))

	// A stale accepted response still resolves its own request.
	done := goGet(context.Background(), s, id, 5*time.Second)
	token := tokenOf(t, waitPublish(t, mt))
	mt.SimulateMessage(id.Topic(OpGet, SuffixAccepted),
		[]byte(fmt.Sprintf(`{"state":{},"version":2,"clientToken":%q}`, token)))

	res := waitCall(t, done)
	if res.err != nil || res.doc.Version != 2 {
		t.Fatalf("Get() = %+v, %v; want version 2", res.doc, res.err)
	}
	if v, _ := s.Version(id); v != 7 {
		t.Errorf("Version() after stale accepted = %d, want 7", v)
	}

	// A newer accepted response raises the version; older deltas are dropped.
	done = goGet(context.Background(), s, id, 5*time.Second)
	token = tokenOf(t, waitPublish(t, mt))
	mt.SimulateMessage(id.Topic(OpGet, SuffixAccepted),
		[]byte(fmt.Sprintf(`{"state":{},"version":11,"clientToken":%q}`, token)))
	if res := waitCall(t, done); res.err != nil {
		t.Fatalf("Get() error = %v", res.err)
	}

	mt.SimulateMessage(deltaTopic, []byte(`{"state":{"on":false},"version":10}`))
	mt.SimulateMessage(deltaTopic, []byte(`{"state":{"on":false},"version":12}`))
	s.queue.sync()

	if got := rec.Versions(); !reflect.DeepEqual(got, []uint64{7, 12}) {
		t.Errorf("delivered = %v, want [7 12]", got)
	}
	if v, _ := s.Version(id); v != 12 {
		t.Errorf("Version() = %d, want 12", v)
	}
}

func TestDeltaVersionsAreTrackedPerShadow(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	classic, named := Classic("lamp1"), Named("lamp1", "cfg")

	recClassic, recNamed := &deltaRecorder{}, &deltaRecorder{}
	s.OnDelta(classic, recClassic.handle) //nolint:errcheck // mock transport cannot fail
	s.OnDelta(named, recNamed.handle)     //nolint:errcheck // mock transport cannot fail

	mt.SimulateMessage(classic.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{},"version":5}`))
	mt.SimulateMessage(named.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{},"version":2}`))
	s.queue.sync()

	if got := recNamed.Versions(); !reflect.DeepEqual(got, []uint64{2}) {
		t.Errorf("named shadow delivered = %v, want [2]", got)
	}
	if got := recClassic.Versions(); !reflect.DeepEqual(got, []uint64{5}) {
		t.Errorf("classic shadow delivered = %v, want [5]", got)
	}
}

func TestMalformedDeltaDoesNotBreakDelivery(t *testing.T) {
	obs := &recordingObserver{}
	s, mt := openTestSession(t, Options{Observer: obs})
	id := Classic("lamp1")
	topic := id.Topic(OpUpdate, SuffixDelta)

	rec := &deltaRecorder{}
	s.OnDelta(id, rec.handle) //nolint:errcheck // mock transport cannot fail

	if _, err := mt.SimulateMessage(topic, []byte(`{{{`)); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("dispatch error = %v, want ErrMalformedPayload", err)
	}
	if _, err := mt.SimulateMessage(topic, []byte(`{"state":{}}`)); !errors.Is(err, ErrMissingField) {
		t.Errorf("dispatch error = %v, want ErrMissingField", err)
	}
	mt.SimulateMessage(topic, []byte(`{"state":{"on":true},"version":3}`))
	s.queue.sync()

	if got := rec.Versions(); !reflect.DeepEqual(got, []uint64{3}) {
		t.Errorf("delivered = %v, want [3]", got)
	}
	if n := len(obs.Failures()); n != 2 {
		t.Errorf("observer failures = %d, want 2", n)
	}
}

func TestDeltaHandlerPanicIsRecovered(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	id := Classic("lamp1")

	var mu sync.Mutex
	calls := 0
	s.OnDelta(id, func(*Document) { //nolint:errcheck // mock transport cannot fail
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("handler bug")
		}
	})

	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{},"version":1}`))
	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{},"version":2}`))
	s.queue.sync()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

// TestDeltaHandlerCanReport verifies the device reconcile pattern: a delta
// handler reports the new state with a blocking Update.
func TestDeltaHandlerCanReport(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	id := Classic("lamp1")

	reported := make(chan error, 1)
	s.OnDelta(id, func(doc *Document) { //nolint:errcheck // mock transport cannot fail
		_, err := s.Update(context.Background(), id, Patch{Reported: doc.State}, 5*time.Second)
		reported <- err
	})

	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{"on":true},"version":4}`))

	pub := waitPublish(t, mt)
	if pub.Topic != id.Topic(OpUpdate, SuffixNone) {
		t.Fatalf("published to %q", pub.Topic)
	}
	mt.SimulateMessage(id.Topic(OpUpdate, SuffixAccepted),
		[]byte(fmt.Sprintf(`{"state":{"reported":{"on":true}},"version":5,"clientToken":%q}`, tokenOf(t, pub))))

	select {
	case err := <-reported:
		if err != nil {
			t.Errorf("Update() from handler error = %v", err)
		}
	case <-time.After(testWait):
		t.Fatal("handler Update did not complete")
	}
	if v, _ := s.Version(id); v != 5 {
		t.Errorf("Version() = %d, want 5", v)
	}
}

func TestCancelledHandlerSkipsQueuedDeltas(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	id := Classic("lamp1")

	block := make(chan struct{})
	blocker, _ := s.OnDelta(id, func(*Document) { <-block })

	rec := &deltaRecorder{}
	sub, err := s.OnDelta(id, rec.handle)
	if err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}

	// The first handler holds the queue while the delta for the second waits.
	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{},"version":1}`))
	if err := sub.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(block)
	s.queue.sync()

	if got := rec.Versions(); len(got) != 0 {
		t.Errorf("cancelled handler received %v", got)
	}
	blocker.Cancel() //nolint:errcheck // cleanup
}

func TestOnDocuments(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	id := Named("lamp1", "cfg")

	var mu sync.Mutex
	var got []*DocumentsUpdate
	if _, err := s.OnDocuments(id, func(u *DocumentsUpdate) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("OnDocuments() error = %v", err)
	}

	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDocuments), []byte(`{
		"previous": {"state": {"reported": {"on": false}}, "version": 2},
		"current": {"state": {"reported": {"on": true}}, "version": 3},
		"timestamp": 1700000000
	}`))
	s.queue.sync()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Current.Version != 3 || got[0].Previous.Version != 2 {
		t.Fatalf("documents = %+v", got)
	}
	if _, ok := s.Version(id); ok {
		t.Error("documents message should not set the tracked version")
	}
}

// TestDocumentsThenDelta covers the service sending the documents message of
// an update before the delta carrying the same version.
func TestDocumentsThenDelta(t *testing.T) {
	s, mt := openTestSession(t, Options{})
	id := Classic("lamp1")

	deltas := make(chan uint64, 1)
	if _, err := s.OnDelta(id, func(d *Document) { deltas <- d.Version }); err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	if _, err := s.OnDocuments(id, func(*DocumentsUpdate) {}); err != nil {
		t.Fatalf("OnDocuments() error = %v", err)
	}

	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDocuments), []byte(`{
		"previous": {"state": {}, "version": 4},
		"current": {"state": {"desired": {"on": true}}, "version": 5},
		"timestamp": 1700000000
	}`))
	mt.SimulateMessage(id.Topic(OpUpdate, SuffixDelta), []byte(`{"state":{"on":true},"version":5,"timestamp":1700000000}`))
	s.queue.sync()

	select {
	case v := <-deltas:
		if v != 5 {
			t.Errorf("delta version = %d, want 5", v)
		}
	default:
		t.Fatal("delta after documents was dropped")
	}
}

func TestOnDeltaNilHandler(t *testing.T) {
	s, _ := openTestSession(t, Options{})
	if _, err := s.OnDelta(Classic("lamp1"), nil); err == nil {
		t.Error("OnDelta(nil) expected error")
	}
	if _, err := s.OnDocuments(Classic("lamp1"), nil); err == nil {
		t.Error("OnDocuments(nil) expected error")
	}
}

func TestDispatchIgnoresForeignTopics(t *testing.T) {
	s, _ := openTestSession(t, Options{})
	for _, topic := range []string{"shadowd/lamp1/status", "$aws/things/lamp1/jobs/notify", "$aws/things/lamp1/shadow/get"} {
		if err := s.Dispatch(topic, []byte(`garbage`)); err != nil {
			t.Errorf("Dispatch(%q) error = %v", topic, err)
		}
	}
}
