package shadow

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// logEntry is one call on logRecorder.
type logEntry struct {
	level string
	msg   string
}

// logRecorder implements Logger and remembers every call.
type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *logRecorder) record(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg})
	l.mu.Unlock()
}

func (l *logRecorder) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *logRecorder) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *logRecorder) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *logRecorder) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *logRecorder) last() logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return logEntry{}
	}
	return l.entries[len(l.entries)-1]
}

func TestLogObserver(t *testing.T) {
	log := &logRecorder{}
	obs := LogObserver{Logger: log}
	id := Classic("lamp1")

	tests := []struct {
		name      string
		event     func()
		wantLevel string
	}{
		{"accepted", func() { obs.RequestCompleted(id, OpGet, OutcomeAccepted, time.Millisecond) }, "debug"},
		{"rejected", func() { obs.RequestCompleted(id, OpUpdate, OutcomeRejected, time.Millisecond) }, "warn"},
		{"timeout", func() { obs.RequestCompleted(id, OpDelete, OutcomeTimeout, time.Second) }, "warn"},
		{"delta", func() { obs.DeltaReceived(id, 4, true) }, "debug"},
		{"decode failure", func() { obs.DecodeFailed("$aws/things/lamp1/shadow/update/delta", errors.New("bad")) }, "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.event()
			if got := log.last(); got.level != tt.wantLevel {
				t.Errorf("logged %q at %s, want %s", got.msg, got.level, tt.wantLevel)
			}
		})
	}
}

func TestMultiObserver(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := MultiObserver{a, NopObserver{}, b}

	obs.RequestCompleted(Classic("lamp1"), OpGet, OutcomeTimeout, time.Second)
	obs.DecodeFailed("$aws/things/lamp1/shadow/get/accepted", errors.New("bad"))
	obs.DeltaReceived(Classic("lamp1"), 2, false)

	for name, o := range map[string]*recordingObserver{"first": a, "second": b} {
		if got := o.Outcomes(); len(got) != 1 || got[0] != OutcomeTimeout {
			t.Errorf("%s observer outcomes = %v", name, got)
		}
		if got := o.Failures(); len(got) != 1 {
			t.Errorf("%s observer decode failures = %v", name, got)
		}
	}
}
