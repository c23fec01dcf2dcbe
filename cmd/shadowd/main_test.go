package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow/shadowtest"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// writeConfig writes a config file and points SHADOWD_CONFIG at it.
func writeConfig(t *testing.T, content string) {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "shadowd.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("SHADOWD_CONFIG", configPath)
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("SHADOWD_CONFIG", "/nonexistent/path/shadowd.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want config load failure", err)
	}
}

func TestRun_MissingThingName(t *testing.T) {
	writeConfig(t, `
device:
  thing_name: ""
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without device.thing_name")
	}
}

// TestRun_BrokerUnreachable verifies startup stops at the MQTT connection
// and cleans up the database it opened.
func TestRun_BrokerUnreachable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shadowd.db")
	writeConfig(t, `
device:
  thing_name: "lamp1"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 19999
    client_id: "lamp1-test"
    tls:
      enabled: false
database:
  path: "`+dbPath+`"
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "connecting to MQTT") {
		t.Fatalf("run() error = %v, want MQTT connection failure", err)
	}
	if _, statErr := os.Stat(dbPath); statErr != nil {
		t.Errorf("database should have been created before MQTT: %v", statErr)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("SHADOWD_CONFIG", "")
	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}

	t.Setenv("SHADOWD_CONFIG", "/etc/shadowd/shadowd.yaml")
	if path := getConfigPath(); path != "/etc/shadowd/shadowd.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", path)
	}
}

func TestOpenDatabase(t *testing.T) {
	ctx := context.Background()

	t.Run("memory fallback", func(t *testing.T) {
		db, err := openDatabase(ctx, config.DatabaseConfig{}, testLogger())
		if err != nil {
			t.Fatalf("openDatabase() error = %v", err)
		}
		defer db.Close()

		if db.Path() != database.MemoryPath {
			t.Errorf("Path() = %q, want memory", db.Path())
		}
		if v, err := db.SchemaVersion(ctx); err != nil || v == "" {
			t.Errorf("SchemaVersion() = %q, %v, want migrations applied", v, err)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "shadowd.db")
		db, err := openDatabase(ctx, config.DatabaseConfig{Path: path, WALMode: true, BusyTimeout: 5}, testLogger())
		if err != nil {
			t.Fatalf("openDatabase() error = %v", err)
		}
		defer db.Close()

		if _, err := os.Stat(path); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})
}

func TestIdentity(t *testing.T) {
	if got := identity(config.DeviceConfig{ThingName: "lamp1"}); got != shadow.Classic("lamp1") {
		t.Errorf("identity() = %+v, want classic", got)
	}
	if got := identity(config.DeviceConfig{ThingName: "lamp1", ShadowName: "ota"}); got != shadow.Named("lamp1", "ota") {
		t.Errorf("identity() = %+v, want named", got)
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := &config.Config{
		MQTT: config.MQTTConfig{QoS: 1},
		Shadow: config.ShadowConfig{
			RequestTimeout:         12,
			ResubscribeOnReconnect: true,
		},
	}
	svc := shadowtest.NewFakeService()

	opts := sessionOptions(cfg, svc, nil, shadow.NopObserver{}, testLogger())
	if opts.QoS != 1 {
		t.Errorf("QoS = %d, want 1", opts.QoS)
	}
	if opts.RequestTimeout != 12*time.Second {
		t.Errorf("RequestTimeout = %v, want 12s", opts.RequestTimeout)
	}
	if !opts.ResubscribeOnReconnect {
		t.Error("ResubscribeOnReconnect should follow config")
	}

	sess, err := shadow.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("shadow.Open() error = %v", err)
	}
	sess.Close() //nolint:errcheck // Test cleanup
}

type countingObserver struct {
	shadow.NopObserver
	decodeFailures int
}

func (o *countingObserver) DecodeFailed(string, error) { o.decodeFailures++ }

func TestNewObserver(t *testing.T) {
	if _, ok := newObserver(testLogger(), nil).(shadow.LogObserver); !ok {
		t.Error("newObserver() without metrics should return the log observer")
	}

	metrics := &countingObserver{}
	obs := newObserver(testLogger(), metrics)
	obs.DecodeFailed("$aws/things/lamp1/shadow/update/delta", errors.New("bad json"))
	if metrics.decodeFailures != 1 {
		t.Errorf("metrics observer saw %d decode failures, want 1", metrics.decodeFailures)
	}
}

type fakeEvents struct {
	onConnect    func()
	onDisconnect func(error)
}

func (f *fakeEvents) SetOnConnect(cb func())         { f.onConnect = cb }
func (f *fakeEvents) SetOnDisconnect(cb func(error)) { f.onDisconnect = cb }

type fakeLifecycle struct {
	lost        []error
	reconnected int
}

func (f *fakeLifecycle) HandleConnectionLost(err error) { f.lost = append(f.lost, err) }
func (f *fakeLifecycle) HandleReconnect()               { f.reconnected++ }

func TestWireConnectionEvents(t *testing.T) {
	events := &fakeEvents{}
	sess := &fakeLifecycle{}
	wireConnectionEvents(events, sess, testLogger())

	if events.onConnect == nil || events.onDisconnect == nil {
		t.Fatal("both callbacks should be registered")
	}

	cause := errors.New("keepalive timeout")
	events.onDisconnect(cause)
	events.onConnect()

	if len(sess.lost) != 1 || !errors.Is(sess.lost[0], cause) {
		t.Errorf("HandleConnectionLost calls = %v, want [%v]", sess.lost, cause)
	}
	if sess.reconnected != 1 {
		t.Errorf("HandleReconnect calls = %d, want 1", sess.reconnected)
	}
}

// TestWireConnectionEvents_FailsPending checks the wiring against a real
// session: a dropped connection completes in-flight requests.
func TestWireConnectionEvents_FailsPending(t *testing.T) {
	svc := shadowtest.NewFakeService()
	svc.SetSilent(true)
	sess, err := shadow.Open(context.Background(), shadow.Options{Transport: svc})
	if err != nil {
		t.Fatalf("shadow.Open() error = %v", err)
	}
	defer sess.Close()

	events := &fakeEvents{}
	wireConnectionEvents(events, sess, testLogger())

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Get(context.Background(), shadow.Classic("lamp1"), 5*time.Second)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sess.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	events.onDisconnect(errors.New("socket closed"))

	select {
	case err := <-errCh:
		if !errors.Is(err, shadow.ErrConnectionLost) {
			t.Errorf("Get() error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Get was not failed by the disconnect")
	}
}
