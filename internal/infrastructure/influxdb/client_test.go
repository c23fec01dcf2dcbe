package influxdb_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "shadowd-dev-token",
		Org:           "shadowd",
		Bucket:        "metrics",
		BatchSize:     100,
		FlushInterval: 1, // 1 second for faster test feedback
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := influxdb.Connect(context.Background(), testConfig())
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999" // Non-existent port

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := influxdb.Connect(ctx, cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnectWriteClose(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	writeErr := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case writeErr <- err:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	metrics := influxdb.NewSessionMetrics(client)
	metrics.RequestCompleted(shadow.Classic("lamp1"), shadow.OpUpdate, shadow.OutcomeAccepted, 40*time.Millisecond)
	client.Flush()

	select {
	case err := <-writeErr:
		t.Errorf("write error = %v", err)
	case <-time.After(500 * time.Millisecond):
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close() = %v, want ErrNotConnected", err)
	}

	// Writes after Close are dropped, not panics.
	metrics.DecodeFailed("t", errors.New("late"))
	client.Flush()
}

// recordingWriter collects points in memory.
type recordingWriter struct {
	points []*write.Point
}

func (w *recordingWriter) WritePoint(p *write.Point) {
	w.points = append(w.points, p)
}

// pointTags flattens a point's tags.
func pointTags(p *write.Point) map[string]string {
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	return tags
}

// pointFields flattens a point's fields.
func pointFields(p *write.Point) map[string]any {
	fields := make(map[string]any)
	for _, field := range p.FieldList() {
		fields[field.Key] = field.Value
	}
	return fields
}

func TestSessionMetrics_RequestCompleted(t *testing.T) {
	w := &recordingWriter{}
	m := influxdb.NewSessionMetrics(w)

	m.RequestCompleted(shadow.Named("lamp1", "config"), shadow.OpDelete, shadow.OutcomeRejected, 1500*time.Millisecond)

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != influxdb.MeasurementRequest {
		t.Errorf("Name() = %q, want %q", p.Name(), influxdb.MeasurementRequest)
	}

	tags := pointTags(p)
	want := map[string]string{"thing": "lamp1", "shadow": "config", "op": "delete", "outcome": "rejected"}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags[k], v)
		}
	}
	if got := pointFields(p)["latency_ms"]; got != int64(1500) {
		t.Errorf("latency_ms = %v (%T), want 1500", got, got)
	}
}

func TestSessionMetrics_DeltaReceived(t *testing.T) {
	w := &recordingWriter{}
	m := influxdb.NewSessionMetrics(w)

	m.DeltaReceived(shadow.Classic("lamp1"), 7, true)
	m.DeltaReceived(shadow.Classic("lamp1"), 6, false)

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}

	tags := pointTags(w.points[0])
	if _, ok := tags["shadow"]; ok {
		t.Errorf("classic shadow tagged with shadow name: %v", tags)
	}
	if tags["thing"] != "lamp1" {
		t.Errorf("thing tag = %q", tags["thing"])
	}

	first, second := pointFields(w.points[0]), pointFields(w.points[1])
	if first["version"] != uint64(7) || first["forwarded"] != true {
		t.Errorf("first delta fields = %v", first)
	}
	if second["forwarded"] != false {
		t.Errorf("second delta fields = %v", second)
	}
}

func TestSessionMetrics_DecodeFailed(t *testing.T) {
	w := &recordingWriter{}
	m := influxdb.NewSessionMetrics(w)

	topic := "$aws/things/lamp1/shadow/update/delta"
	m.DecodeFailed(topic, errors.New("shadow: malformed payload"))

	p := w.points[0]
	if p.Name() != influxdb.MeasurementDecodeFailure {
		t.Errorf("Name() = %q", p.Name())
	}
	if pointTags(p)["topic"] != topic {
		t.Errorf("topic tag = %q", pointTags(p)["topic"])
	}
	if pointFields(p)["error"] != "shadow: malformed payload" {
		t.Errorf("error field = %v", pointFields(p)["error"])
	}
}

func TestSessionMetrics_AsSessionObserver(t *testing.T) {
	w := &recordingWriter{}
	var obs shadow.Observer = shadow.MultiObserver{shadow.NopObserver{}, influxdb.NewSessionMetrics(w)}

	obs.DeltaReceived(shadow.Classic("lamp1"), 1, true)
	if len(w.points) != 1 {
		t.Errorf("points = %d, want 1", len(w.points))
	}
}
