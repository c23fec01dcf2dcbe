package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// Measurement names written by SessionMetrics.
const (
	MeasurementRequest       = "shadow_request"
	MeasurementDelta         = "shadow_delta"
	MeasurementDecodeFailure = "shadow_decode_failure"
)

// PointWriter accepts points for asynchronous writing.
// *Client and api.WriteAPI satisfy it.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// SessionMetrics records shadow session events as InfluxDB points.
// It implements shadow.Observer and never blocks.
type SessionMetrics struct {
	w   PointWriter
	now func() time.Time
}

// NewSessionMetrics creates a metrics observer writing to w.
func NewSessionMetrics(w PointWriter) *SessionMetrics {
	return &SessionMetrics{w: w, now: time.Now}
}

var _ shadow.Observer = (*SessionMetrics)(nil)

// RequestCompleted writes one shadow_request point per request.
func (m *SessionMetrics) RequestCompleted(id shadow.Identity, op shadow.Operation, outcome shadow.Outcome, latency time.Duration) {
	m.w.WritePoint(write.NewPoint(
		MeasurementRequest,
		identityTags(id, map[string]string{
			"op":      string(op),
			"outcome": string(outcome),
		}),
		map[string]any{
			"latency_ms": latency.Milliseconds(),
		},
		m.now(),
	))
}

// DeltaReceived writes one shadow_delta point per decoded delta.
func (m *SessionMetrics) DeltaReceived(id shadow.Identity, version uint64, forwarded bool) {
	m.w.WritePoint(write.NewPoint(
		MeasurementDelta,
		identityTags(id, nil),
		map[string]any{
			"version":   version,
			"forwarded": forwarded,
		},
		m.now(),
	))
}

// DecodeFailed counts undecodable messages per topic.
func (m *SessionMetrics) DecodeFailed(topic string, err error) {
	m.w.WritePoint(write.NewPoint(
		MeasurementDecodeFailure,
		map[string]string{"topic": topic},
		map[string]any{
			"count": 1,
			"error": err.Error(),
		},
		m.now(),
	))
}

// identityTags adds the thing and shadow tags to extra.
// The shadow tag is omitted for the classic shadow.
func identityTags(id shadow.Identity, extra map[string]string) map[string]string {
	tags := map[string]string{"thing": id.ThingName}
	if id.IsNamed() {
		tags["shadow"] = id.ShadowName
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}
