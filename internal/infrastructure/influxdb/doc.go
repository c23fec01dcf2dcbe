// Package influxdb records shadow session metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management and batched writes, and provides SessionMetrics, a
// shadow.Observer that turns request outcomes, delta decisions and decode
// failures into points.
//
// # Measurements
//
//	shadow_request         tags: thing, shadow, op, outcome   fields: latency_ms
//	shadow_delta           tags: thing, shadow                fields: version, forwarded
//	shadow_decode_failure  tags: topic                        fields: count, error
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sess, err := shadow.Open(ctx, shadow.Options{
//	    Transport: mqttClient,
//	    Observer:  influxdb.NewSessionMetrics(client),
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are non-blocking; batch errors are delivered to the SetOnError
// callback.
package influxdb
