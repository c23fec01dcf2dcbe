// Package mqtt provides the broker connection for the shadow agent.
//
// This package manages:
//   - Connection to AWS IoT Core (or any MQTT 3.1.1 broker) with auto-reconnect
//   - Mutual TLS with a device certificate, optionally over ALPN on port 443
//   - Message publishing at QoS 0 or 1
//   - Topic subscriptions with wildcard support and reconnect restoration
//   - Optional status topic with Last Will and Testament
//
// # Architecture
//
// The client is the transport under the shadow session. The session never
// talks to paho directly; it only needs Publish, Subscribe, Unsubscribe and
// IsConnected, which *Client provides.
//
//	shadow.Session ↔ mqtt.Client ↔ AWS IoT Core
//
// # Security Considerations
//
//   - TLS is required for AWS IoT (cfg.Broker.TLS.Enabled=true)
//   - The device private key is read from disk at connect time and never logged
//   - Anonymous plaintext access is only for local development brokers
//
// # Broker Limits
//
// Topics are validated before use: at most 256 bytes and 8 levels, with the
// leading "$aws/things/<thing>" levels of reserved topics not counted.
// Payloads are capped at 128 KB and QoS 2 is refused.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("$aws/things/lamp1/shadow/update/delta", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
