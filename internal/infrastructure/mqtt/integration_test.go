//go:build integration

package mqtt

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/config"
)

// Integration tests against a live broker.
// These tests require a running Mosquitto broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS:         1,
		KeepAlive:   60,
		StatusTopic: "shadowd/test/status",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connectIntegration(t *testing.T, clientID string) *Client {
	t.Helper()
	client, err := Connect(integrationConfig(clientID))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIntegration_ConnectAndClose(t *testing.T) {
	client, err := Connect(integrationConfig("shadowd-int-close"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
}

func TestIntegration_BrokerRefused(t *testing.T) {
	cfg := integrationConfig("shadowd-int-refused")
	cfg.Broker.Port = 19998

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client := connectIntegration(t, "shadowd-int-sub-track")
	handler := func(string, []byte) error { return nil }

	topics := []string{
		"$aws/things/lamp1/shadow/get/accepted",
		"$aws/things/lamp1/shadow/get/rejected",
		"$aws/things/lamp1/shadow/update/delta",
	}
	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Error("HasSubscription() = true after Unsubscribe()")
	}
}

func TestIntegration_MessageRoundtrip(t *testing.T) {
	pubClient := connectIntegration(t, "shadowd-int-pub")
	subClient := connectIntegration(t, "shadowd-int-sub")

	topic := "$aws/things/lamp1/shadow/update/accepted"
	expected := `{"version":7}`

	received := make(chan string, 1)
	var once sync.Once

	err := subClient.Subscribe(topic, 1, func(_ string, p []byte) error {
		once.Do(func() {
			received <- string(p)
		})
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pubClient.PublishString(topic, expected, 1, false); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != expected {
			t.Errorf("Received = %q, want %q", msg, expected)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}

func TestIntegration_HandlerErrorLogged(t *testing.T) {
	client := connectIntegration(t, "shadowd-int-handler-err")
	logger := &mockLogger{}
	client.SetLogger(logger)

	topic := "shadowd/test/handler-error"
	var calls atomic.Int32
	err := client.Subscribe(topic, 1, func(string, []byte) error {
		calls.Add(1)
		return errors.New("handler error")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := client.PublishString(topic, "test", 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("handler was not called")
	}
}
