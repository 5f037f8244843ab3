package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gira-bridge/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Tests require a running Mosquitto broker at 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "girabridge-test",
			TLS:      false,
		},
		Auth: config.MQTTAuthConfig{
			Username: "",
			Password: "",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestConnectInvalidBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999 // Invalid port

	_, err := Connect(cfg)
	if err == nil {
		t.Fatal("Connect() expected error for invalid broker")
	}

	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err = client.Close()
	if err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	err := client.Close()
	if err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	err = client.HealthCheck(ctx)
	if err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err = client.HealthCheck(ctx)
	if err == nil {
		t.Error("HealthCheck() expected error for cancelled context")
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Disconnect
	client.Close()

	ctx := context.Background()
	err = client.HealthCheck(ctx)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := Topics{}.EntityCommand("light", "test-uid")
	payload := []byte(`{"test":true}`)

	err = client.Publish(topic, payload, 1, false)
	if err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}

func TestPublishString(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := Topics{}.EntityCommand("switch", "test-uid")

	err = client.PublishString(topic, `{"test":true}`, 1, false)
	if err != nil {
		t.Errorf("PublishString() error = %v", err)
	}
}

func TestPublishRetained(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := Topics{}.EntityState("light", "test-uid")
	payload := []byte(`{"on":true}`)

	err = client.PublishRetained(topic, payload)
	if err != nil {
		t.Errorf("PublishRetained() error = %v", err)
	}
}

func TestPublishEmptyTopic(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	err = client.Publish("", []byte("test"), 1, false)
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish() error = %v, want ErrInvalidTopic", err)
	}
}

func TestPublishInvalidQoS(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	err = client.Publish("test/topic", []byte("test"), 3, false)
	if !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish() error = %v, want ErrInvalidQoS", err)
	}
}

func TestPublishDisconnected(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()

	err = client.Publish("test/topic", []byte("test"), 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribe(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := "girabridge/test/subscribe"
	received := make(chan []byte, 1)

	err = client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if !client.HasSubscription(topic) {
		t.Error("HasSubscription() = false after Subscribe")
	}

	// Round-trip a message through the broker
	want := []byte(`{"hello":"world"}`)
	if err := client.Publish(topic, want, 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(want) {
			t.Errorf("received payload = %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestSubscribeNilHandler(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	err = client.Subscribe("girabridge/test/nil", 1, nil)
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := "girabridge/test/unsubscribe"
	err = client.Subscribe(topic, 1, func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	err = client.Unsubscribe(topic)
	if err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}

	if client.HasSubscription(topic) {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
}

func TestSubscribeWildcard(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "girabridge-test-wild-sub"

	sub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sub.Close()

	pubCfg := testConfig()
	pubCfg.Broker.ClientID = "girabridge-test-wild-pub"
	pub, err := Connect(pubCfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pub.Close()

	var mu sync.Mutex
	var topics []string

	err = sub.Subscribe(Topics{}.AllEntityCommands(), 1, func(topic string, _ []byte) error {
		mu.Lock()
		topics = append(topics, topic)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	published := []string{
		Topics{}.EntityCommand("light", "uid1"),
		Topics{}.EntityCommand("cover", "uid2"),
		Topics{}.EntityCommand("switch", "uid3"),
	}
	for _, topic := range published {
		if err := pub.Publish(topic, []byte(`{}`), 1, false); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(topics)
		mu.Unlock()
		if n >= len(published) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d messages, want %d", n, len(published))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// =============================================================================
// Handler Wrapping Tests
// =============================================================================

// errorLogger records Error/Warn calls for assertions.
type errorLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *errorLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *errorLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func TestHandlerPanicRecovered(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "girabridge-test-panic"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	logger := &errorLogger{}
	client.SetLogger(logger)

	topic := "girabridge/test/panic"
	err = client.Subscribe(topic, 1, func(string, []byte) error {
		panic("handler exploded")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.Publish(topic, []byte("boom"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		logger.mu.Lock()
		n := len(logger.errors)
		logger.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("panic was not logged within deadline")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// =============================================================================
// Topic Builder Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{
			name:     "entity state",
			got:      topics.EntityState("light", "a02f"),
			expected: "girabridge/state/light/a02f",
		},
		{
			name:     "entity command",
			got:      topics.EntityCommand("light", "a02f"),
			expected: "girabridge/command/light/a02f",
		},
		{
			name:     "datapoint value",
			got:      topics.DatapointValue("a03c"),
			expected: "girabridge/datapoint/a03c/value",
		},
		{
			name:     "service event",
			got:      topics.Event("uiConfigChanged"),
			expected: "girabridge/event/uiConfigChanged",
		},
		{
			name:     "device availability",
			got:      topics.DeviceAvailability(),
			expected: "girabridge/device/availability",
		},
		{
			name:     "system status",
			got:      topics.SystemStatus(),
			expected: "girabridge/system/status",
		},
		{
			name:     "all entity states",
			got:      topics.AllEntityStates(),
			expected: "girabridge/state/+/+",
		},
		{
			name:     "all entity commands",
			got:      topics.AllEntityCommands(),
			expected: "girabridge/command/+/+",
		},
		{
			name:     "all datapoint values",
			got:      topics.AllDatapointValues(),
			expected: "girabridge/datapoint/+/value",
		},
		{
			name:     "all events",
			got:      topics.AllEvents(),
			expected: "girabridge/event/+",
		},
		{
			name:     "all topics",
			got:      topics.AllTopics(),
			expected: "girabridge/#",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

// =============================================================================
// Payload Builder Tests
// =============================================================================

func TestBuildOnlinePayload(t *testing.T) {
	payload := buildOnlinePayload("girabridge")

	if payload == "" {
		t.Fatal("buildOnlinePayload returned empty string")
	}

	for _, want := range []string{`"status":"online"`, `"client_id":"girabridge"`} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload %q missing %q", payload, want)
		}
	}
}

func TestBuildOfflinePayload(t *testing.T) {
	payload := buildOfflinePayload("girabridge")

	for _, want := range []string{`"status":"offline"`, `"reason":"graceful_shutdown"`} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload %q missing %q", payload, want)
		}
	}
}
