package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lkrzak/mniam-headless/internal/config"
	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/util"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic string
	data  []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	messages  []published
}

func (f *fakeBroker) Connect() mqtt.Token {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	f.messages = append(f.messages, published{topic: topic, data: payload.([]byte)})
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeBroker) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.topic
	}
	return out
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus(), "run"); err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestBuildMessageMergesMetadata(t *testing.T) {
	h := newHandler(config.MQTTConfig{}, nil, &fakeBroker{}, "run-7", util.SystemInfo{Hostname: "box"})

	msg := h.buildMessage(map[string]int{"clients": 3})
	if msg["run_id"] != "run-7" || msg["hostname"] != "box" {
		t.Errorf("metadata missing: %v", msg)
	}
	if _, ok := msg["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
	if h.Topic(TopicClientLag) != "mniam/clients/lag" {
		t.Errorf("topic = %s", h.Topic(TopicClientLag))
	}
}

func TestPublishSkippedWhileDisconnected(t *testing.T) {
	broker := &fakeBroker{}
	h := newHandler(config.MQTTConfig{TopicPrefix: "lab"}, nil, broker, "run", util.SystemInfo{})

	h.PublishShutdown()
	if n := len(broker.topics()); n != 0 {
		t.Fatalf("published %d messages while disconnected", n)
	}
}

func TestStartForwardsEvents(t *testing.T) {
	broker := &fakeBroker{}
	bus := events.NewEventBus()
	defer bus.Stop()
	h := newHandler(config.MQTTConfig{TopicPrefix: "lab"}, bus, broker, "run", util.SystemInfo{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(broker.topics()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("startup message never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := bus.EmitSync(ctx, events.Event{
		Type:    events.EventClientConnected,
		Payload: events.ClientPayload{ClientID: 2, IP: "10.0.0.2"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := bus.EmitSync(ctx, events.Event{
		Type:    events.EventAcceptStateChanged,
		Payload: events.AcceptStatePayload{Accepting: false},
	}); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []string{
		"lab/host/presence",
		"lab/host/admin",
		"lab/clients/lifecycle",
		"lab/host/status",
		"lab/host/admin",
		"lab/host/presence",
	}
	got := broker.topics()
	if len(got) != len(want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topic %d = %s, want %s", i, got[i], want[i])
		}
	}

	var msg map[string]interface{}
	if string(broker.messages[0].data) != "online" || string(broker.messages[5].data) != "offline" {
		t.Errorf("presence = %s, %s", broker.messages[0].data, broker.messages[5].data)
	}
	if err := json.Unmarshal(broker.messages[2].data, &msg); err != nil {
		t.Fatal(err)
	}
	payload := msg["payload"].(map[string]interface{})
	if payload["event"] != string(events.EventClientConnected) {
		t.Errorf("lifecycle payload = %v", payload)
	}
}
