package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"lab-device-service/internal/config"
	"lab-device-service/internal/model"
)

type mockToken struct {
	err      error
	complete bool
}

func (t *mockToken) Wait() bool                       { return t.complete }
func (t *mockToken) WaitTimeout(_ time.Duration) bool { return t.complete }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.complete {
		close(ch)
	}
	return ch
}
func (t *mockToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// mockClient implements mqtt.Client and records publishes.
type mockClient struct {
	mu           sync.Mutex
	messages     []published
	err          error
	hang         bool
	disconnected bool
}

func (m *mockClient) IsConnected() bool      { return true }
func (m *mockClient) IsConnectionOpen() bool { return true }
func (m *mockClient) Connect() mqtt.Token    { return &mockToken{complete: true} }
func (m *mockClient) Disconnect(uint) {
	m.mu.Lock()
	m.disconnected = true
	m.mu.Unlock()
}
func (m *mockClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{complete: true}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{complete: true}
}
func (m *mockClient) Unsubscribe(...string) mqtt.Token     { return &mockToken{complete: true} }
func (m *mockClient) AddRoute(string, mqtt.MessageHandler) {}
func (m *mockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(mqtt.NewClientOptions())
}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := payload.([]byte)
	m.messages = append(m.messages, published{topic: topic, qos: qos, payload: b})
	return &mockToken{err: m.err, complete: !m.hang}
}

func (m *mockClient) sent() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.messages...)
}

func newTestPublisher(mc *mockClient, prefix string) *MQTTPublisher {
	return newMQTTPublisher(mc, &config.MQTTConfig{TopicPrefix: prefix, QoS: 1}, zap.NewNop())
}

func TestMQTTPublisher_PublishesJSONPerEventType(t *testing.T) {
	mc := &mockClient{}
	p := newTestPublisher(mc, "lab/devices/")

	event := model.NewDeviceEvent(model.EventDeviceMessage, "COM3", "test")
	event.DeviceType = "VOG"
	event.Data = model.JSONObject{"line": "stm>1,0,1523"}
	if err := p.Publish(event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := mc.sent()
	if len(msgs) != 1 {
		t.Fatalf("publishes = %d", len(msgs))
	}
	if msgs[0].topic != "lab/devices/device.message" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	if msgs[0].qos != 1 {
		t.Errorf("qos = %d", msgs[0].qos)
	}

	var decoded model.DeviceEvent
	if err := json.Unmarshal(msgs[0].payload, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.PortPath != "COM3" || decoded.Data["line"] != "stm>1,0,1523" {
		t.Errorf("decoded = %+v", decoded)
	}
	if s := p.Stats(); s.Published != 1 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestMQTTPublisher_Errors(t *testing.T) {
	p := newTestPublisher(&mockClient{err: errors.New("not connected")}, "lab")
	if err := p.Publish(model.NewDeviceEvent(model.EventDeviceError, "COM3", "test")); err == nil {
		t.Error("expected broker error")
	}

	p = newTestPublisher(&mockClient{hang: true}, "lab")
	if err := p.Publish(model.NewDeviceEvent(model.EventDeviceError, "COM3", "test")); !errors.Is(err, ErrPublishTimeout) {
		t.Errorf("err = %v, want ErrPublishTimeout", err)
	}
	if s := p.Stats(); s.Failed != 1 {
		t.Errorf("failed = %d", s.Failed)
	}
}

func TestMQTTPublisher_TopicWithoutPrefix(t *testing.T) {
	p := newTestPublisher(&mockClient{}, "")
	if got := p.Topic(model.EventDeviceAttached); got != "device.attached" {
		t.Errorf("topic = %q", got)
	}
}

func TestMQTTPublisher_RunDrainsUntilClosed(t *testing.T) {
	mc := &mockClient{}
	p := newTestPublisher(mc, "lab")

	events := make(chan *model.DeviceEvent, 3)
	events <- model.NewDeviceEvent(model.EventDeviceAttached, "COM3", "test")
	events <- model.NewDeviceEvent(model.EventDeviceDetached, "COM3", "test")
	close(events)

	p.Run(context.Background(), events)
	p.Close()

	if n := len(mc.sent()); n != 2 {
		t.Errorf("published %d, want 2", n)
	}
	if !mc.disconnected {
		t.Error("Close did not disconnect")
	}
}
