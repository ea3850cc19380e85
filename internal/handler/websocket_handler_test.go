package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lab-device-service/internal/config"
	"lab-device-service/internal/model"
)

type wsFixture struct {
	handler *WebSocketHandler
	bus     *EventBus
	devices *fakeDevices
	server  *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	bus := NewEventBus(0, zap.NewNop())
	devices := newFakeDevices("COM3")
	h := NewWebSocketHandler(devices, bus, &config.SecurityConfig{}, zap.NewNop())

	r := newEngine()
	h.RegisterRoutes(r.Group("/ws"))
	srv := httptest.NewServer(r)

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Start(ctx)
	go h.Run(ctx)

	t.Cleanup(func() {
		cancel()
		srv.Close()
		bus.Close()
	})
	return &wsFixture{handler: h, bus: bus, devices: devices, server: srv}
}

func (f *wsFixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// roundTrip sends a ping and waits for the pong, so the client is
// registered before the test broadcasts.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(WebSocketMessage{Type: "ping", RequestID: "sync"}); err != nil {
		t.Fatal(err)
	}
	for {
		if msg := readMessage(t, conn); msg["type"] == "pong" {
			return
		}
	}
}

func eventOf(msg map[string]interface{}) map[string]interface{} {
	data, _ := msg["data"].(map[string]interface{})
	return data
}

func TestWebSocket_EventsClientReceivesBusEvents(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/ws/events")
	roundTrip(t, conn)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// Run subscribes asynchronously; keep publishing until read.
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.bus.Publish(model.NewDeviceEvent(model.EventDeviceAttached, "COM3", "test"))
			}
		}
	}()

	msg := readMessage(t, conn)
	if msg["type"] != "event" {
		t.Fatalf("type = %v", msg["type"])
	}
	if ev := eventOf(msg); ev["event_type"] != "device.attached" || ev["port_path"] != "COM3" {
		t.Errorf("event = %v", ev)
	}
}

func TestWebSocket_SubscriptionFiltersEventTypes(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/ws/events")

	if err := conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]interface{}{"topic": "device.error"},
	}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg["type"] != "subscription_confirmed" {
		t.Fatalf("type = %v", msg["type"])
	}

	f.handler.BroadcastEvent(model.NewDeviceEvent(model.EventDeviceMessage, "COM3", "test"))
	f.handler.BroadcastEvent(model.NewDeviceEvent(model.EventDeviceError, "COM3", "test"))

	if ev := eventOf(readMessage(t, conn)); ev["event_type"] != "device.error" {
		t.Errorf("first delivered event = %v, want device.error", ev["event_type"])
	}
}

func TestWebSocket_DeviceClientScopeAndCommands(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/ws/devices/COM3")

	initial := readMessage(t, conn)
	if initial["type"] != "initial_status" || eventOf(initial)["attached"] != true {
		t.Fatalf("initial = %v", initial)
	}

	if err := conn.WriteJSON(map[string]interface{}{
		"type":       "device_command",
		"request_id": "r1",
		"data":       map[string]interface{}{"command": "send", "message": "do_start\n"},
	}); err != nil {
		t.Fatal(err)
	}
	resp := readMessage(t, conn)
	if resp["type"] != "command_response" || resp["request_id"] != "r1" || eventOf(resp)["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	if got := f.devices.sentTo("COM3"); len(got) != 1 || got[0] != "do_start\n" {
		t.Errorf("sent = %q", got)
	}

	f.handler.BroadcastEvent(model.NewDeviceEvent(model.EventDeviceMessage, "COM4", "test"))
	f.handler.BroadcastEvent(model.NewDeviceEvent(model.EventDeviceMessage, "COM3", "test"))
	if ev := eventOf(readMessage(t, conn)); ev["port_path"] != "COM3" {
		t.Errorf("device client received event for %v", ev["port_path"])
	}
}

func TestWebSocket_CommandErrors(t *testing.T) {
	f := newWSFixture(t)

	events := f.dial(t, "/ws/events")
	if err := events.WriteJSON(map[string]interface{}{
		"type": "device_command",
		"data": map[string]interface{}{"command": "send", "message": "x"},
	}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, events); msg["type"] != "error" {
		t.Errorf("command on events connection: type = %v", msg["type"])
	}

	missing := f.dial(t, "/ws/devices/COM9")
	if initial := readMessage(t, missing); eventOf(initial)["attached"] != false {
		t.Errorf("initial = %v", initial)
	}
	if err := missing.WriteJSON(map[string]interface{}{
		"type": "device_command",
		"data": map[string]interface{}{"command": "send", "message": "x"},
	}); err != nil {
		t.Fatal(err)
	}
	resp := readMessage(t, missing)
	if eventOf(resp)["success"] != false || eventOf(resp)["error"] == nil {
		t.Errorf("response = %v", resp)
	}
}

func TestWebSocket_OriginCheck(t *testing.T) {
	check := originChecker([]string{"http://bench.local"})

	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	if !check(req) {
		t.Error("request without Origin rejected")
	}
	req.Header.Set("Origin", "http://bench.local")
	if !check(req) {
		t.Error("listed origin rejected")
	}
	req.Header.Set("Origin", "http://evil.example")
	if check(req) {
		t.Error("unlisted origin accepted")
	}
}

func TestWebSocket_Stats(t *testing.T) {
	f := newWSFixture(t)
	roundTrip(t, f.dial(t, "/ws/events"))
	f.dial(t, "/ws/devices/COM3")

	stats := f.handler.GetConnectionStats()
	if stats.ByType[ClientTypeEvents] != 1 {
		t.Errorf("events clients = %d", stats.ByType[ClientTypeEvents])
	}

	resp, err := http.Get(f.server.URL + "/ws/stats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
