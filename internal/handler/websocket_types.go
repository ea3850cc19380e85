// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lab-device-service/internal/model"
)

// Client types
const (
	ClientTypeEvents = "events"
	ClientTypeDevice = "device"
)

// Client represents a WebSocket client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Type        string          `json:"type"` // events, device
	PortPath    *string         `json:"port_path,omitempty"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	send chan []byte

	// mu guards subscriptions and closed
	mu            sync.Mutex
	subscriptions map[model.EventType]bool
	closed        bool
}

func newClient(conn *websocket.Conn, clientType string, id string) *Client {
	return &Client{
		ID:          id,
		Connection:  conn,
		Type:        clientType,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, 256),
	}
}

// enqueue hands a frame to the writer goroutine without blocking.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) subscribe(eventType model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[model.EventType]bool)
	}
	c.subscriptions[eventType] = true
}

func (c *Client) unsubscribe(eventType model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, eventType)
}

// wants reports whether the event is in scope for this client. A client
// without explicit subscriptions receives every event type.
func (c *Client) wants(event *model.DeviceEvent) bool {
	if c.PortPath != nil && *c.PortPath != event.PortPath {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 || c.subscriptions[model.EventAllTypes] {
		return true
	}
	return c.subscriptions[event.EventType]
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ConnectionManager manages WebSocket connections
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{clients: make(map[string]*Client)}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister removes a client and closes its send channel.
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	_, ok := cm.clients[client.ID]
	delete(cm.clients, client.ID)
	cm.mutex.Unlock()

	if ok {
		client.closeSend()
	}
}

// Clients returns a snapshot of every connected client.
func (cm *ConnectionManager) Clients() []*Client {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	clients := make([]*Client, 0, len(cm.clients))
	for _, client := range cm.clients {
		clients = append(clients, client)
	}
	return clients
}

// CloseAll unregisters every client.
func (cm *ConnectionManager) CloseAll() {
	for _, client := range cm.Clients() {
		cm.Unregister(client)
	}
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		ByType:           make(map[string]int),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}

	for _, client := range cm.clients {
		stats.ByType[client.Type]++
		stats.Clients = append(stats.Clients, client)
	}

	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ByType           map[string]int `json:"by_type"`
	Clients          []*Client      `json:"clients"`
}
