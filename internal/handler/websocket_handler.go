// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lab-device-service/internal/config"
	"lab-device-service/internal/model"
	"lab-device-service/internal/utils"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = 64 * 1024
)

// WebSocketHandler streams device events to browser and tool clients and
// accepts device commands on per-port connections.
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	devices     DeviceManager
	eventBus    *EventBus
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	devices DeviceManager,
	eventBus *EventBus,
	security *config.SecurityConfig,
	logger *zap.Logger,
) *WebSocketHandler {
	var allowed []string
	if security != nil {
		allowed = security.AllowedOrigins
	}

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowed),
		},
		connections: NewConnectionManager(),
		devices:     devices,
		eventBus:    eventBus,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// originChecker allows requests without an Origin header (non-browser
// clients), and browser requests whose origin is listed. An empty list or
// "*" allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
	router.GET("/devices/:port", h.HandleDeviceConnection)
	router.GET("/stats", h.GetStats)
}

// Run forwards bus events to connected clients until ctx is done.
func (h *WebSocketHandler) Run(ctx context.Context) {
	events := h.eventBus.Subscribe(model.EventAllTypes, 1024)
	defer h.eventBus.Unsubscribe(events)
	defer h.connections.CloseAll()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			h.BroadcastEvent(event)
		case <-ctx.Done():
			return
		}
	}
}

// HandleEventConnection handles general event WebSocket connections
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := h.newClient(c, conn, ClientTypeEvents)
	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.handleClientWrite(client)
	go h.handleClientRead(client)
}

// HandleDeviceConnection handles port-scoped WebSocket connections. The
// client receives only events for that port and may send commands to it.
func (h *WebSocketHandler) HandleDeviceConnection(c *gin.Context) {
	portPath := c.Param("port")
	if portPath == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "port is required", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := h.newClient(c, conn, ClientTypeDevice)
	client.PortPath = &portPath
	h.connections.Register(client)
	h.logger.Info("Device WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("port", portPath),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendInitialDeviceStatus(client, portPath)

	go h.handleClientWrite(client)
	go h.handleClientRead(client)
}

func (h *WebSocketHandler) newClient(c *gin.Context, conn *websocket.Conn, clientType string) *Client {
	client := newClient(conn, clientType, uuid.New().String())
	client.UserAgent = c.Request.UserAgent()
	client.RemoteAddr = c.Request.RemoteAddr
	return client
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Debug("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadLimit(wsMaxFrameSize)
	client.Connection.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "", "invalid message: "+err.Error())
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe":
		h.handleSubscription(client, message, true)
	case "unsubscribe":
		h.handleSubscription(client, message, false)
	case "device_command":
		h.handleDeviceCommand(client, message)
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.sendError(client, message.RequestID, fmt.Sprintf("unknown message type: %s", message.Type))
	}
}

// handleSubscription narrows (or widens again) the event types a client
// receives. The topic is an event type such as "device.message", or "*".
func (h *WebSocketHandler) handleSubscription(client *Client, message *WebSocketMessage, subscribe bool) {
	data, _ := message.Data.(map[string]interface{})
	topic, _ := data["topic"].(string)
	if topic == "" {
		h.sendError(client, message.RequestID, "topic is required")
		return
	}

	eventType := model.EventType(topic)
	confirmation := "subscription_confirmed"
	if subscribe {
		client.subscribe(eventType)
	} else {
		client.unsubscribe(eventType)
		confirmation = "unsubscription_confirmed"
	}

	h.logger.Debug("Client subscription changed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic),
		zap.Bool("subscribed", subscribe),
	)
	h.sendMessage(client, &WebSocketMessage{
		Type:      confirmation,
		Data:      map[string]interface{}{"topic": topic},
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// handleDeviceCommand handles device command messages
func (h *WebSocketHandler) handleDeviceCommand(client *Client, message *WebSocketMessage) {
	if client.PortPath == nil {
		h.sendError(client, message.RequestID, "device_command only available on device connections")
		return
	}
	portPath := *client.PortPath

	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, message.RequestID, "invalid command data")
		return
	}
	command, _ := data["command"].(string)

	var (
		err    error
		result interface{}
	)
	switch command {
	case "send":
		text, ok := data["message"].(string)
		if !ok || text == "" {
			h.sendError(client, message.RequestID, "message is required")
			return
		}
		err = h.devices.Send(portPath, text)
		result = map[string]interface{}{"bytes": len(text)}

	case "status":
		var info model.DeviceInfo
		info, err = h.devices.GetDevice(portPath)
		result = info

	default:
		h.sendError(client, message.RequestID, fmt.Sprintf("unknown command: %q", command))
		return
	}

	response := map[string]interface{}{
		"command": command,
		"success": err == nil,
		"result":  result,
	}
	if err != nil {
		response["error"] = err.Error()
	}
	h.sendMessage(client, &WebSocketMessage{
		Type:      "command_response",
		Data:      response,
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// sendInitialDeviceStatus tells a new device client whether the port is
// attached. The connection stays open either way so the client sees the
// device arrive.
func (h *WebSocketHandler) sendInitialDeviceStatus(client *Client, portPath string) {
	data := map[string]interface{}{"port_path": portPath, "attached": false}
	if info, err := h.devices.GetDevice(portPath); err == nil {
		data["attached"] = true
		data["device"] = info
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      "initial_status",
		Data:      data,
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !client.enqueue(messageBytes) {
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, requestID, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// BroadcastEvent sends one device event to every client it is in scope for.
func (h *WebSocketHandler) BroadcastEvent(event *model.DeviceEvent) {
	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      "event",
		Data:      event,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	for _, client := range h.connections.Clients() {
		if !client.wants(event) {
			continue
		}
		if !client.enqueue(messageBytes) {
			h.logger.Warn("Client send channel full during broadcast",
				zap.String("client_id", client.ID),
				zap.String("event_type", string(event.EventType)),
			)
		}
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}

// GetStats reports the connected WebSocket clients
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics retrieved", h.GetConnectionStats())
}
