// internal/handler/device_handler.go
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lab-device-service/internal/model"
	"lab-device-service/internal/service"
	"lab-device-service/internal/utils"
)

// DeviceManager is the part of the device service the API drives.
type DeviceManager interface {
	ListDevices() []model.DeviceInfo
	GetDevice(portPath string) (model.DeviceInfo, error)
	Send(portPath, text string) error
}

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	devices DeviceManager
	logger  *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(devices DeviceManager, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices: devices,
		logger:  utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes. Port paths containing
// slashes must be URL-escaped, e.g. /devices/%2Fdev%2FttyACM0.
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)
		devices.GET("/:port", h.GetDevice)
		devices.POST("/:port/messages", h.SendMessage)
	}
}

// SendMessageRequest is the body of POST /devices/:port/messages
type SendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// ListDevices lists attached devices
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices := h.devices.ListDevices()
	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"count":   len(devices),
		"devices": devices,
	})
}

// GetDevice returns one attached device
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	portPath := c.Param("port")

	device, err := h.devices.GetDevice(portPath)
	if err != nil {
		h.respondDeviceError(c, portPath, "Failed to get device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", device)
}

// SendMessage writes a message to the device on the given port. The text
// is written as-is; callers add any terminator the device expects.
func (h *DeviceHandler) SendMessage(c *gin.Context) {
	portPath := c.Param("port")

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.devices.Send(portPath, req.Message); err != nil {
		h.respondDeviceError(c, portPath, "Failed to send message", err)
		return
	}

	h.logger.Info("Message sent to device",
		zap.String("port", portPath),
		zap.Int("bytes", len(req.Message)),
		zap.String("request_id", utils.GetRequestID(c)),
	)
	utils.SuccessResponse(c, http.StatusAccepted, "Message sent", gin.H{
		"port_path": portPath,
		"bytes":     len(req.Message),
	})
}

func (h *DeviceHandler) respondDeviceError(c *gin.Context, portPath, message string, err error) {
	switch {
	case errors.Is(err, service.ErrDeviceNotAttached):
		utils.ErrorResponse(c, http.StatusNotFound, "Device not attached", err)
	case errors.Is(err, service.ErrServiceClosed):
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Device service is shutting down", err)
	default:
		logger := utils.LoggerWithRequestID(h.logger.Logger, utils.GetRequestID(c))
		utils.LogError(logger, message, err, zap.String("port", portPath))
		utils.ErrorResponse(c, http.StatusInternalServerError, message, err)
	}
}
