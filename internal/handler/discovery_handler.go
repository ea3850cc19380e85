// internal/handler/discovery_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lab-device-service/internal/discovery"
	"lab-device-service/internal/model"
	"lab-device-service/internal/utils"
)

const usbListTimeout = 10 * time.Second

// PortTracker exposes the port scanner's view of the system.
type PortTracker interface {
	TrackedPorts() []discovery.TrackedPort
	Stats() discovery.ScanStats
}

// USBLister lists devices on the USB buses.
type USBLister interface {
	ListUSB(ctx context.Context) ([]model.USBDevice, error)
}

// DiscoveryHandler serves the registry and what the scanner currently sees
type DiscoveryHandler struct {
	registry *discovery.Registry
	scanner  PortTracker
	usb      USBLister
	logger   *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler. scanner and usb may
// be nil when those components are disabled.
func NewDiscoveryHandler(registry *discovery.Registry, scanner PortTracker, usb USBLister, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		registry: registry,
		scanner:  scanner,
		usb:      usb,
		logger:   utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/registry", h.GetRegistry)
	router.GET("/ports", h.ListPorts)
	router.GET("/discovery/usb", h.ListUSBDevices)
}

// GetRegistry returns the known device fingerprints
func (h *DiscoveryHandler) GetRegistry(c *gin.Context) {
	entries := h.registry.Entries()
	utils.SuccessResponse(c, http.StatusOK, "Registry retrieved", gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}

// ListPorts returns every tracked serial port, recognized or not
func (h *DiscoveryHandler) ListPorts(c *gin.Context) {
	if h.scanner == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Port scanner is disabled", nil)
		return
	}

	ports := h.scanner.TrackedPorts()
	utils.SuccessResponse(c, http.StatusOK, "Ports retrieved", gin.H{
		"count":   len(ports),
		"ports":   ports,
		"scanner": h.scanner.Stats(),
	})
}

// ListUSBDevices lists devices on the USB buses, marking registry matches
func (h *DiscoveryHandler) ListUSBDevices(c *gin.Context) {
	if h.usb == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "USB inventory is not available", nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), usbListTimeout)
	defer cancel()

	devices, err := h.usb.ListUSB(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.logger.Error("Failed to list USB devices", zap.Error(err))
		utils.ErrorResponse(c, status, "Failed to list USB devices", err)
		return
	}

	recognized := 0
	for _, d := range devices {
		if d.Recognized {
			recognized++
		}
	}
	utils.SuccessResponse(c, http.StatusOK, "USB devices retrieved", gin.H{
		"count":      len(devices),
		"recognized": recognized,
		"devices":    devices,
	})
}
