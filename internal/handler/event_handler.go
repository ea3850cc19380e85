// internal/handler/event_handler.go
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lab-device-service/internal/model"
	"lab-device-service/internal/repository"
	"lab-device-service/internal/utils"
)

// EventHandler serves the persisted event journal
type EventHandler struct {
	repo   repository.EventRepository
	logger *utils.ServiceLogger
}

// NewEventHandler creates a new event handler. repo is nil when the
// database is disabled.
func NewEventHandler(repo repository.EventRepository, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		repo:   repo,
		logger: utils.NewServiceLogger(logger, "event-handler"),
	}
}

// RegisterRoutes registers journal routes
func (h *EventHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.ListEvents)
}

// ListEvents returns journaled events, newest first. Query: limit, port.
func (h *EventHandler) ListEvents(c *gin.Context) {
	if h.repo == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Event journal is disabled", nil)
		return
	}

	limit := repository.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.ValidationErrorResponse(c, map[string]string{"limit": "must be a positive integer"})
			return
		}
		limit = repository.ClampLimit(n)
	}

	var (
		events []*model.DeviceEvent
		err    error
	)
	if port := c.Query("port"); port != "" {
		events, err = h.repo.ListByPort(c.Request.Context(), port, limit)
	} else {
		events, err = h.repo.ListRecent(c.Request.Context(), limit)
	}
	if err != nil {
		h.logger.Error("Failed to list events", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list events", err)
		return
	}
	if events == nil {
		events = []*model.DeviceEvent{}
	}

	utils.SuccessResponse(c, http.StatusOK, "Events retrieved", gin.H{
		"count":  len(events),
		"limit":  limit,
		"events": events,
	})
}
