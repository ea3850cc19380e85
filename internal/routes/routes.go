// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lab-device-service/internal/config"
	"lab-device-service/internal/discovery"
	"lab-device-service/internal/handler"
	"lab-device-service/internal/middleware"
	"lab-device-service/internal/repository"
	"lab-device-service/internal/utils"
)

// Dependencies are the components the HTTP surface serves. Optional ones
// (Database, Scanner, USB, Events) are nil when disabled.
type Dependencies struct {
	Devices   handler.DeviceManager
	Registry  *discovery.Registry
	EventBus  *handler.EventBus
	WebSocket *handler.WebSocketHandler

	Database handler.DatabaseChecker
	Scanner  handler.PortTracker
	USB      handler.USBLister
	Events   repository.EventRepository
}

// Router holds all dependencies for routing
type Router struct {
	config *config.Config
	logger *zap.Logger
	deps   Dependencies
}

// NewRouter creates a new router instance
func NewRouter(config *config.Config, logger *zap.Logger, deps Dependencies) *Router {
	return &Router{
		config: config,
		logger: logger,
		deps:   deps,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	// Port paths such as /dev/ttyACM0 travel URL-escaped in one segment.
	router.UseRawPath = true
	router.UnescapePathValues = true

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.deps.Database, r.deps.Devices, r.deps.Scanner, r.deps.EventBus, r.config, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.deps.Devices, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.deps.Registry, r.deps.Scanner, r.deps.USB, r.logger)
	eventHandler := handler.NewEventHandler(r.deps.Events, r.logger)

	healthHandler.RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	deviceHandler.RegisterRoutes(apiV1)
	discoveryHandler.RegisterRoutes(apiV1)
	eventHandler.RegisterRoutes(apiV1)

	if r.deps.WebSocket != nil {
		r.deps.WebSocket.RegisterRoutes(router.Group("/ws"))
	}

	r.logger.Info("All routes configured successfully",
		zap.Int("routes", len(router.Routes())),
	)
}
