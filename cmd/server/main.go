// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lab-device-service/internal/config"
	"lab-device-service/internal/database"
	"lab-device-service/internal/discovery"
	"lab-device-service/internal/discovery/usb"
	"lab-device-service/internal/handler"
	"lab-device-service/internal/model"
	"lab-device-service/internal/protocol"
	"lab-device-service/internal/publisher"
	"lab-device-service/internal/repository"
	"lab-device-service/internal/routes"
	"lab-device-service/internal/service"
	"lab-device-service/internal/utils"
)

// configFileEnv points at an explicit config file instead of the search paths.
const configFileEnv = "LAB_DEVICE_CONFIG_FILE"

const retentionInterval = time.Hour

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB

	registry      *discovery.Registry
	eventBus      *handler.EventBus
	deviceService *service.DeviceService
	scanner       *discovery.PortScanner
	inventory     *usb.Inventory
	websocket     *handler.WebSocketHandler

	eventRepo repository.EventRepository
	journal   *service.JournalService
	mqtt      *publisher.MQTTPublisher

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv(configFileEnv); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "lab-device-service")
	serviceLogger.LogServiceStart(cfg.App.Version,
		zap.String("environment", cfg.App.Environment),
		zap.Int("registry_entries", len(cfg.Registry)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initializeDiscovery(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize discovery: %w", err)
	}

	if err := app.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initializeServer()

	return app, nil
}

// initializeDatabase connects the optional event journal and runs migrations
func (app *Application) initializeDatabase() error {
	if !app.config.Database.Enabled {
		app.logger.Info("Event journal disabled")
		return nil
	}

	db, err := database.NewConnection(&app.config.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	if app.config.Database.AutoMigrate {
		migrator := database.NewMigrator(db, app.logger)
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	app.eventRepo = repository.NewEventRepository(db, app.logger)
	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeDiscovery builds the device registry and the USB inventory
func (app *Application) initializeDiscovery() error {
	registry, err := discovery.NewRegistryFromConfig(app.config.Registry)
	if err != nil {
		return err
	}
	app.registry = registry
	app.inventory = usb.NewInventory(registry, app.logger, app.config.IsDebugEnabled())

	app.logger.Info("Device registry loaded", zap.Int("entries", registry.Len()))
	return nil
}

// initializeServices wires the event bus, device workers, scanner and sinks
func (app *Application) initializeServices() error {
	app.eventBus = handler.NewEventBus(1000, app.logger)

	app.deviceService = service.NewDeviceService(
		app.registry,
		protocol.NewSerialOpener(app.logger),
		app.eventBus,
		app.config,
		app.logger,
	)

	if app.config.Scanner.Enabled {
		app.scanner = discovery.NewPortScanner(
			discovery.NewSystemEnumerator(app.logger),
			app.registry,
			app.deviceService,
			app.config.Scanner.Interval,
			app.logger,
		)
	}

	app.websocket = handler.NewWebSocketHandler(app.deviceService, app.eventBus, &app.config.Security, app.logger)

	if app.eventRepo != nil {
		app.journal = service.NewJournalService(
			app.eventRepo,
			app.config.Database.JournalMessages,
			app.config.Database.Retention,
			app.logger,
		)
	}

	if app.config.MQTT.Enabled {
		mqttPublisher, err := publisher.NewMQTTPublisher(&app.config.MQTT, app.logger)
		if err != nil {
			return fmt.Errorf("failed to connect MQTT publisher: %w", err)
		}
		app.mqtt = mqttPublisher
	}

	app.logger.Info("Services initialized successfully",
		zap.Bool("scanner", app.scanner != nil),
		zap.Bool("journal", app.journal != nil),
		zap.Bool("mqtt", app.mqtt != nil),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	deps := routes.Dependencies{
		Devices:   app.deviceService,
		Registry:  app.registry,
		EventBus:  app.eventBus,
		WebSocket: app.websocket,
		USB:       app.inventory,
	}
	// Interfaces stay nil for disabled components; a typed nil pointer
	// would look enabled to the handlers.
	if app.database != nil {
		deps.Database = app.database
		deps.Events = app.eventRepo
	}
	if app.scanner != nil {
		deps.Scanner = app.scanner
	}

	router := routes.NewRouter(app.config, app.logger, deps).SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
}

func (app *Application) goBackground(name string, fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
		app.logger.Debug("Background task stopped", zap.String("task", name))
	}()
}

// startBackgroundServices starts the bus, scanner and event sinks
func (app *Application) startBackgroundServices() {
	// Sinks subscribe before anything can publish.
	var journalEvents, mqttEvents <-chan *model.DeviceEvent
	if app.journal != nil {
		journalEvents = app.eventBus.Subscribe(model.EventAllTypes, 1024)
	}
	if app.mqtt != nil {
		mqttEvents = app.eventBus.Subscribe(model.EventAllTypes, 1024)
	}

	app.goBackground("event-bus", func() { app.eventBus.Start(app.ctx) })
	app.goBackground("websocket", func() { app.websocket.Run(app.ctx) })

	if app.journal != nil {
		app.goBackground("journal", func() { app.journal.Run(app.ctx, journalEvents) })
		app.goBackground("retention", func() { app.journal.RunRetention(app.ctx, retentionInterval) })
	}
	if app.mqtt != nil {
		app.goBackground("mqtt", func() { app.mqtt.Run(app.ctx, mqttEvents) })
	}

	if app.scanner != nil {
		scanCtx, scanCancel := context.WithCancel(app.ctx)
		app.scanCancel = scanCancel
		app.scanDone = make(chan struct{})
		go func() {
			defer close(app.scanDone)
			if err := app.scanner.Run(scanCtx); err != nil {
				app.logger.Error("Port scanner stopped", zap.Error(err))
			}
		}()
	}

	app.logger.Info("Background services started")
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown stops discovery first so no new workers start, then the workers,
// then the HTTP surface and the sinks.
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "lab-device-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	if app.scanCancel != nil {
		app.scanCancel()
		<-app.scanDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.deviceService.Shutdown(ctx); err != nil {
		app.logger.Error("Device service shutdown error", zap.Error(err))
	}

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	app.cancel()
	app.eventBus.Close()
	app.wg.Wait()

	if app.mqtt != nil {
		app.mqtt.Close()
	}

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start runs the application until a shutdown signal arrives
func (app *Application) Start() error {
	app.startBackgroundServices()

	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.waitForShutdown()

	return nil
}
