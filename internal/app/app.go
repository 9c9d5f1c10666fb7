package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/browser"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/handlers"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/queue"
	"github.com/ternarybob/drover/internal/services/events"
	"github.com/ternarybob/drover/internal/services/scheduler"
	"github.com/ternarybob/drover/internal/storage"
)

// shutdownTimeout bounds each stage of Close
const shutdownTimeout = 30 * time.Second

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event bus
	EventService interfaces.EventService

	// Browser execution
	Engine interfaces.BrowserEngine
	Pool   *browser.Pool

	// Job execution
	Scheduler   *queue.Scheduler
	CronService *scheduler.Service

	// HTTP handlers
	JobHandler     *handlers.JobHandler
	SessionHandler *handlers.SessionHandler
	StatusHandler  *handlers.StatusHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with a chromedp-backed browser engine
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	engine := browser.NewChromeDPEngine(browser.NewEngineConfig(cfg.Browser), logger)
	return NewWithEngine(cfg, logger, engine)
}

// NewWithEngine initializes the application around the given browser engine
func NewWithEngine(cfg *common.Config, logger arbor.ILogger, engine interfaces.BrowserEngine) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		Engine: engine,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)
	if err := events.SubscribeLoggerToAllEvents(app.EventService, app.Logger); err != nil {
		app.Logger.Warn().Err(err).Msg("Failed to subscribe event logger")
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Int("pool_size", cfg.Pool.Size).
		Str("session_backend", cfg.Storage.Sessions.Backend).
		Bool("retention_enabled", cfg.Retention.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger plus the session backend)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("sessions", a.Config.Storage.Sessions.Backend).
		Msg("Storage layer initialized")
	return nil
}

// initServices starts the pool, the scheduler (which recovers unfinished jobs)
// and the cron service, in that order
func (a *App) initServices() error {
	ctx := context.Background()

	a.Pool = browser.NewPool(a.Engine, browser.NewPoolConfig(a.Config.Pool), a.EventService, a.Logger)
	if err := a.Pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser pool: %w", err)
	}

	a.Scheduler = queue.NewScheduler(
		a.StorageManager.JobStorage(),
		a.StorageManager.SessionStorage(),
		a.Pool,
		a.Engine,
		a.EventService,
		queue.NewConfig(a.Config.Scheduler),
		a.Logger,
	)
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job scheduler: %w", err)
	}

	a.CronService = scheduler.NewService(a.Scheduler, a.StorageManager.SessionStorage(), a.Logger)

	templates, err := scheduler.LoadTemplates(a.Config.Templates.Dir, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Str("dir", a.Config.Templates.Dir).Msg("Failed to load job templates")
	}
	for _, tmpl := range templates {
		if err := a.CronService.RegisterTemplate(tmpl); err != nil {
			a.Logger.Warn().Err(err).Str("template", tmpl.Name).Msg("Failed to register job template")
		}
	}

	if a.Config.Retention.Enabled {
		maxIdle := common.ParseDuration(a.Config.Retention.MaxIdle, 0)
		if err := a.CronService.RegisterRetention(a.Config.Retention.Schedule, maxIdle); err != nil {
			return fmt.Errorf("failed to register session retention: %w", err)
		}
	}

	if err := a.CronService.Start(); err != nil {
		return fmt.Errorf("failed to start cron service: %w", err)
	}
	return nil
}

func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.Scheduler, a.StorageManager.JobStorage(), a.Logger)
	a.SessionHandler = handlers.NewSessionHandler(a.StorageManager.SessionStorage(), a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Pool, a.Scheduler, a.StorageManager.JobStorage(), a.CronService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
}

// Close stops components in reverse start order. Running jobs are left
// running in the store and resume on the next start.
func (a *App) Close() error {
	if a.CronService != nil {
		if err := a.CronService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop cron service")
		}
	}

	if a.Scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop job scheduler")
		}
		cancel()
	}

	if a.Pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.Pool.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to shut down browser pool")
		}
		cancel()
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
