package app

import (
	"fmt"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/handlers"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/jobs"
	"github.com/ternarybob/aranea/internal/services/events"
	"github.com/ternarybob/aranea/internal/storage/badger"
	"github.com/ternarybob/aranea/internal/storage/crawlstore"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	Store       *crawlstore.Store
	RobotsCache *badger.RobotsStorage

	// Event-driven services
	EventService interfaces.EventService

	// Job execution
	Manager *jobs.Manager

	// HTTP handlers
	CrawlHandler *handlers.CrawlHandler
	APIHandler   *handlers.APIHandler
	WSHandler    *handlers.WebSocketHandler

	robotsDB *badger.BadgerDB
	wsWriter *handlers.WebSocketWriter
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize storage
	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Initialize event service and WebSocket handler early so crawl
	// progress and logs reach clients from the first job onward
	app.EventService = events.NewService(app.Logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, app.Logger)

	// Bridge arbor onto the WebSocket stream. Arbor delivers log batches
	// over a registered channel; the writer filters and broadcasts them.
	wsWriter, err := handlers.NewWebSocketWriter(app.WSHandler, arbormodels.WriterConfiguration{
		TimeFormat: "15:04:05",
	}, &cfg.WebSocket)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket log writer: %w", err)
	}
	app.wsWriter = wsWriter
	app.Logger.SetChannel("context", wsWriter.Channel())

	// Initialize job manager with system ceilings from config
	limits := jobs.Limits{
		MaxConcurrency:       cfg.Crawler.MaxConcurrency,
		DefaultRatePerDomain: cfg.Crawler.DefaultRatePerDomain,
		HardPageLimit:        cfg.Crawler.HardPageLimit,
		HardDurationSec:      cfg.Crawler.HardDurationSec,
		AssetCapture:         cfg.Crawler.AssetCapture,
		MaxBrowserTabs:       cfg.Crawler.MaxBrowserTabs,
		UserAgent:            cfg.Crawler.UserAgent,
	}
	app.Manager = jobs.NewManager(app.Store, app.RobotsCache, app.EventService, limits, app.Logger)
	app.Logger.Debug().
		Int("max_concurrency", limits.MaxConcurrency).
		Int("hard_page_limit", limits.HardPageLimit).
		Msg("Job manager initialized")

	// Initialize handlers
	app.CrawlHandler = handlers.NewCrawlHandler(app.Manager, app.Logger)
	app.APIHandler = handlers.NewAPIHandler(app.Manager)

	// Settle jobs an earlier process left running, then keep sweeping on a
	// schedule along with expired robots records
	if err := app.Manager.StartMaintenance(); err != nil {
		app.Logger.Warn().Err(err).Msg("Failed to start job maintenance")
	}

	app.Logger.Info().
		Str("store_path", cfg.Storage.Path).
		Str("robots_cache", cfg.Storage.Badger.Path).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the crawl store tree and the Badger database backing
// the shared robots cache.
func (a *App) initStorage() error {
	store, err := crawlstore.New(a.Config.Storage.Path, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open crawl store: %w", err)
	}
	a.Store = store
	a.Logger.Debug().Str("path", a.Config.Storage.Path).Msg("Crawl store initialized")

	robotsDB, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open robots cache: %w", err)
	}
	a.robotsDB = robotsDB
	a.RobotsCache = badger.NewRobotsStorage(robotsDB, a.Logger)
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Robots cache initialized")

	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop maintenance and live jobs, blocking until final manifests are
	// on disk
	if a.Manager != nil {
		a.Manager.Shutdown()
		a.Logger.Info().Msg("Job manager stopped")
	}

	// Close event service
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	// Close the WebSocket log writer after the components that log
	// through it
	if a.wsWriter != nil {
		if err := a.wsWriter.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close websocket log writer")
		}
	}

	// Close the robots cache database
	if a.robotsDB != nil {
		if err := a.robotsDB.Close(); err != nil {
			return fmt.Errorf("failed to close robots cache: %w", err)
		}
		a.Logger.Info().Msg("Robots cache closed")
	}

	return nil
}
