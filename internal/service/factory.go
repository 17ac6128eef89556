// File: internal/service/factory.go

// Package service assembles the daemon: browser runtime, portal driver,
// engine, HTTP server, cleanup scheduler, and the optional archive store,
// wired in dependency order with teardown on partial failure.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/browser"
	"github.com/xkilldash9x/guardbot/internal/cleanup"
	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/engine"
	"github.com/xkilldash9x/guardbot/internal/mailbox"
	"github.com/xkilldash9x/guardbot/internal/notify"
	"github.com/xkilldash9x/guardbot/internal/portal"
	"github.com/xkilldash9x/guardbot/internal/server"
	"github.com/xkilldash9x/guardbot/internal/worker"
)

// ComponentFactory creates the full component set for the daemon. The
// abstraction exists so command-level tests can substitute a fake.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of the
// daemon's components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{Config: cfg}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.",
				zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Directory layout. Everything downstream writes under these paths.
	if err := cfg.Paths().EnsureDirectories(); err != nil {
		initializationErr = fmt.Errorf("failed to prepare data directories: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Data directories prepared.")

	// 2. Browser manager. No Chrome process starts until a task needs one.
	browserManager := browser.NewManager(ctx, cfg.Browser(), cfg.Paths(), logger)
	components.BrowserManager = browserManager
	logger.Debug("Browser manager initialized.")

	// 3. Portal driver with its 2FA code source.
	codeFetcher := mailbox.NewFetcher(cfg.Mailbox(), logger)
	driver := portal.NewDriver(cfg.Portal(), codeFetcher, logger)
	logger.Debug("Portal driver initialized.")

	// 4. Automation worker.
	taskWorker, err := worker.New(cfg, logger, worker.ManagerFactory{Manager: browserManager}, driver)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create automation worker: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Automation worker created.")

	// 5. Task registry.
	registry := engine.NewRegistry()
	components.Registry = registry

	// 6. Optional archive store. Skipped entirely unless configured.
	engineOpts := []engine.Option{
		engine.WithNotifier(notify.NewNotifier(cfg.Notify(), logger)),
	}
	if cfg.Archive().Enabled {
		archiveStore, pool, err := InitializeArchiveStore(ctx, cfg.Archive(), logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize task archive: %w", err)
			return nil, initializationErr
		}
		components.Store = archiveStore
		components.DBPool = pool
		engineOpts = append(engineOpts, engine.WithArchiver(archiveStore))
		logger.Debug("Task archive store initialized.")
	} else {
		logger.Debug("Task archiving disabled; history is in-memory only.")
	}

	// 7. Task engine.
	taskEngine, err := engine.New(cfg.Engine(), logger, registry, taskWorker, engineOpts...)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize task engine: %w", err)
		return nil, initializationErr
	}
	components.Engine = taskEngine
	logger.Debug("Task engine initialized.")

	// 8. Cleanup scheduler, fed by the same registry it evicts from.
	scheduler, err := cleanup.NewScheduler(cfg, logger, registry)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize cleanup scheduler: %w", err)
		return nil, initializationErr
	}
	components.Scheduler = scheduler
	logger.Debug("Cleanup scheduler initialized.")

	// 9. HTTP server.
	httpServer, err := server.New(cfg, logger, taskEngine, registry)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize webhook server: %w", err)
		return nil, initializationErr
	}
	components.Server = httpServer
	logger.Debug("Webhook server initialized.")

	logger.Info("All components initialized successfully.")
	return components, nil
}
