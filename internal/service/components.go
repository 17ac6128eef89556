// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/browser"
	"github.com/xkilldash9x/guardbot/internal/cleanup"
	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/engine"
	"github.com/xkilldash9x/guardbot/internal/observability"
	"github.com/xkilldash9x/guardbot/internal/server"
	"github.com/xkilldash9x/guardbot/internal/store"
)

// Components holds every initialized service the daemon runs. The struct
// centralizes lifecycle management so startup failures and shutdown both walk
// the same inventory.
type Components struct {
	Config         config.Interface
	Registry       *engine.Registry
	Engine         *engine.Engine
	Server         *server.Server
	BrowserManager *browser.Manager
	Scheduler      *cleanup.Scheduler

	// Store and DBPool are nil unless task archiving is configured.
	Store  *store.Store
	DBPool *pgxpool.Pool
}

// Shutdown closes everything in reverse dependency order: intake first, then
// workers, then the machinery underneath them. Safe to call on a partially
// initialized struct.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning component shutdown sequence.")

	// 1. Stop accepting HTTP work and drain in-flight requests.
	if c.Server != nil {
		timeout := 10 * time.Second
		if c.Config != nil && c.Config.Server().ShutdownTimeout > 0 {
			timeout = c.Config.Server().ShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.Server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server did not drain cleanly.", zap.Error(err))
		}
		cancel()
		logger.Debug("Webhook server stopped.")
	}

	// 2. Stop the engine. This waits for in-flight automation plus any
	// terminal hooks already dispatched.
	if c.Engine != nil {
		c.Engine.Stop()
		logger.Debug("Task engine stopped.")
	}

	// 3. Stop the cleanup scheduler.
	if c.Scheduler != nil {
		c.Scheduler.Stop()
		logger.Debug("Cleanup scheduler stopped.")
	}

	// 4. Shut down the browser manager. A separate timeout context keeps
	// this bounded even when the main context is already canceled.
	if c.BrowserManager != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.BrowserManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
		cancel()
	}

	// 5. Close the archive store and its connection pool.
	if c.Store != nil {
		c.Store.Close()
		logger.Debug("Archive store closed.")
	} else if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Archive connection pool closed.")
	}

	logger.Info("All components shut down.")
	observability.Sync()
}
