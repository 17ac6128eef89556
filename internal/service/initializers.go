// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/store"
)

// InitializeArchiveStore connects to PostgreSQL, verifies the connection, and
// makes sure the archive table exists. The pool is returned separately so
// shutdown can close it even when store construction failed partway.
func InitializeArchiveStore(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*store.Store, *pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse archive DSN: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create archive connection pool: %w", err)
	}

	archiveStore, err := store.New(connectCtx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize archive store: %w", err)
	}

	if err := archiveStore.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ensure archive schema: %w", err)
	}

	logger.Info("Task archive store connected.")
	return archiveStore, pool, nil
}
