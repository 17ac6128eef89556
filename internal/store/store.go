// File: internal/store/store.go

// Package store persists terminal task snapshots to PostgreSQL. The archive
// is optional: with no database configured the service runs without one and
// task history lives only in the in-memory registry.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/api/schemas"
	"github.com/xkilldash9x/guardbot/internal/engine"
)

// DBPool abstracts the pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes one archive row per finished task, keyed by task id. Retries
// of the same task overwrite the previous snapshot.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ engine.Archiver = (*Store)(nil)

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS guard_task_archive (
    task_id       TEXT PRIMARY KEY,
    submission_id TEXT NOT NULL DEFAULT '',
    policy_code   TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    message       TEXT NOT NULL DEFAULT '',
    detail        TEXT NOT NULL DEFAULT '',
    quote_url     TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    queued_at     TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    failed_at     TIMESTAMPTZ,
    payload       JSONB NOT NULL DEFAULT '{}'::jsonb,
    archived_at   TIMESTAMPTZ NOT NULL
);`

// EnsureSchema creates the archive table when it does not exist yet. The
// service calls this once at startup so a fresh database needs no manual
// migration step.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("creating guard_task_archive table: %w", err)
	}
	return nil
}

const sqlUpsertTask = `
INSERT INTO guard_task_archive (
    task_id, submission_id, policy_code, status, message, detail,
    quote_url, error, queued_at, started_at, completed_at, failed_at,
    payload, archived_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (task_id) DO UPDATE SET
    submission_id = EXCLUDED.submission_id,
    policy_code   = EXCLUDED.policy_code,
    status        = EXCLUDED.status,
    message       = EXCLUDED.message,
    detail        = EXCLUDED.detail,
    quote_url     = EXCLUDED.quote_url,
    error         = EXCLUDED.error,
    started_at    = EXCLUDED.started_at,
    completed_at  = EXCLUDED.completed_at,
    failed_at     = EXCLUDED.failed_at,
    payload       = EXCLUDED.payload,
    archived_at   = EXCLUDED.archived_at;`

// ArchiveTask upserts the terminal snapshot of one task. The full record is
// kept as JSONB alongside the indexed columns, so fields added later survive
// without a schema change.
func (s *Store) ArchiveTask(ctx context.Context, rec schemas.TaskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding task %s for archive: %w", rec.TaskID, err)
	}

	// Timestamps go in as UTC so rows compare cleanly regardless of the
	// server timezone.
	_, err = s.pool.Exec(ctx, sqlUpsertTask,
		rec.TaskID,
		rec.SubmissionID,
		rec.PolicyCode,
		string(rec.Status),
		rec.Message,
		rec.Detail,
		rec.QuoteURL,
		rec.Error,
		rec.QueuedAt.UTC(),
		utcOrNil(rec.StartedAt),
		utcOrNil(rec.CompletedAt),
		utcOrNil(rec.FailedAt),
		payload,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("archiving task %s: %w", rec.TaskID, err)
	}

	s.log.Debug("Task archived",
		zap.String("task_id", rec.TaskID),
		zap.String("status", string(rec.Status)))
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
