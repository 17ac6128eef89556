// File: internal/engine/engine.go

// Package engine runs the task lifecycle: a bounded intake queue feeding a
// fixed pool of workers, with every browser-driven span serialized behind a
// weighted gate. The gate is authoritative over browser concurrency; pool
// size only controls how many tasks sit in waiting_for_browser instead of
// queued.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/guardbot/api/schemas"
	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/portal"
)

// ErrQueueFull is returned by Enqueue when the intake buffer is at capacity.
// The server maps it to a 503 so callers can back off and retry.
var ErrQueueFull = errors.New("task queue is full")

// terminalHookTimeout bounds the archive write and callback delivery that
// follow a terminal status. The hooks run on a background context so a
// service shutdown does not drop the final results.
const terminalHookTimeout = 30 * time.Second

// -- Interfaces for Dependency Inversion --

// Worker executes one automation task end to end and reports the outcome.
// The engine never inspects how; it only classifies the returned error.
type Worker interface {
	Run(ctx context.Context, task schemas.TaskRecord) (schemas.TaskResult, error)
}

// Notifier delivers a terminal task record to an external receiver.
type Notifier interface {
	Notify(ctx context.Context, rec schemas.TaskRecord) error
}

// Archiver persists a terminal task record before eviction reclaims it.
type Archiver interface {
	ArchiveTask(ctx context.Context, rec schemas.TaskRecord) error
}

// Stats is a point-in-time snapshot of pool occupancy for the health and
// queue-introspection endpoints.
type Stats struct {
	QueueSize     int  `json:"queue_size"`
	ActiveWorkers int  `json:"active_workers"`
	MaxWorkers    int  `json:"max_workers"`
	BrowserInUse  bool `json:"browser_in_use"`
}

// Engine owns the queue, the worker pool, and the browser gate.
type Engine struct {
	cfg      config.EngineConfig
	logger   *zap.Logger
	registry *Registry
	worker   Worker

	queue chan string
	gate  *semaphore.Weighted

	notifier Notifier
	archiver Archiver

	// active counts workers that currently hold a browser slot, matching
	// what the health endpoint has always reported. browserHolders backs
	// the browser_in_use flag.
	active         atomic.Int64
	browserHolders atomic.Int64

	wg sync.WaitGroup

	// stateLock protects the running flag and serializes intake against
	// Stop closing the queue.
	stateLock sync.Mutex
	isRunning bool
	closed    bool
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithNotifier wires callback delivery on terminal status.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithArchiver wires archive writes on terminal status.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// New creates an Engine. Dependencies arrive as interfaces so tests can swap
// in fakes; the composition root provides the real worker.
func New(cfg config.EngineConfig, logger *zap.Logger, registry *Registry, worker Worker, opts ...Option) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if worker == nil {
		return nil, errors.New("worker cannot be nil")
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	slots := cfg.BrowserSlots
	if slots <= 0 {
		slots = 1
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "engine")),
		registry: registry,
		worker:   worker,
		queue:    make(chan string, queueSize),
		gate:     semaphore.NewWeighted(int64(slots)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches the worker pool. Workers drain the queue until the context
// is cancelled or Stop closes intake. Re-entrant calls are ignored.
func (e *Engine) Start(ctx context.Context) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		e.logger.Warn("Engine.Start called, but engine is already running")
		return
	}
	e.isRunning = true
	e.stateLock.Unlock()

	concurrency := e.maxWorkers()
	e.logger.Info("Starting task engine worker pool",
		zap.Int("concurrency", concurrency),
		zap.Int("queue_capacity", cap(e.queue)))

	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1)
	}
}

// Stop closes intake and waits for in-flight work, including terminal hooks
// already dispatched. Tasks still buffered in the queue are drained by the
// pool before the workers exit.
func (e *Engine) Stop() {
	e.stateLock.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.stateLock.Unlock()

	e.logger.Info("Stopping task engine, waiting for in-flight tasks")
	e.wg.Wait()

	e.stateLock.Lock()
	e.isRunning = false
	e.stateLock.Unlock()

	e.logger.Info("Task engine stopped")
}

// Enqueue registers the record and places it on the queue. The initial
// status is the optimistic pre-status the portal callers expect: running
// when a browser slot looks free, queued when the pool is saturated. When
// the buffer is full nothing is registered and ErrQueueFull comes back for
// the server to turn into backpressure.
func (e *Engine) Enqueue(rec schemas.TaskRecord) (schemas.TaskRecord, error) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if e.closed {
		return schemas.TaskRecord{}, errors.New("engine is stopped")
	}
	if len(e.queue) == cap(e.queue) {
		return schemas.TaskRecord{}, ErrQueueFull
	}

	if rec.QueuedAt.IsZero() {
		rec.QueuedAt = time.Now().UTC()
	}
	if int(e.active.Load()) >= e.maxWorkers() {
		rec.Status = schemas.StatusQueued
		rec.QueuePosition = len(e.queue) + 1
	} else {
		rec.Status = schemas.StatusRunning
		rec.QueuePosition = 0
	}

	e.registry.Put(rec)

	// Intake is serialized by stateLock and consumers only remove, so this
	// send cannot block after the capacity check above.
	e.queue <- rec.TaskID

	e.logger.Info("Task enqueued",
		zap.String("task_id", rec.TaskID),
		zap.String("status", string(rec.Status)),
		zap.Int("queue_position", rec.QueuePosition))
	return rec, nil
}

// Stats reports current pool occupancy.
func (e *Engine) Stats() Stats {
	return Stats{
		QueueSize:     len(e.queue),
		ActiveWorkers: int(e.active.Load()),
		MaxWorkers:    e.maxWorkers(),
		BrowserInUse:  e.browserHolders.Load() > 0,
	}
}

func (e *Engine) maxWorkers() int {
	if e.cfg.MaxWorkers > 0 {
		return e.cfg.MaxWorkers
	}
	return 3
}

func (e *Engine) taskTimeout() time.Duration {
	if e.cfg.TaskTimeout > 0 {
		return e.cfg.TaskTimeout
	}
	return 15 * time.Minute
}

// runWorker is the main loop for a single pool goroutine.
func (e *Engine) runWorker(ctx context.Context, workerID int) {
	defer e.wg.Done()
	log := e.logger.With(zap.Int("worker_id", workerID))
	log.Info("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down", zap.Error(ctx.Err()))
			return
		case taskID, ok := <-e.queue:
			if !ok {
				log.Info("Task queue closed and drained, worker shutting down")
				return
			}
			e.process(ctx, taskID, log)
		}
	}
}

// process walks one task through the gate and the worker, guaranteeing the
// slot is released exactly once on every path, panics included.
func (e *Engine) process(ctx context.Context, taskID string, log *zap.Logger) {
	log = log.With(zap.String("task_id", taskID))

	if _, ok := e.registry.Update(taskID, func(r *schemas.TaskRecord) {
		now := time.Now().UTC()
		r.Status = schemas.StatusWaitingForBrowser
		r.PickedAt = &now
	}); !ok {
		log.Warn("Dequeued task has no registry record, discarding")
		return
	}

	log.Info("Waiting for browser slot")
	if err := e.gate.Acquire(ctx, 1); err != nil {
		// Only engine shutdown cancels the wait. The task never touched a
		// browser, so it ends as an infrastructure error.
		log.Warn("Abandoned wait for browser slot", zap.Error(err))
		e.conclude(taskID, schemas.TaskResult{},
			fmt.Errorf("engine shut down before a browser slot became available: %w", err), log)
		return
	}
	e.browserHolders.Add(1)
	e.active.Add(1)
	log.Info("Browser slot acquired",
		zap.Int64("active", e.active.Load()),
		zap.Int("max_workers", e.maxWorkers()))

	defer func() {
		e.active.Add(-1)
		e.browserHolders.Add(-1)
		e.gate.Release(1)
		log.Info("Browser slot released")
	}()

	snapshot, _ := e.registry.Update(taskID, func(r *schemas.TaskRecord) {
		now := time.Now().UTC()
		r.Status = schemas.StatusRunning
		r.QueuePosition = 0
		r.StartedAt = &now
	})

	taskCtx, cancel := context.WithTimeout(ctx, e.taskTimeout())
	defer cancel()

	result, err := e.runGuarded(taskCtx, snapshot)
	e.conclude(taskID, result, err, log)
}

// runGuarded invokes the worker with a recover, so a panicking automation
// run folds into the task outcome instead of killing the pool goroutine.
func (e *Engine) runGuarded(ctx context.Context, task schemas.TaskRecord) (result schemas.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return e.worker.Run(ctx, task)
}

// panicError carries a recovered panic across the classification boundary.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("worker panic: %v", p.value)
}

// conclude records the terminal status. Automation and authentication
// failures and task timeouts land as failed; anything else, recovered
// panics included, is an infrastructure error.
func (e *Engine) conclude(taskID string, result schemas.TaskResult, runErr error, log *zap.Logger) {
	now := time.Now().UTC()
	var rec schemas.TaskRecord
	var ok bool

	switch {
	case runErr == nil:
		rec, ok = e.registry.Update(taskID, func(r *schemas.TaskRecord) {
			r.Status = schemas.StatusCompleted
			r.CompletedAt = &now
			r.Message = result.Message
			if result.PolicyCode != "" {
				r.PolicyCode = result.PolicyCode
			}
			if result.QuoteURL != "" {
				r.QuoteURL = result.QuoteURL
			}
		})
		log.Info("Task completed", zap.String("policy_code", rec.PolicyCode))

	case portal.IsAutomationFailure(runErr):
		detail := ""
		if errors.Is(runErr, context.DeadlineExceeded) {
			detail = fmt.Sprintf("task exceeded the %s execution timeout", e.taskTimeout())
		}
		rec, ok = e.registry.Update(taskID, func(r *schemas.TaskRecord) {
			r.Status = schemas.StatusFailed
			r.FailedAt = &now
			r.Error = runErr.Error()
			r.Detail = detail
		})
		log.Warn("Task failed", zap.Error(runErr), zap.String("detail", detail))

	default:
		var pe *panicError
		var detail string
		if errors.As(runErr, &pe) {
			detail = string(pe.stack)
		}
		rec, ok = e.registry.Update(taskID, func(r *schemas.TaskRecord) {
			r.Status = schemas.StatusError
			r.FailedAt = &now
			r.Error = runErr.Error()
			r.Detail = detail
		})
		log.Error("Task ended with unexpected error", zap.Error(runErr))
	}

	if !ok {
		log.Warn("Terminal status had no registry record to land on")
		return
	}
	e.dispatchTerminalHooks(rec)
}

// dispatchTerminalHooks hands the terminal record to the archive store and
// the callback notifier. Both are best effort: they run off the worker
// goroutine on a background context so a slow receiver cannot stall the
// pool, and their failures are logged, never folded back into the task.
func (e *Engine) dispatchTerminalHooks(rec schemas.TaskRecord) {
	if e.archiver == nil && e.notifier == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), terminalHookTimeout)
		defer cancel()

		if e.archiver != nil {
			if err := e.archiver.ArchiveTask(ctx, rec); err != nil {
				e.logger.Warn("Task archive write failed",
					zap.String("task_id", rec.TaskID), zap.Error(err))
			}
		}
		if e.notifier != nil {
			if err := e.notifier.Notify(ctx, rec); err != nil {
				e.logger.Warn("Callback notification failed",
					zap.String("task_id", rec.TaskID), zap.Error(err))
			}
		}
	}()
}
