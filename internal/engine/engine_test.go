// File: internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/api/schemas"
	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/portal"
)

// -- Mock Implementations --

// mockWorker simulates the automation worker. runFunc is customized per test
// to produce different outcomes.
type mockWorker struct {
	runFunc func(ctx context.Context, task schemas.TaskRecord) (schemas.TaskResult, error)
}

func (m *mockWorker) Run(ctx context.Context, task schemas.TaskRecord) (schemas.TaskResult, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx, task)
	}
	return schemas.TaskResult{Message: "ok"}, nil
}

// recordingHook collects the terminal records handed to the notifier and
// archiver hooks, optionally failing every call.
type recordingHook struct {
	mu      sync.Mutex
	records []schemas.TaskRecord
	err     error
}

func (h *recordingHook) Notify(_ context.Context, rec schemas.TaskRecord) error {
	return h.record(rec)
}

func (h *recordingHook) ArchiveTask(_ context.Context, rec schemas.TaskRecord) error {
	return h.record(rec)
}

func (h *recordingHook) record(rec schemas.TaskRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return h.err
}

func (h *recordingHook) seen() []schemas.TaskRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schemas.TaskRecord(nil), h.records...)
}

// -- Helpers --

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxWorkers:   3,
		QueueSize:    16,
		BrowserSlots: 1,
		TaskTimeout:  5 * time.Second,
	}
}

func newTask(id string) schemas.TaskRecord {
	return schemas.TaskRecord{
		TaskID:     id,
		PolicyCode: "TEBP602893",
		Quote:      schemas.QuoteData{CombinedSales: "800000"},
		QueuedAt:   time.Now().UTC(),
	}
}

func newTestEngine(t *testing.T, cfg config.EngineConfig, w Worker, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, zap.NewNop(), NewRegistry(), w, opts...)
	require.NoError(t, err)
	return e
}

// -- Test Suite --

func TestNew_ValidatesDependencies(t *testing.T) {
	w := &mockWorker{}
	reg := NewRegistry()

	testCases := []struct {
		name     string
		logger   *zap.Logger
		registry *Registry
		worker   Worker
	}{
		{name: "nil logger", logger: nil, registry: reg, worker: w},
		{name: "nil registry", logger: zap.NewNop(), registry: nil, worker: w},
		{name: "nil worker", logger: zap.NewNop(), registry: reg, worker: nil},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(testEngineConfig(), tc.logger, tc.registry, tc.worker)
			require.Error(t, err)
		})
	}
}

// TestEngine_CompletesTask walks one task through the whole lifecycle and
// checks the terminal record and the released gate.
func TestEngine_CompletesTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	worker := &mockWorker{
		runFunc: func(_ context.Context, task schemas.TaskRecord) (schemas.TaskResult, error) {
			return schemas.TaskResult{
				PolicyCode: task.PolicyCode,
				QuoteURL:   "https://gig.guard.com/EZRate?MGACODE=" + task.PolicyCode,
				Message:    "Quote automation completed successfully for policy " + task.PolicyCode,
			}, nil
		},
	}
	e := newTestEngine(t, testEngineConfig(), worker)

	e.Start(context.Background())
	_, err := e.Enqueue(newTask("guard_TEBP602893_20250825_120000"))
	require.NoError(t, err)
	e.Stop()

	rec, ok := e.registry.Get("guard_TEBP602893_20250825_120000")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusCompleted, rec.Status)
	assert.Equal(t, "Quote automation completed successfully for policy TEBP602893", rec.Message)
	assert.Equal(t, "https://gig.guard.com/EZRate?MGACODE=TEBP602893", rec.QuoteURL)
	require.NotNil(t, rec.PickedAt)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)
	assert.Empty(t, rec.Error)

	stats := e.Stats()
	assert.Zero(t, stats.ActiveWorkers)
	assert.False(t, stats.BrowserInUse)
	assert.Zero(t, stats.QueueSize)
}

// TestEngine_ClassifiesOutcomes covers the failed/error split: portal
// failures and timeouts are expected automation outcomes, anything else is
// an infrastructure error.
func TestEngine_ClassifiesOutcomes(t *testing.T) {
	testCases := []struct {
		name       string
		runErr     error
		wantStatus schemas.TaskStatus
		wantDetail string
	}{
		{
			name:       "portal step failure",
			runErr:     &portal.StepError{Step: "fill total annual sales", Err: errors.New("node not found")},
			wantStatus: schemas.StatusFailed,
		},
		{
			name:       "rejected credentials",
			runErr:     fmt.Errorf("login: %w", portal.ErrAuthRejected),
			wantStatus: schemas.StatusFailed,
		},
		{
			name:       "task timeout",
			runErr:     fmt.Errorf("quote wizard: %w", context.DeadlineExceeded),
			wantStatus: schemas.StatusFailed,
			wantDetail: "execution timeout",
		},
		{
			name:       "unexpected failure",
			runErr:     errors.New("profile directory vanished"),
			wantStatus: schemas.StatusError,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			worker := &mockWorker{
				runFunc: func(context.Context, schemas.TaskRecord) (schemas.TaskResult, error) {
					return schemas.TaskResult{}, tc.runErr
				},
			}
			e := newTestEngine(t, testEngineConfig(), worker)

			e.Start(context.Background())
			_, err := e.Enqueue(newTask("task-outcome"))
			require.NoError(t, err)
			e.Stop()

			rec, ok := e.registry.Get("task-outcome")
			require.True(t, ok)
			assert.Equal(t, tc.wantStatus, rec.Status)
			assert.Equal(t, tc.runErr.Error(), rec.Error)
			require.NotNil(t, rec.FailedAt)
			assert.Nil(t, rec.CompletedAt)
			if tc.wantDetail != "" {
				assert.Contains(t, rec.Detail, tc.wantDetail)
			}
		})
	}
}

// TestEngine_RecoversWorkerPanic proves a panicking run lands as an error
// status, releases the gate, and leaves the pool able to serve the next task.
func TestEngine_RecoversWorkerPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	worker := &mockWorker{
		runFunc: func(_ context.Context, task schemas.TaskRecord) (schemas.TaskResult, error) {
			if task.TaskID == "task-panics" {
				panic("selector table corrupted")
			}
			return schemas.TaskResult{Message: "ok"}, nil
		},
	}
	cfg := testEngineConfig()
	cfg.MaxWorkers = 1
	e := newTestEngine(t, cfg, worker)

	e.Start(context.Background())
	_, err := e.Enqueue(newTask("task-panics"))
	require.NoError(t, err)
	_, err = e.Enqueue(newTask("task-after-panic"))
	require.NoError(t, err)
	e.Stop()

	panicked, ok := e.registry.Get("task-panics")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusError, panicked.Status)
	assert.Contains(t, panicked.Error, "worker panic: selector table corrupted")
	assert.Contains(t, panicked.Detail, "goroutine")

	// The same single worker must have been able to take the gate again.
	after, ok := e.registry.Get("task-after-panic")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusCompleted, after.Status)
	assert.False(t, e.Stats().BrowserInUse)
}

// TestEngine_SerializesBrowserWork submits more tasks than browser slots and
// verifies the gate never admits two runs at once, even with a larger pool.
func TestEngine_SerializesBrowserWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	worker := &mockWorker{
		runFunc: func(context.Context, schemas.TaskRecord) (schemas.TaskResult, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return schemas.TaskResult{Message: "ok"}, nil
		},
	}
	e := newTestEngine(t, testEngineConfig(), worker)

	e.Start(context.Background())
	for i := 0; i < 5; i++ {
		_, err := e.Enqueue(newTask(fmt.Sprintf("task-%d", i)))
		require.NoError(t, err)
	}
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "browser gate admitted overlapping runs")
	for i := 0; i < 5; i++ {
		rec, ok := e.registry.Get(fmt.Sprintf("task-%d", i))
		require.True(t, ok)
		assert.Equal(t, schemas.StatusCompleted, rec.Status)
	}
}

// TestEngine_QueueFullRejects checks the bounded-queue contract: a full
// buffer rejects the submission and registers nothing.
func TestEngine_QueueFullRejects(t *testing.T) {
	cfg := testEngineConfig()
	cfg.QueueSize = 1
	e := newTestEngine(t, cfg, &mockWorker{})

	// No Start, so the single buffer slot stays occupied.
	_, err := e.Enqueue(newTask("task-first"))
	require.NoError(t, err)

	_, err = e.Enqueue(newTask("task-overflow"))
	require.ErrorIs(t, err, ErrQueueFull)

	_, ok := e.registry.Get("task-overflow")
	assert.False(t, ok, "rejected submission must not be registered")
	assert.Equal(t, 1, e.registry.Len())
}

// TestEngine_OptimisticInitialStatus mirrors the webhook contract: a
// submission entering a saturated pool is reported queued with a position,
// an earlier one running.
func TestEngine_OptimisticInitialStatus(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	worker := &mockWorker{
		runFunc: func(ctx context.Context, _ schemas.TaskRecord) (schemas.TaskResult, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return schemas.TaskResult{Message: "ok"}, nil
		},
	}
	cfg := testEngineConfig()
	cfg.MaxWorkers = 1
	e := newTestEngine(t, cfg, worker)
	e.Start(context.Background())

	first, err := e.Enqueue(newTask("task-first"))
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusRunning, first.Status)
	assert.Zero(t, first.QueuePosition)

	// Wait until the first task actually occupies the slot.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first task")
	}
	require.Eventually(t, func() bool { return e.Stats().ActiveWorkers == 1 },
		time.Second, 10*time.Millisecond)

	second, err := e.Enqueue(newTask("task-second"))
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusQueued, second.Status)
	assert.Equal(t, 1, second.QueuePosition)

	close(release)
	e.Stop()

	rec, ok := e.registry.Get("task-second")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusCompleted, rec.Status)
	assert.Zero(t, rec.QueuePosition)
}

// TestEngine_ShutdownAbandonsGateWait cancels the engine context while one
// task holds the browser and another is blocked on the gate; the blocked
// task must end as an error instead of waiting forever.
func TestEngine_ShutdownAbandonsGateWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	worker := &mockWorker{
		runFunc: func(ctx context.Context, _ schemas.TaskRecord) (schemas.TaskResult, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return schemas.TaskResult{Message: "ok"}, nil
		},
	}
	cfg := testEngineConfig()
	cfg.MaxWorkers = 2
	e := newTestEngine(t, cfg, worker)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	_, err := e.Enqueue(newTask("task-holder"))
	require.NoError(t, err)
	_, err = e.Enqueue(newTask("task-blocked"))
	require.NoError(t, err)

	// First task is inside the worker; the second sits in Acquire.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("holder never started")
	}
	require.Eventually(t, func() bool {
		rec, ok := e.registry.Get("task-blocked")
		return ok && rec.Status == schemas.StatusWaitingForBrowser
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	close(release)
	e.Stop()

	blocked, ok := e.registry.Get("task-blocked")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusError, blocked.Status)
	assert.Contains(t, blocked.Error, "engine shut down before a browser slot became available")
}

// TestEngine_TerminalHooksFire verifies archive and callback hooks both see
// every terminal record, and that a failing hook never changes the task.
func TestEngine_TerminalHooksFire(t *testing.T) {
	defer goleak.VerifyNone(t)

	worker := &mockWorker{
		runFunc: func(_ context.Context, task schemas.TaskRecord) (schemas.TaskResult, error) {
			if task.TaskID == "task-bad-login" {
				return schemas.TaskResult{}, fmt.Errorf("login: %w", portal.ErrAuthRejected)
			}
			return schemas.TaskResult{PolicyCode: task.PolicyCode, Message: "done"}, nil
		},
	}
	notifier := &recordingHook{err: errors.New("callback endpoint returned 500")}
	archiver := &recordingHook{}
	e := newTestEngine(t, testEngineConfig(), worker,
		WithNotifier(notifier), WithArchiver(archiver))

	e.Start(context.Background())
	_, err := e.Enqueue(newTask("task-good"))
	require.NoError(t, err)
	_, err = e.Enqueue(newTask("task-bad-login"))
	require.NoError(t, err)
	e.Stop()

	for name, hook := range map[string]*recordingHook{"notifier": notifier, "archiver": archiver} {
		seen := hook.seen()
		require.Len(t, seen, 2, "%s should see every terminal record", name)
		byID := map[string]schemas.TaskRecord{}
		for _, rec := range seen {
			byID[rec.TaskID] = rec
		}
		assert.Equal(t, schemas.StatusCompleted, byID["task-good"].Status)
		assert.Equal(t, schemas.StatusFailed, byID["task-bad-login"].Status)
	}

	// The notifier failed every delivery; task outcomes must be untouched.
	rec, ok := e.registry.Get("task-good")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusCompleted, rec.Status)
}

// TestEngine_StartIsIdempotent guards against a double Start doubling the
// pool.
func TestEngine_StartIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	ran := 0
	worker := &mockWorker{
		runFunc: func(context.Context, schemas.TaskRecord) (schemas.TaskResult, error) {
			mu.Lock()
			ran++
			mu.Unlock()
			return schemas.TaskResult{}, nil
		},
	}
	e := newTestEngine(t, testEngineConfig(), worker)

	ctx := context.Background()
	e.Start(ctx)
	e.Start(ctx)

	_, err := e.Enqueue(newTask("task-once"))
	require.NoError(t, err)
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, ran)
}
