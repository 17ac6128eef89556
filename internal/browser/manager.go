// File: internal/browser/manager.go

// Package browser owns the Chrome lifecycle. A Manager launches one browser
// process per automation session over a persistent profile directory, so the
// login cookies survive into the follow-up quote session for the same task.
package browser

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/config"
)

// launchProbeTimeout bounds the about:blank round trip that proves the
// browser process came up and is answering CDP.
const launchProbeTimeout = 30 * time.Second

// Manager builds browser sessions and tracks them for graceful shutdown.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	paths  config.PathsConfig

	// baseCtx parents every allocator so a service-level cancel tears down
	// any browser still alive.
	baseCtx context.Context

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// SessionParams identifies one browser session.
type SessionParams struct {
	// TaskID tags log lines and artifact names.
	TaskID string
	// TraceID is the base name of the trace archive written on close.
	TraceID string
	// ProfileDir is the user-data-dir for this session. Sessions that share
	// a directory share cookies and local storage.
	ProfileDir string
}

// NewManager prepares a session factory. No browser process is started until
// NewSession is called.
func NewManager(ctx context.Context, cfg config.BrowserConfig, paths config.PathsConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger.Named("browser"),
		cfg:     cfg,
		paths:   paths,
		baseCtx: ctx,
	}
}

// NewSession launches a browser over the given profile directory, verifies it
// responds, and returns a Session ready for portal work.
func (m *Manager) NewSession(ctx context.Context, p SessionParams) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("browser manager is shut down")
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if err := os.MkdirAll(p.ProfileDir, 0o755); err != nil {
		m.wg.Done()
		return nil, fmt.Errorf("creating profile directory %s: %w", p.ProfileDir, err)
	}

	log := m.logger.With(zap.String("task_id", p.TaskID), zap.String("trace_id", p.TraceID))

	allocCtx, allocCancel := chromedp.NewExecAllocator(m.baseCtx, m.allocatorOptions(p.ProfileDir)...)
	sessCtx, sessCancel := chromedp.NewContext(allocCtx)

	cleanup := func() {
		sessCancel()
		allocCancel()
		m.wg.Done()
	}

	// Prove the process started and answers CDP before handing it out.
	probeCtx, probeCancel := context.WithTimeout(sessCtx, launchProbeTimeout)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		cleanup()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	if err := chromedp.Run(sessCtx, chromedp.EmulateViewport(
		int64(m.cfg.ViewportWidth), int64(m.cfg.ViewportHeight))); err != nil {
		cleanup()
		return nil, fmt.Errorf("applying viewport %dx%d: %w", m.cfg.ViewportWidth, m.cfg.ViewportHeight, err)
	}

	s := &Session{
		taskID:       p.TaskID,
		traceID:      p.TraceID,
		logger:       log,
		navTimeout:   m.cfg.Timeout,
		postLoadWait: m.cfg.PostLoadWait,
		screenshots:  m.paths.Screenshots,
		tracePath:    m.paths.Traces,
		ctx:          sessCtx,
		cancel:       sessCancel,
		allocCancel:  allocCancel,
		onClose:      m.wg.Done,
	}

	if m.cfg.EnableTracing {
		rec, err := startTraceRecorder(sessCtx, log, p.TraceID, p.TaskID)
		if err != nil {
			log.Warn("Trace recording unavailable for this session", zap.Error(err))
		} else {
			s.recorder = rec
		}
	}

	log.Info("Browser session started",
		zap.String("profile_dir", p.ProfileDir),
		zap.Bool("tracing", s.recorder != nil))
	return s, nil
}

// allocatorOptions assembles the Chrome flags. The enable-automation default
// is stripped and AutomationControlled is disabled so the portal's bot checks
// see an ordinary browser.
func (m *Manager) allocatorOptions(profileDir string) []chromedp.ExecAllocatorOption {
	headless := m.cfg.HeadlessEnabled()

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	// Overriding the flag to false removes it from the command line: the
	// allocator keeps flags in a map and drops boolean flags set to false.
	opts = append(opts, chromedp.Flag("enable-automation", false))

	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", headless),
		chromedp.WindowSize(m.cfg.ViewportWidth, m.cfg.ViewportHeight),
		chromedp.UserAgent(m.cfg.UserAgent),
		chromedp.UserDataDir(profileDir),
	)

	// Container environments need these or the renderer dies on /dev/shm.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}

// Shutdown waits for live sessions to close, up to the caller's deadline.
// Sessions still open after the deadline are abandoned to their own cancels.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Browser manager shutdown initiated, waiting for active sessions")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All browser sessions closed")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded with browser sessions still open", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
