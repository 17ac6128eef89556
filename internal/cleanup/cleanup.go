// File: internal/cleanup/cleanup.go

// Package cleanup sweeps aged artifacts on a fixed interval: browser profile
// directories, trace archives, rotated log files, screenshots, and terminal
// task records held in memory. Every removal is independently guarded, so one
// bad file never stops the rest of the sweep.
package cleanup

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/config"
)

// TaskEvictor drops terminal task records older than a cutoff and reports
// how many were removed. The engine registry satisfies this.
type TaskEvictor interface {
	EvictBefore(cutoff time.Time) int
}

// Scheduler runs Sweep on a fixed interval until stopped. The loop wakes on
// a short poll between sweeps, so Stop never waits out a full interval.
type Scheduler struct {
	cfg     config.Interface
	logger  *zap.Logger
	evictor TaskEvictor

	wg         sync.WaitGroup
	stopSignal chan struct{}
}

// NewScheduler prepares a scheduler. A nil evictor skips record eviction and
// sweeps disk artifacts only.
func NewScheduler(cfg config.Interface, logger *zap.Logger, evictor TaskEvictor) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Scheduler{
		cfg:        cfg,
		logger:     logger.Named("cleanup"),
		evictor:    evictor,
		stopSignal: make(chan struct{}),
	}, nil
}

// Start launches the sweep loop. It returns immediately.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Cleanup scheduler started",
		zap.Duration("interval", s.interval()),
		zap.Duration("poll_interval", s.pollInterval()))
}

// Stop signals the loop and waits for any in-flight sweep to finish. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopSignal:
	default:
		close(s.stopSignal)
	}
	s.wg.Wait()
	s.logger.Info("Cleanup scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	// The first sweep happens a full interval after startup; a deploy that
	// crash-loops must not grind the disk on every restart.
	next := time.Now().Add(s.interval())
	for {
		select {
		case <-s.stopSignal:
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			s.Sweep()
			next = now.Add(s.interval())
		}
	}
}

// Sweep runs one full pass over every artifact class.
func (s *Scheduler) Sweep() {
	s.logger.Info("Running cleanup sweep")
	now := time.Now()

	s.sweepSessions(now)
	s.sweepTraces()
	s.sweepLogs(now)
	s.sweepScreenshots(now)
	s.evictRecords(now)
}

// sweepSessions removes aged browser profile directories. The shared default
// profile is always spared because it carries the portal cookies that let
// quote sessions skip the 2FA challenge.
func (s *Scheduler) sweepSessions(now time.Time) {
	root := s.cfg.Paths().Sessions
	maxAge := s.cfg.Cleanup().SessionMaxAge()
	if root == "" || maxAge <= 0 {
		return
	}

	spare := ""
	if profile := s.cfg.Browser().DefaultProfile; profile != "" {
		spare = filepath.Base(s.cfg.Paths().SessionDir(profile))
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		s.logger.Warn("Could not read sessions directory", zap.String("dir", root), zap.Error(err))
		return
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == spare {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			s.logger.Warn("Could not remove session profile",
				zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Removed aged session profiles", zap.Int("count", removed))
	}
}

// sweepTraces keeps the most recent archives by modification time and drops
// the rest. Retention is count-based rather than age-based: traces are the
// primary debugging artifact and the recent ones matter regardless of age.
func (s *Scheduler) sweepTraces() {
	root := s.cfg.Paths().Traces
	keep := s.cfg.Cleanup().TraceRetention
	if root == "" || keep <= 0 {
		return
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		s.logger.Warn("Could not read traces directory", zap.String("dir", root), zap.Error(err))
		return
	}

	type archive struct {
		name string
		mod  time.Time
	}
	var archives []archive
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zip" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archive{name: entry.Name(), mod: info.ModTime()})
	}
	if len(archives) <= keep {
		return
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].mod.After(archives[j].mod) })

	removed := 0
	for _, a := range archives[keep:] {
		if err := os.Remove(filepath.Join(root, a.name)); err != nil {
			s.logger.Warn("Could not remove trace archive", zap.String("name", a.name), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Trimmed trace archives", zap.Int("removed", removed), zap.Int("retained", keep))
	}
}

// sweepLogs removes rotated log files older than the configured age, sparing
// the file the process is writing to.
func (s *Scheduler) sweepLogs(now time.Time) {
	root := s.cfg.Paths().Logs
	maxAge := s.cfg.Cleanup().LogMaxAge()
	if root == "" || maxAge <= 0 {
		return
	}

	active := ""
	if fp := s.cfg.Logger().FilePath(); fp != "" {
		active = filepath.Base(fp)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		s.logger.Warn("Could not read logs directory", zap.String("dir", root), zap.Error(err))
		return
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == active {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(root, entry.Name())); err != nil {
			s.logger.Warn("Could not remove log file", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Removed aged log files", zap.Int("count", removed))
	}
}

// sweepScreenshots removes aged screenshot artifacts, files and directories
// alike.
func (s *Scheduler) sweepScreenshots(now time.Time) {
	root := s.cfg.Paths().Screenshots
	maxAge := s.cfg.Cleanup().ScreenshotMaxAge()
	if root == "" || maxAge <= 0 {
		return
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		s.logger.Warn("Could not read screenshots directory", zap.String("dir", root), zap.Error(err))
		return
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			s.logger.Warn("Could not remove screenshot",
				zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Removed aged screenshots", zap.Int("count", removed))
	}
}

// evictRecords drops finished task records that have aged out of the
// in-memory history.
func (s *Scheduler) evictRecords(now time.Time) {
	if s.evictor == nil {
		return
	}
	retain := s.cfg.Engine().RetainAge
	if retain <= 0 {
		retain = 24 * time.Hour
	}
	if n := s.evictor.EvictBefore(now.Add(-retain)); n > 0 {
		s.logger.Info("Evicted finished task records", zap.Int("count", n))
	}
}

func (s *Scheduler) interval() time.Duration {
	if v := s.cfg.Cleanup().Interval; v > 0 {
		return v
	}
	return 6 * time.Hour
}

func (s *Scheduler) pollInterval() time.Duration {
	if v := s.cfg.Cleanup().PollInterval; v > 0 {
		return v
	}
	return time.Minute
}
