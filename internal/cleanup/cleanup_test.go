// File: internal/cleanup/cleanup_test.go
package cleanup_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/internal/cleanup"
	"github.com/xkilldash9x/guardbot/internal/config"
)

// -- Fakes --

type fakeEvictor struct {
	mu      sync.Mutex
	cutoffs []time.Time
	evicted int
}

func (f *fakeEvictor) EvictBefore(cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.evicted
}

func (f *fakeEvictor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func (f *fakeEvictor) lastCutoff() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cutoffs[len(f.cutoffs)-1]
}

// -- Helpers --

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()

	cfg := &config.Config{
		EngineCfg:  config.EngineConfig{RetainAge: 24 * time.Hour},
		BrowserCfg: config.BrowserConfig{DefaultProfile: "default"},
		CleanupCfg: config.CleanupConfig{
			Interval:        6 * time.Hour,
			PollInterval:    time.Minute,
			SessionsDays:    7,
			LogsDays:        7,
			ScreenshotsDays: 7,
			TraceRetention:  3,
		},
		PathsCfg: config.PathsConfig{
			Logs:        filepath.Join(base, "logs"),
			Traces:      filepath.Join(base, "traces"),
			Sessions:    filepath.Join(base, "sessions"),
			Screenshots: filepath.Join(base, "screenshots"),
		},
	}
	cfg.LoggerCfg.Dir = cfg.PathsCfg.Logs
	cfg.LoggerCfg.FileName = "guardbot.log"

	require.NoError(t, cfg.PathsCfg.EnsureDirectories())
	return cfg
}

func newScheduler(t *testing.T, cfg *config.Config, evictor cleanup.TaskEvictor) *cleanup.Scheduler {
	t.Helper()
	s, err := cleanup.NewScheduler(cfg, zap.NewNop(), evictor)
	require.NoError(t, err)
	return s
}

// agedFile writes a file and pushes its mtime into the past.
func agedFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

// agedDir creates a directory with content and pushes its mtime into the past.
func agedDir(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "cookies.db"), []byte("x"), 0o644))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// -- Test Suite --

func TestNewScheduler_Validation(t *testing.T) {
	_, err := cleanup.NewScheduler(nil, zap.NewNop(), nil)
	require.Error(t, err)

	_, err = cleanup.NewScheduler(testConfig(t), nil, nil)
	require.Error(t, err)
}

// TestSweep_SparesDefaultSessionProfile: the shared profile holds the portal
// cookies and must survive a sweep that removes an equally aged sibling.
func TestSweep_SparesDefaultSessionProfile(t *testing.T) {
	cfg := testConfig(t)
	sessions := cfg.PathsCfg.Sessions

	agedDir(t, filepath.Join(sessions, "browser_data_default"), 10*24*time.Hour)
	agedDir(t, filepath.Join(sessions, "browser_data_guard_TEBP602893_20250601_080000"), 10*24*time.Hour)
	agedDir(t, filepath.Join(sessions, "browser_data_guard_new_20250824_090000"), time.Hour)

	newScheduler(t, cfg, nil).Sweep()

	assert.True(t, exists(filepath.Join(sessions, "browser_data_default")),
		"shared profile must never be swept")
	assert.False(t, exists(filepath.Join(sessions, "browser_data_guard_TEBP602893_20250601_080000")))
	assert.True(t, exists(filepath.Join(sessions, "browser_data_guard_new_20250824_090000")),
		"fresh profiles stay")
}

func TestSweep_PerTaskProfilesAllEligible(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrowserCfg.DefaultProfile = ""
	sessions := cfg.PathsCfg.Sessions

	agedDir(t, filepath.Join(sessions, "browser_data_default"), 10*24*time.Hour)

	newScheduler(t, cfg, nil).Sweep()

	assert.False(t, exists(filepath.Join(sessions, "browser_data_default")),
		"with no shared profile configured nothing is spared")
}

// TestSweep_TrimsTracesToRetention: keep the newest N archives, ignore
// non-archive files entirely.
func TestSweep_TrimsTracesToRetention(t *testing.T) {
	cfg := testConfig(t)
	traces := cfg.PathsCfg.Traces

	names := []string{
		"guard_a_20250801_010000.zip",
		"guard_b_20250805_010000.zip",
		"guard_c_20250810_010000.zip",
		"guard_d_20250815_010000.zip",
		"guard_e_20250820_010000.zip",
	}
	for i, name := range names {
		agedFile(t, filepath.Join(traces, name), time.Duration(len(names)-i)*24*time.Hour)
	}
	agedFile(t, filepath.Join(traces, "notes.txt"), 90*24*time.Hour)

	newScheduler(t, cfg, nil).Sweep()

	assert.False(t, exists(filepath.Join(traces, names[0])))
	assert.False(t, exists(filepath.Join(traces, names[1])))
	for _, name := range names[2:] {
		assert.True(t, exists(filepath.Join(traces, name)), "newest archives survive: %s", name)
	}
	assert.True(t, exists(filepath.Join(traces, "notes.txt")), "non-archive files are not trimmed")
}

func TestSweep_TracesUnderRetentionUntouched(t *testing.T) {
	cfg := testConfig(t)
	traces := cfg.PathsCfg.Traces

	agedFile(t, filepath.Join(traces, "guard_a.zip"), 365*24*time.Hour)
	agedFile(t, filepath.Join(traces, "guard_b.zip"), 365*24*time.Hour)

	newScheduler(t, cfg, nil).Sweep()

	assert.True(t, exists(filepath.Join(traces, "guard_a.zip")))
	assert.True(t, exists(filepath.Join(traces, "guard_b.zip")))
}

// TestSweep_RemovesAgedLogsSparingActive: rotation backups age out, the file
// the process writes to does not.
func TestSweep_RemovesAgedLogsSparingActive(t *testing.T) {
	cfg := testConfig(t)
	logs := cfg.PathsCfg.Logs

	agedFile(t, filepath.Join(logs, "guardbot.log"), 30*24*time.Hour)
	agedFile(t, filepath.Join(logs, "guardbot-2025-07-01T00-00-00.000.log"), 30*24*time.Hour)
	agedFile(t, filepath.Join(logs, "guardbot-2025-08-24T00-00-00.000.log"), time.Hour)

	newScheduler(t, cfg, nil).Sweep()

	assert.True(t, exists(filepath.Join(logs, "guardbot.log")),
		"the active log file is spared regardless of age")
	assert.False(t, exists(filepath.Join(logs, "guardbot-2025-07-01T00-00-00.000.log")))
	assert.True(t, exists(filepath.Join(logs, "guardbot-2025-08-24T00-00-00.000.log")))
}

func TestSweep_RemovesAgedScreenshots(t *testing.T) {
	cfg := testConfig(t)
	shots := cfg.PathsCfg.Screenshots

	agedFile(t, filepath.Join(shots, "guard_old_01_login_page.png"), 30*24*time.Hour)
	agedFile(t, filepath.Join(shots, "guard_new_01_login_page.png"), time.Hour)
	agedDir(t, filepath.Join(shots, "guard_old_batch"), 30*24*time.Hour)

	newScheduler(t, cfg, nil).Sweep()

	assert.False(t, exists(filepath.Join(shots, "guard_old_01_login_page.png")))
	assert.True(t, exists(filepath.Join(shots, "guard_new_01_login_page.png")))
	assert.False(t, exists(filepath.Join(shots, "guard_old_batch")))
}

func TestSweep_EvictsAgedTaskRecords(t *testing.T) {
	cfg := testConfig(t)
	evictor := &fakeEvictor{evicted: 2}

	newScheduler(t, cfg, evictor).Sweep()

	require.Equal(t, 1, evictor.calls())
	wantCutoff := time.Now().Add(-cfg.EngineCfg.RetainAge)
	assert.WithinDuration(t, wantCutoff, evictor.lastCutoff(), time.Minute)
}

func TestSweep_MissingDirectoriesAreHarmless(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.RemoveAll(cfg.PathsCfg.Traces))
	require.NoError(t, os.RemoveAll(cfg.PathsCfg.Sessions))

	newScheduler(t, cfg, nil).Sweep()
}

// TestScheduler_SweepsOnInterval drives the loop with a tight poll and
// verifies the sweep actually fires, then that Stop is prompt and repeatable.
func TestScheduler_SweepsOnInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.CleanupCfg.Interval = 20 * time.Millisecond
	cfg.CleanupCfg.PollInterval = 5 * time.Millisecond
	evictor := &fakeEvictor{}

	s := newScheduler(t, cfg, evictor)
	s.Start()

	require.Eventually(t, func() bool { return evictor.calls() >= 1 },
		2*time.Second, 5*time.Millisecond, "the loop should sweep after one interval")

	s.Stop()
	s.Stop()
}

func TestScheduler_StopBeforeFirstSweep(t *testing.T) {
	cfg := testConfig(t)
	evictor := &fakeEvictor{}

	s := newScheduler(t, cfg, evictor)
	s.Start()
	s.Stop()

	assert.Zero(t, evictor.calls(), "a six hour interval never elapsed")
}
