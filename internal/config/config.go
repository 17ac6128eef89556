// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Server() ServerConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Portal() PortalConfig
	Mailbox() MailboxConfig
	Notify() NotifyConfig
	Cleanup() CleanupConfig
	Archive() ArchiveConfig
	Paths() PathsConfig
	Logger() LoggerConfig

	// CLI flag overrides.
	SetServerPort(int)
	SetEngineMaxWorkers(int)
	SetBrowserHeadless(bool)
	SetNotifyCallbackURL(string)
}

// Config holds the entire application configuration. Fields are exported so
// viper can unmarshal into them; access from the rest of the codebase goes
// through the Interface getters.
type Config struct {
	ServerCfg  ServerConfig  `mapstructure:"server" yaml:"server"`
	EngineCfg  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	PortalCfg  PortalConfig  `mapstructure:"portal" yaml:"portal"`
	MailboxCfg MailboxConfig `mapstructure:"mailbox" yaml:"mailbox"`
	NotifyCfg  NotifyConfig  `mapstructure:"notify" yaml:"notify"`
	CleanupCfg CleanupConfig `mapstructure:"cleanup" yaml:"cleanup"`
	ArchiveCfg ArchiveConfig `mapstructure:"archive" yaml:"archive"`
	PathsCfg   PathsConfig   `mapstructure:"paths" yaml:"paths"`
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Server() ServerConfig   { return c.ServerCfg }
func (c *Config) Engine() EngineConfig   { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Portal() PortalConfig   { return c.PortalCfg }
func (c *Config) Mailbox() MailboxConfig { return c.MailboxCfg }
func (c *Config) Notify() NotifyConfig   { return c.NotifyCfg }
func (c *Config) Cleanup() CleanupConfig { return c.CleanupCfg }
func (c *Config) Archive() ArchiveConfig { return c.ArchiveCfg }
func (c *Config) Paths() PathsConfig     { return c.PathsCfg }
func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetServerPort(p int)       { c.ServerCfg.Port = p }
func (c *Config) SetEngineMaxWorkers(w int) { c.EngineCfg.MaxWorkers = w }
func (c *Config) SetBrowserHeadless(h bool) {
	c.BrowserCfg.Headless = strconv.FormatBool(h)
}
func (c *Config) SetNotifyCallbackURL(u string) { c.NotifyCfg.CallbackURL = u }

// -- Section Structs --

// ServerConfig controls the webhook HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	WebhookPath     string        `mapstructure:"webhook_path" yaml:"webhook_path"`
	AuthSecret      string        `mapstructure:"auth_secret" yaml:"auth_secret"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns the host:port pair the listener binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthEnabled reports whether webhook submissions require a bearer token.
func (s ServerConfig) AuthEnabled() bool { return s.AuthSecret != "" }

func (s ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", s.Port)
	}
	if !strings.HasPrefix(s.WebhookPath, "/") {
		return fmt.Errorf("server.webhook_path must start with '/', got %q", s.WebhookPath)
	}
	return nil
}

// EngineConfig controls the task queue and worker pool. BrowserSlots is the
// size of the browser gate; the portal only tolerates one live session per
// host, so anything above 1 is for experimentation only.
type EngineConfig struct {
	MaxWorkers   int           `mapstructure:"max_workers" yaml:"max_workers"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	BrowserSlots int           `mapstructure:"browser_slots" yaml:"browser_slots"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	RetainAge    time.Duration `mapstructure:"retain_age" yaml:"retain_age"`
}

func (e EngineConfig) Validate() error {
	if e.MaxWorkers <= 0 {
		return fmt.Errorf("engine.max_workers must be a positive integer, got %d", e.MaxWorkers)
	}
	if e.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be a positive integer, got %d", e.QueueSize)
	}
	if e.BrowserSlots <= 0 {
		return fmt.Errorf("engine.browser_slots must be a positive integer, got %d", e.BrowserSlots)
	}
	if e.TaskTimeout <= 0 {
		return fmt.Errorf("engine.task_timeout must be a positive duration, got %s", e.TaskTimeout)
	}
	return nil
}

// BrowserConfig controls Chrome launch behavior. Headless is a tri-state:
// "true", "false", or "auto" (headless when no display is available or when
// running inside Railway/Docker).
type BrowserConfig struct {
	Headless       string        `mapstructure:"headless" yaml:"headless"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	EnableTracing  bool          `mapstructure:"enable_tracing" yaml:"enable_tracing"`
	PostLoadWait   time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	DefaultProfile string        `mapstructure:"default_profile" yaml:"default_profile"`
}

// HeadlessEnabled resolves the tri-state headless mode against the runtime
// environment.
func (b BrowserConfig) HeadlessEnabled() bool {
	switch strings.ToLower(b.Headless) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	// "auto": a missing DISPLAY or a container environment means no X server
	// to attach to.
	if os.Getenv("DISPLAY") == "" {
		return true
	}
	if os.Getenv("RAILWAY_ENVIRONMENT") != "" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

func (b BrowserConfig) Validate() error {
	if b.Timeout <= 0 {
		return fmt.Errorf("browser.timeout must be a positive duration, got %s", b.Timeout)
	}
	switch strings.ToLower(b.Headless) {
	case "true", "false", "auto", "1", "0", "yes", "no":
	default:
		return fmt.Errorf("browser.headless must be one of true/false/auto, got %q", b.Headless)
	}
	return nil
}

// PortalConfig holds carrier portal endpoints and credentials.
type PortalConfig struct {
	LoginURL       string `mapstructure:"login_url" yaml:"login_url"`
	ProspectURL    string `mapstructure:"prospect_url" yaml:"prospect_url"`
	QuoteURLFormat string `mapstructure:"quote_url_format" yaml:"quote_url_format"`
	Username       string `mapstructure:"username" yaml:"username"`
	Password       string `mapstructure:"password" yaml:"password"`
}

// QuoteURL builds the wizard entry point for a policy code.
func (p PortalConfig) QuoteURL(policyCode string) string {
	return fmt.Sprintf(p.QuoteURLFormat, policyCode)
}

func (p PortalConfig) Validate() error {
	if p.LoginURL == "" {
		return fmt.Errorf("portal.login_url is required")
	}
	if !strings.Contains(p.QuoteURLFormat, "%s") {
		return fmt.Errorf("portal.quote_url_format must contain a %%s placeholder for the policy code")
	}
	return nil
}

// MailboxConfig holds IMAP settings for the 2FA code fetcher.
type MailboxConfig struct {
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"password"`
	SenderKeyword string        `mapstructure:"sender_keyword" yaml:"sender_keyword"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Freshness     time.Duration `mapstructure:"freshness" yaml:"freshness"`
	SearchWindow  time.Duration `mapstructure:"search_window" yaml:"search_window"`
	ScanLimit     int           `mapstructure:"scan_limit" yaml:"scan_limit"`
}

func (m MailboxConfig) Validate() error {
	if m.MaxRetries <= 0 {
		return fmt.Errorf("mailbox.max_retries must be a positive integer, got %d", m.MaxRetries)
	}
	if m.RetryDelay < 0 {
		return fmt.Errorf("mailbox.retry_delay must not be negative, got %s", m.RetryDelay)
	}
	if m.ScanLimit <= 0 {
		return fmt.Errorf("mailbox.scan_limit must be a positive integer, got %d", m.ScanLimit)
	}
	return nil
}

// NotifyConfig controls the outbound result callback.
type NotifyConfig struct {
	CallbackURL   string        `mapstructure:"callback_url" yaml:"callback_url"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
}

// Enabled reports whether a callback target is configured at all.
func (n NotifyConfig) Enabled() bool { return n.CallbackURL != "" }

func (n NotifyConfig) Validate() error {
	if n.CallbackURL == "" {
		return nil
	}
	if n.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be a positive duration, got %s", n.Timeout)
	}
	if n.RatePerSecond <= 0 {
		return fmt.Errorf("notify.rate_per_second must be positive, got %v", n.RatePerSecond)
	}
	if n.Burst <= 0 {
		return fmt.Errorf("notify.burst must be a positive integer, got %d", n.Burst)
	}
	return nil
}

// CleanupConfig controls the disk janitor. Ages are in whole days to match
// the deployment environment's tuning knobs; traces are bounded by count,
// not age, so a burst of failed runs cannot fill the disk.
type CleanupConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SessionsDays    int           `mapstructure:"sessions_days" yaml:"sessions_days"`
	LogsDays        int           `mapstructure:"logs_days" yaml:"logs_days"`
	ScreenshotsDays int           `mapstructure:"screenshots_days" yaml:"screenshots_days"`
	TraceRetention  int           `mapstructure:"trace_retention" yaml:"trace_retention"`
}

func (c CleanupConfig) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionsDays) * 24 * time.Hour
}

func (c CleanupConfig) LogMaxAge() time.Duration {
	return time.Duration(c.LogsDays) * 24 * time.Hour
}

func (c CleanupConfig) ScreenshotMaxAge() time.Duration {
	return time.Duration(c.ScreenshotsDays) * 24 * time.Hour
}

func (c CleanupConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("cleanup.interval must be a positive duration, got %s", c.Interval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("cleanup.poll_interval must be a positive duration, got %s", c.PollInterval)
	}
	if c.SessionsDays < 0 || c.LogsDays < 0 || c.ScreenshotsDays < 0 {
		return fmt.Errorf("cleanup age thresholds must not be negative")
	}
	if c.TraceRetention < 0 {
		return fmt.Errorf("cleanup.trace_retention must not be negative, got %d", c.TraceRetention)
	}
	return nil
}

// ArchiveConfig controls the optional Postgres archive of terminal task
// records.
type ArchiveConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	DSN            string        `mapstructure:"dsn" yaml:"dsn"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
}

func (a ArchiveConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.DSN == "" {
		return fmt.Errorf("archive.dsn is required when archive.enabled is true")
	}
	if a.ConnectTimeout <= 0 {
		return fmt.Errorf("archive.connect_timeout must be a positive duration, got %s", a.ConnectTimeout)
	}
	return nil
}

// PathsConfig names the on-disk layout. Relative entries are resolved
// against Base during Normalize.
type PathsConfig struct {
	Base        string `mapstructure:"base" yaml:"base"`
	Logs        string `mapstructure:"logs" yaml:"logs"`
	Traces      string `mapstructure:"traces" yaml:"traces"`
	Sessions    string `mapstructure:"sessions" yaml:"sessions"`
	Screenshots string `mapstructure:"screenshots" yaml:"screenshots"`
}

// SessionDir returns the browser profile directory for one task identifier.
func (p PathsConfig) SessionDir(id string) string {
	return filepath.Join(p.Sessions, "browser_data_"+id)
}

// EnsureDirectories creates the full directory layout.
func (p PathsConfig) EnsureDirectories() error {
	for _, dir := range []string{p.Logs, p.Traces, p.Sessions, p.Screenshots} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// ColorConfig names the terminal color for each log level.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LoggerConfig controls the global zap logger. Dir is resolved from
// paths.logs during Normalize when left empty.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	Dir         string      `mapstructure:"dir" yaml:"dir"`
	FileName    string      `mapstructure:"file_name" yaml:"file_name"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// FilePath returns the active log file, or "" when file logging is disabled.
func (l LoggerConfig) FilePath() string {
	if l.Dir == "" || l.FileName == "" {
		return ""
	}
	return filepath.Join(l.Dir, l.FileName)
}

// -- Defaults --

// SetDefaults registers every configuration default on the given viper
// instance. Keys here are the single source of truth for the config surface.
func SetDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.webhook_path", "/webhook")
	v.SetDefault("server.auth_secret", "")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	// Engine
	v.SetDefault("engine.max_workers", 3)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.browser_slots", 1)
	v.SetDefault("engine.task_timeout", 15*time.Minute)
	v.SetDefault("engine.retain_age", 24*time.Hour)

	// Browser
	v.SetDefault("browser.headless", "auto")
	v.SetDefault("browser.timeout", 60*time.Second)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.enable_tracing", true)
	v.SetDefault("browser.post_load_wait", 2*time.Second)
	v.SetDefault("browser.default_profile", "default")

	// Portal
	v.SetDefault("portal.login_url", "https://gigezrate.guard.com/auth")
	v.SetDefault("portal.prospect_url",
		"https://gigezrate.guard.com/dotnet/mvc/uw/ezrate/asc_prerate/home/Index")
	v.SetDefault("portal.quote_url_format",
		"https://gigezrate.guard.com/dotnet/mvc/uw/EZRate/EZR_AddNewProspectShell/Home/Index?MGACODE=%s")
	v.SetDefault("portal.username", "")
	v.SetDefault("portal.password", "")

	// Mailbox
	v.SetDefault("mailbox.host", "imap.gmail.com")
	v.SetDefault("mailbox.port", 993)
	v.SetDefault("mailbox.username", "")
	v.SetDefault("mailbox.password", "")
	v.SetDefault("mailbox.sender_keyword", "guard")
	v.SetDefault("mailbox.max_retries", 5)
	v.SetDefault("mailbox.retry_delay", 10*time.Second)
	v.SetDefault("mailbox.freshness", 90*time.Second)
	v.SetDefault("mailbox.search_window", 24*time.Hour)
	v.SetDefault("mailbox.scan_limit", 5)

	// Notify
	v.SetDefault("notify.callback_url", "")
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.rate_per_second", 1.0)
	v.SetDefault("notify.burst", 3)

	// Cleanup
	v.SetDefault("cleanup.interval", 6*time.Hour)
	v.SetDefault("cleanup.poll_interval", time.Minute)
	v.SetDefault("cleanup.sessions_days", 7)
	v.SetDefault("cleanup.logs_days", 7)
	v.SetDefault("cleanup.screenshots_days", 7)
	v.SetDefault("cleanup.trace_retention", 20)

	// Archive
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dsn", "")
	v.SetDefault("archive.connect_timeout", 10*time.Second)
	v.SetDefault("archive.query_timeout", 30*time.Second)

	// Paths
	v.SetDefault("paths.base", ".")
	v.SetDefault("paths.logs", "logs")
	v.SetDefault("paths.traces", "traces")
	v.SetDefault("paths.sessions", "sessions")
	v.SetDefault("paths.screenshots", filepath.Join("logs", "screenshots"))

	// Logger
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "guardbot")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.dir", "")
	v.SetDefault("logger.file_name", "guardbot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")
}

// NewDefaultConfig returns a Config populated purely from defaults. Used by
// tests and as a base for programmatic setup.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail; the panic guards against a
	// future default that breaks decoding.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults failed to unmarshal: %v", err))
	}
	return &cfg
}

// legacyEnvBindings maps config keys to their environment variable aliases,
// newest first. The bare names are the original deployment's contract
// (Railway injects PORT, operators set GUARD_USERNAME, and so on), kept so
// existing environments work unchanged.
var legacyEnvBindings = map[string][]string{
	"portal.username":          {"GUARDBOT_PORTAL_USERNAME", "GUARD_USERNAME"},
	"portal.password":          {"GUARDBOT_PORTAL_PASSWORD", "GUARD_PASSWORD"},
	"portal.login_url":         {"GUARDBOT_PORTAL_LOGIN_URL", "GUARD_LOGIN_URL"},
	"mailbox.username":         {"GUARDBOT_MAILBOX_USERNAME", "GUARD_2FA_EMAIL"},
	"mailbox.password":         {"GUARDBOT_MAILBOX_PASSWORD", "GUARD_2FA_PASSWORD"},
	"server.host":              {"GUARDBOT_SERVER_HOST", "WEBHOOK_HOST"},
	"server.port":              {"GUARDBOT_SERVER_PORT", "PORT", "WEBHOOK_PORT"},
	"server.webhook_path":      {"GUARDBOT_SERVER_WEBHOOK_PATH", "WEBHOOK_PATH"},
	"server.auth_secret":       {"GUARDBOT_SERVER_AUTH_SECRET", "WEBHOOK_AUTH_SECRET"},
	"engine.max_workers":       {"GUARDBOT_ENGINE_MAX_WORKERS", "MAX_WORKERS"},
	"browser.headless":         {"GUARDBOT_BROWSER_HEADLESS", "BROWSER_HEADLESS"},
	"browser.timeout":          {"GUARDBOT_BROWSER_TIMEOUT", "BROWSER_TIMEOUT"},
	"browser.enable_tracing":   {"GUARDBOT_BROWSER_ENABLE_TRACING", "ENABLE_TRACING"},
	"notify.callback_url":      {"GUARDBOT_NOTIFY_CALLBACK_URL", "CALLBACK_URL"},
	"archive.dsn":              {"GUARDBOT_ARCHIVE_DSN", "DATABASE_URL"},
	"cleanup.logs_days":        {"GUARDBOT_CLEANUP_LOGS_DAYS", "CLEANUP_LOGS_DAYS"},
	"cleanup.sessions_days":    {"GUARDBOT_CLEANUP_SESSIONS_DAYS", "CLEANUP_SESSIONS_DAYS"},
	"cleanup.screenshots_days": {"GUARDBOT_CLEANUP_SCREENSHOTS_DAYS", "CLEANUP_SCREENSHOTS_DAYS"},
}

// NewConfigFromViper builds, normalizes, and validates the application
// configuration from a viper instance that has already read its file and
// defaults.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	for key, envs := range legacyEnvBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("binding environment for %s: %w", key, err)
		}
	}

	// BROWSER_TIMEOUT historically carried bare milliseconds (e.g. "60000").
	// Rewrite those to a parseable duration before unmarshal.
	if raw := v.GetString("browser.timeout"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			v.Set("browser.timeout", (time.Duration(ms) * time.Millisecond).String())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Normalize resolves relative paths against the base directory and fills
// derived fields. It must run before EnsureDirectories or Validate.
func (c *Config) Normalize() error {
	base, err := homedir.Expand(c.PathsCfg.Base)
	if err != nil {
		return fmt.Errorf("expanding paths.base: %w", err)
	}
	if base == "" {
		base = "."
	}
	base, err = filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("resolving paths.base: %w", err)
	}
	c.PathsCfg.Base = base

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.PathsCfg.Logs = resolve(c.PathsCfg.Logs)
	c.PathsCfg.Traces = resolve(c.PathsCfg.Traces)
	c.PathsCfg.Sessions = resolve(c.PathsCfg.Sessions)
	c.PathsCfg.Screenshots = resolve(c.PathsCfg.Screenshots)

	if c.LoggerCfg.Dir == "" {
		c.LoggerCfg.Dir = c.PathsCfg.Logs
	} else {
		c.LoggerCfg.Dir = resolve(c.LoggerCfg.Dir)
	}
	return nil
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if err := c.ServerCfg.Validate(); err != nil {
		return err
	}
	if err := c.EngineCfg.Validate(); err != nil {
		return err
	}
	if err := c.BrowserCfg.Validate(); err != nil {
		return err
	}
	if err := c.PortalCfg.Validate(); err != nil {
		return err
	}
	if err := c.MailboxCfg.Validate(); err != nil {
		return err
	}
	if err := c.NotifyCfg.Validate(); err != nil {
		return err
	}
	if err := c.CleanupCfg.Validate(); err != nil {
		return err
	}
	return c.ArchiveCfg.Validate()
}
