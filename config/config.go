// Package config provides daemon configuration management for captrail.
// It supports loading configuration from a YAML file and environment
// variables, and live-reloading the webhook target on file changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/captrail/captrail/pkg/capture/platform"
)

// StoreBackend selects where meetings are persisted.
type StoreBackend string

const (
	// StoreSQLite is the local single-binary default.
	StoreSQLite StoreBackend = "sqlite"
	// StorePostgres is the shared-database backend.
	StorePostgres StoreBackend = "postgres"
	// StoreMemory keeps meetings in process memory (tests, dry runs).
	StoreMemory StoreBackend = "memory"
)

// IsValid checks if the backend name is known.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreSQLite, StorePostgres, StoreMemory:
		return true
	default:
		return false
	}
}

// Default configuration values.
const (
	DefaultConfigDir  = ".captrail"
	DefaultConfigFile = "config.yaml"
	DefaultDBFile     = "captrail.db"

	DefaultListenAddr = "127.0.0.1:8787"
	DefaultGRPCAddr   = "127.0.0.1:8788"
)

// ListenConfig holds the ingress listener addresses.
type ListenConfig struct {
	// Addr is the HTTP address serving the shim WebSocket, /healthz and
	// /metrics.
	Addr string `yaml:"addr"`

	// GRPCAddr is the gRPC health service address. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr,omitempty"`
}

// PostgresConfig holds the shared-database settings. CAPTRAIL_DB_* variables
// override these at connect time.
type PostgresConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"sslmode,omitempty"`
	MaxConns int    `yaml:"max_conns,omitempty"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is sqlite, postgres or memory.
	Backend StoreBackend `yaml:"backend"`

	// Path is the sqlite database file. Supports ~ expansion.
	Path string `yaml:"path,omitempty"`

	// Postgres applies when Backend is postgres.
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// PlatformConfig overrides adapter behavior for one platform. Zero fields
// keep the built-in defaults.
type PlatformConfig struct {
	// Locators override the built-in selectors; platform UIs change them
	// without notice.
	Locators platform.Locators `yaml:"locators,omitempty"`

	// ShrinkThreshold is the caption-region rerender heuristic: a text
	// shrink of at least this many runes is treated as a rerender rather
	// than a correction.
	ShrinkThreshold int `yaml:"shrink_threshold,omitempty"`

	// IdleWindow is the caption-silence window (duration string) after the
	// leave control disappears before the meeting is considered over.
	IdleWindow string `yaml:"idle_window,omitempty"`
}

// Adapter converts to the adapter's config type.
func (p PlatformConfig) Adapter() (platform.Config, error) {
	cfg := platform.Config{
		Locators:        p.Locators,
		ShrinkThreshold: p.ShrinkThreshold,
	}
	if p.IdleWindow != "" {
		d, err := time.ParseDuration(p.IdleWindow)
		if err != nil {
			return platform.Config{}, fmt.Errorf("parsing idle_window: %w", err)
		}
		cfg.IdleWindow = d
	}
	return cfg, nil
}

// CaptureConfig tunes the capture pipeline.
type CaptureConfig struct {
	// HelloTimeout bounds the wait for the shim's hello (duration string).
	HelloTimeout string `yaml:"hello_timeout,omitempty"`

	// TitleDelay is how long after start detection the meeting title is
	// re-queried (duration string).
	TitleDelay string `yaml:"title_delay,omitempty"`

	// RecoveryTimeout bounds the startup recovery pass (duration string).
	RecoveryTimeout string `yaml:"recovery_timeout,omitempty"`

	// Platforms holds per-platform overrides keyed by platform name
	// (meet, teams, zoom).
	Platforms map[string]PlatformConfig `yaml:"platforms,omitempty"`
}

// WebhookConfig configures delivery of finished meetings.
type WebhookConfig struct {
	// URL is the delivery endpoint. Empty disables delivery.
	URL string `yaml:"url,omitempty"`

	// Workers is the delivery pool size.
	Workers int `yaml:"workers,omitempty"`

	// MaxRetries bounds retries after the first attempt.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// InitialBackoff and MaxBackoff bound the retry delay (duration strings).
	InitialBackoff string `yaml:"initial_backoff,omitempty"`
	MaxBackoff     string `yaml:"max_backoff,omitempty"`

	// Timeout bounds one POST attempt (duration string).
	Timeout string `yaml:"timeout,omitempty"`
}

// Enabled reports whether delivery is configured.
func (w WebhookConfig) Enabled() bool { return w.URL != "" }

// RedisConfig configures the optional redis-backed delivery queue. When
// Addr is empty the in-process queue is used.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Store   StoreConfig   `yaml:"store"`
	Capture CaptureConfig `yaml:"capture,omitempty"`
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
	Redis   RedisConfig   `yaml:"redis,omitempty"`

	// Debug enables verbose debug logging.
	Debug bool `yaml:"debug,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr:     DefaultListenAddr,
			GRPCAddr: DefaultGRPCAddr,
		},
		Store: StoreConfig{
			Backend: StoreSQLite,
			Path:    filepath.Join("~", DefaultConfigDir, DefaultDBFile),
		},
	}
}

// ConfigDir returns the configuration directory path.
// Uses $CAPTRAIL_CONFIG_DIR if set, otherwise ~/.captrail
func ConfigDir() (string, error) {
	if dir := os.Getenv("CAPTRAIL_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads the configuration. Sources in order (later overrides
// earlier): defaults, config file, CAPTRAIL_* environment variables.
func LoadConfig() (*Config, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}
	return LoadConfigFile(configPath)
}

// LoadConfigFile loads from a specific file path; a missing file is not an
// error, the defaults apply.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("CAPTRAIL_LISTEN_ADDR"); v != "" {
		cfg.Listen.Addr = v
	}
	if v := os.Getenv("CAPTRAIL_GRPC_ADDR"); v != "" {
		cfg.Listen.GRPCAddr = v
	}
	if v := os.Getenv("CAPTRAIL_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = StoreBackend(v)
	}
	if v := os.Getenv("CAPTRAIL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CAPTRAIL_WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("CAPTRAIL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CAPTRAIL_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("CAPTRAIL_DEBUG"); v == "true" || v == "1" {
		cfg.Debug = true
	}
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if !c.Store.Backend.IsValid() {
		return fmt.Errorf("invalid store.backend: %q (must be sqlite, postgres, or memory)", c.Store.Backend)
	}
	if c.Store.Backend == StoreSQLite && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite backend")
	}

	for name, p := range c.Capture.Platforms {
		if _, err := p.Adapter(); err != nil {
			return fmt.Errorf("capture.platforms.%s: %w", name, err)
		}
	}
	for field, v := range map[string]string{
		"capture.hello_timeout":    c.Capture.HelloTimeout,
		"capture.title_delay":      c.Capture.TitleDelay,
		"capture.recovery_timeout": c.Capture.RecoveryTimeout,
		"webhook.initial_backoff":  c.Webhook.InitialBackoff,
		"webhook.max_backoff":      c.Webhook.MaxBackoff,
		"webhook.timeout":          c.Webhook.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// Duration parses a duration string field, returning fallback when empty.
// Validate has already rejected unparseable values on the Load path.
func Duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// AdapterConfigs converts the per-platform overrides to adapter configs.
func (c *Config) AdapterConfigs() (map[string]platform.Config, error) {
	out := make(map[string]platform.Config, len(c.Capture.Platforms))
	for name, p := range c.Capture.Platforms {
		cfg, err := p.Adapter()
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", name, err)
		}
		out[name] = cfg
	}
	return out, nil
}

// SQLitePath returns the sqlite file path with ~ expanded.
func (c *Config) SQLitePath() string {
	return expandPath(c.Store.Path)
}

// SaveConfig saves the configuration to the config file.
func SaveConfig(cfg *Config) error {
	configDir, err := ConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory: %w", err)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, DefaultConfigFile), data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
