// Package config loads offcache settings from offcache.toml, OFFCACHE_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// FileName is the config file name looked up in the search path.
const FileName = "offcache.toml"

// EnvPrefix prefixes every environment override, e.g. OFFCACHE_SYNC_REMOTE.
const EnvPrefix = "OFFCACHE"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Config is the full offcache configuration.
type Config struct {
	DeviceID string       `mapstructure:"device_id"`
	DataDir  string       `mapstructure:"data_dir"`
	Cache    CacheConfig  `mapstructure:"cache"`
	Serve    ServeConfig  `mapstructure:"serve"`
	Sync     SyncConfig   `mapstructure:"sync"`
	Notify   NotifyConfig `mapstructure:"notify"`
	Hub      HubConfig    `mapstructure:"hub"`
	Log      LogConfig    `mapstructure:"log"`
}

// CacheConfig configures the cache partitions and request routing.
type CacheConfig struct {
	Prefix       string   `mapstructure:"prefix"`
	Version      string   `mapstructure:"version"`
	ImageMax     int      `mapstructure:"image_max"`
	DynamicMax   int      `mapstructure:"dynamic_max"`
	NetworkFirst []string `mapstructure:"network_first"`
	OfflinePage  string   `mapstructure:"offline_page"`
	Manifest     string   `mapstructure:"manifest"`
	SkipWaiting  bool     `mapstructure:"skip_waiting"`
}

// ServeConfig configures the caching proxy.
type ServeConfig struct {
	Listen   string `mapstructure:"listen"`
	Upstream string `mapstructure:"upstream"`
}

// SyncConfig configures the sync daemon.
type SyncConfig struct {
	Remote        string        `mapstructure:"remote"`
	PullInterval  time.Duration `mapstructure:"pull_interval"`
	PushDebounce  time.Duration `mapstructure:"push_debounce"`
	StateDir      string        `mapstructure:"state_dir"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// NotifyConfig configures new-message effects.
type NotifyConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Sound   bool `mapstructure:"sound"`
}

// HubConfig configures the record hub server.
type HubConfig struct {
	Listen string `mapstructure:"listen"`
	DB     string `mapstructure:"db"`
}

// LogConfig configures log output.
type LogConfig struct {
	File string `mapstructure:"file"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".offcache",
		Cache: CacheConfig{
			Prefix:       "offcache",
			Version:      "v1",
			ImageMax:     60,
			DynamicMax:   50,
			NetworkFirst: []string{"/api/"},
			OfflinePage:  "/offline.html",
		},
		Serve: ServeConfig{
			Listen:   "127.0.0.1:8080",
			Upstream: "http://localhost:3000",
		},
		Sync: SyncConfig{
			Remote:        "http://localhost:8787",
			PullInterval:  5 * time.Second,
			PushDebounce:  time.Second,
			ProbeInterval: 5 * time.Second,
		},
		Notify: NotifyConfig{Enabled: true, Sound: true},
		Hub: HubConfig{
			Listen: ":8787",
			DB:     "hub.db",
		},
	}
}

// New returns a viper instance with defaults, the config search path and
// environment overrides registered. An explicit path replaces the search.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "offcache"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default so that environment
// overrides apply during Unmarshal.
func SetDefaults(v *viper.Viper) {
	for key, value := range flatten(DefaultConfig()) {
		v.SetDefault(key, value)
	}
}

// Load reads the config file, if any, and decodes the merged settings. A
// missing file in the search path is not an error; a missing explicit file
// is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is empty")
	}
	if c.Cache.Prefix == "" || c.Cache.Version == "" {
		problems = append(problems, "cache.prefix and cache.version are required")
	}
	if c.Cache.ImageMax <= 0 || c.Cache.DynamicMax <= 0 {
		problems = append(problems, "cache.image_max and cache.dynamic_max must be positive")
	}
	if c.Sync.PullInterval <= 0 {
		problems = append(problems, "sync.pull_interval must be positive")
	}
	if c.Sync.PushDebounce < 0 {
		problems = append(problems, "sync.push_debounce must not be negative")
	}
	if c.Sync.ProbeInterval <= 0 {
		problems = append(problems, "sync.probe_interval must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// DBPath is the local SQLite database holding the cache and the queue.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "offcache.db")
}

// StateDir is the watched directory holding the local snapshot files.
func (c *Config) StateDir() string {
	if c.Sync.StateDir != "" {
		return c.Sync.StateDir
	}
	return filepath.Join(c.DataDir, "state")
}

// HubDBPath is the hub's record database. Relative paths live in DataDir.
func (c *Config) HubDBPath() string {
	if filepath.IsAbs(c.Hub.DB) {
		return c.Hub.DB
	}
	return filepath.Join(c.DataDir, c.Hub.DB)
}

// EnsureDeviceID returns the configured device id, or the one persisted in
// DataDir, generating and persisting a new one on first use.
func (c *Config) EnsureDeviceID() (string, error) {
	if c.DeviceID != "" {
		return c.DeviceID, nil
	}

	path := filepath.Join(c.DataDir, "device_id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.DeviceID = id
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to write device id: %w", err)
	}
	c.DeviceID = id
	return id, nil
}

// flatten maps every dotted key to its value. Durations become strings so
// the same map serves viper defaults and the TOML writer.
func flatten(c *Config) map[string]any {
	return map[string]any{
		"device_id":           c.DeviceID,
		"data_dir":            c.DataDir,
		"cache.prefix":        c.Cache.Prefix,
		"cache.version":       c.Cache.Version,
		"cache.image_max":     c.Cache.ImageMax,
		"cache.dynamic_max":   c.Cache.DynamicMax,
		"cache.network_first": c.Cache.NetworkFirst,
		"cache.offline_page":  c.Cache.OfflinePage,
		"cache.manifest":      c.Cache.Manifest,
		"cache.skip_waiting":  c.Cache.SkipWaiting,
		"serve.listen":        c.Serve.Listen,
		"serve.upstream":      c.Serve.Upstream,
		"sync.remote":         c.Sync.Remote,
		"sync.pull_interval":  c.Sync.PullInterval.String(),
		"sync.push_debounce":  c.Sync.PushDebounce.String(),
		"sync.state_dir":      c.Sync.StateDir,
		"sync.probe_interval": c.Sync.ProbeInterval.String(),
		"notify.enabled":      c.Notify.Enabled,
		"notify.sound":        c.Notify.Sound,
		"hub.listen":          c.Hub.Listen,
		"hub.db":              c.Hub.DB,
		"log.file":            c.Log.File,
	}
}
