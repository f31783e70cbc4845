// Package config loads runtime settings from the settings: section of
// wmonorepo.yaml with WMONOREPO_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WMONOREPO_CACHE_DIR or
// WMONOREPO_WATCH_MODE.
const EnvPrefix = "WMONOREPO"

// Settings holds all runtime configuration.
type Settings struct {
	CacheDir        string            `mapstructure:"cache_dir"`
	Concurrency     int               `mapstructure:"concurrency"`
	ContinueOnError bool              `mapstructure:"continue_on_error"`
	Log             LogConfig         `mapstructure:"log"`
	Watch           WatchConfig       `mapstructure:"watch"`
	Plugins         []string          `mapstructure:"plugins"`
	RemoteCache     RemoteCacheConfig `mapstructure:"remote_cache"`
	Distributed     DistributedConfig `mapstructure:"distributed"`
	Metrics         MetricsConfig     `mapstructure:"metrics"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Format string `mapstructure:"format"` // "json" or "console"
	Level  string `mapstructure:"level"`  // "debug", "info", "warn", "error"
}

// WatchConfig holds change watcher configuration
type WatchConfig struct {
	Mode     string        `mapstructure:"mode"` // "native" or "poll"
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// RemoteCacheConfig holds remote cache configuration. An empty Addr disables
// the remote cache.
type RemoteCacheConfig struct {
	Addr string `mapstructure:"addr"`
}

// DistributedConfig holds work offload configuration
type DistributedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Platform string `mapstructure:"platform"`
}

// MetricsConfig holds the prometheus listener address (empty = disabled).
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load merges defaults, the decoded settings: map (may be nil) and
// environment variables, in increasing precedence.
func Load(settings map[string]any) (*Settings, error) {
	v := viper.New()

	v.SetDefault("cache_dir", ".wmonorepo")
	v.SetDefault("concurrency", runtime.NumCPU())
	v.SetDefault("continue_on_error", false)
	v.SetDefault("log.format", "console")
	v.SetDefault("log.level", "info")
	v.SetDefault("watch.mode", "native")
	v.SetDefault("watch.interval", time.Second)
	v.SetDefault("watch.debounce", 200*time.Millisecond)
	v.SetDefault("plugins", []string{})
	v.SetDefault("remote_cache.addr", "")
	v.SetDefault("distributed.enabled", false)
	v.SetDefault("distributed.platform", "")
	v.SetDefault("metrics.addr", "")

	if len(settings) > 0 {
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, fmt.Errorf("error reading settings: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error unmarshaling settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects values no component can work with.
func (s *Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.CacheDir) == "" {
		errs = append(errs, errors.New("cache_dir must not be empty"))
	}
	if s.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", s.Concurrency))
	}
	if s.Watch.Interval <= 0 {
		errs = append(errs, fmt.Errorf("watch.interval must be positive, got %s", s.Watch.Interval))
	}
	if s.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must not be negative, got %s", s.Watch.Debounce))
	}
	return errors.Join(errs...)
}

// CachePath resolves CacheDir against the repo root.
func (s *Settings) CachePath(root string) string {
	if filepath.IsAbs(s.CacheDir) {
		return filepath.Clean(s.CacheDir)
	}
	return filepath.Join(root, s.CacheDir)
}
