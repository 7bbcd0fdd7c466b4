// Package config loads and validates the seekcache configuration from
// file, environment, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/seekcache/seekcache/internal/bytesize"
)

// Config is the root configuration for the seekcache daemon.
type Config struct {
	// Logging configures log level, format, and destination.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Cache configures on-disk layout and the disk budget.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Download configures origin fetching and lookahead.
	Download DownloadConfig `mapstructure:"download" yaml:"download"`

	// Proxy configures the HTTP streaming front.
	Proxy ProxyConfig `mapstructure:"proxy" yaml:"proxy"`

	// ShutdownTimeout bounds graceful shutdown of all components.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum level to emit.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects human-readable text or JSON lines.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// CacheConfig controls where data lives and how much disk it may take.
type CacheConfig struct {
	// Path is the directory holding entry data files.
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// DatabasePath is the SQLite ledger file tracking entries and
	// chunks. Keep it on the same volume as Path so the disk budget
	// sees both.
	DatabasePath string `mapstructure:"database_path" validate:"required" yaml:"database_path"`

	// FixedMaxSize is the hard cap on cache bytes. Accepts
	// human-readable sizes like "10Gi".
	FixedMaxSize bytesize.ByteSize `mapstructure:"fixed_max_size" yaml:"fixed_max_size"`

	// MinFreeReserveAbsolute is the minimum bytes left free on the
	// volume.
	MinFreeReserveAbsolute bytesize.ByteSize `mapstructure:"min_free_reserve_absolute" yaml:"min_free_reserve_absolute"`

	// MinFreeReservePercent is the minimum free space as a percentage
	// of the volume. The larger reserve wins.
	MinFreeReservePercent float64 `mapstructure:"min_free_reserve_percent" validate:"gte=0,lte=50" yaml:"min_free_reserve_percent"`

	// CleanupThresholdPercent of the budget triggers a cleanup pass.
	CleanupThresholdPercent float64 `mapstructure:"cleanup_threshold_percent" validate:"gt=0,lte=100" yaml:"cleanup_threshold_percent"`

	// CleanupInterval is the background loop cadence.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0" yaml:"cleanup_interval"`
}

// DownloadConfig controls origin fetching.
type DownloadConfig struct {
	// ConcurrentDownloads is the worker pool size.
	ConcurrentDownloads int `mapstructure:"concurrent_downloads" validate:"gte=1,lte=64" yaml:"concurrent_downloads"`

	// SubchunkSize is the commit granularity for in-flight ranges.
	// Accepts human-readable sizes like "2Mi".
	SubchunkSize bytesize.ByteSize `mapstructure:"subchunk_size" yaml:"subchunk_size"`

	// LookaheadBytes is one urgent download window ahead of a reader's
	// position. Accepts human-readable sizes like "32Mi".
	LookaheadBytes bytesize.ByteSize `mapstructure:"lookahead_bytes" yaml:"lookahead_bytes"`

	// LookaheadChunkCount is how many lookahead windows stay scheduled
	// ahead of the reader beyond the urgent one.
	LookaheadChunkCount int `mapstructure:"lookahead_chunk_count" validate:"gte=1,lte=64" yaml:"lookahead_chunk_count"`

	// OriginTimeout bounds a single origin round trip.
	OriginTimeout time.Duration `mapstructure:"origin_timeout" validate:"gt=0" yaml:"origin_timeout"`

	// OriginMaxRetries is the retry budget per range before the entry
	// is marked failed.
	OriginMaxRetries int `mapstructure:"origin_max_retries" validate:"gte=0,lte=20" yaml:"origin_max_retries"`
}

// ProxyConfig controls the streaming HTTP server.
type ProxyConfig struct {
	// Port is the listen port.
	Port int `mapstructure:"port" validate:"gte=1,lte=65535" yaml:"port"`

	// InitialWaitTimeout bounds the wait for the first byte of a
	// request before answering 503.
	InitialWaitTimeout time.Duration `mapstructure:"initial_wait_timeout" validate:"gt=0" yaml:"initial_wait_timeout"`

	// SteadyStateWaitTimeout bounds mid-stream waits for the next byte.
	SteadyStateWaitTimeout time.Duration `mapstructure:"steady_state_wait_timeout" validate:"gt=0" yaml:"steady_state_wait_timeout"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SEEKCACHE_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location; a missing file is fine
// and yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures environment variables and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the SEEKCACHE_ prefix and underscores.
	// Example: SEEKCACHE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("SEEKCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// whether a file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize,
// so config files can say "1Gi", "500Mi", "100MB", or a plain number.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Raw integers are nanoseconds
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "seekcache")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "seekcache")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
