package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/seekcache/seekcache/internal/bytesize"
)

// ApplyDefaults fills in zero values with production defaults. It is
// idempotent and safe to call on a fully populated config.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(getDataDir(), "chunks")
	}
	if cfg.Cache.DatabasePath == "" {
		cfg.Cache.DatabasePath = filepath.Join(getDataDir(), "ledger.db")
	}
	if cfg.Cache.FixedMaxSize == 0 {
		cfg.Cache.FixedMaxSize = 10 * bytesize.GiB
	}
	if cfg.Cache.MinFreeReserveAbsolute == 0 {
		cfg.Cache.MinFreeReserveAbsolute = 2 * bytesize.GiB
	}
	if cfg.Cache.MinFreeReservePercent == 0 {
		cfg.Cache.MinFreeReservePercent = 5
	}
	if cfg.Cache.CleanupThresholdPercent == 0 {
		cfg.Cache.CleanupThresholdPercent = 90
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = time.Minute
	}

	if cfg.Download.ConcurrentDownloads == 0 {
		cfg.Download.ConcurrentDownloads = 3
	}
	if cfg.Download.SubchunkSize == 0 {
		cfg.Download.SubchunkSize = 2 * bytesize.MiB
	}
	if cfg.Download.LookaheadBytes == 0 {
		cfg.Download.LookaheadBytes = 32 * bytesize.MiB
	}
	if cfg.Download.LookaheadChunkCount == 0 {
		cfg.Download.LookaheadChunkCount = 4
	}
	if cfg.Download.OriginTimeout == 0 {
		cfg.Download.OriginTimeout = 30 * time.Second
	}
	if cfg.Download.OriginMaxRetries == 0 {
		cfg.Download.OriginMaxRetries = 4
	}

	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = 8099
	}
	if cfg.Proxy.InitialWaitTimeout == 0 {
		cfg.Proxy.InitialWaitTimeout = 30 * time.Second
	}
	if cfg.Proxy.SteadyStateWaitTimeout == 0 {
		cfg.Proxy.SteadyStateWaitTimeout = 10 * time.Second
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

// GetDefaultConfig returns a fully populated default configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Validate checks the configuration against the struct validation tags
// and a few rules the tags cannot express for custom types.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, verr := range verrs {
				return fmt.Errorf("invalid value for %s: failed %q constraint",
					verr.Namespace(), verr.Tag())
			}
		}
		return err
	}

	if cfg.Download.SubchunkSize == 0 {
		return fmt.Errorf("download.subchunk_size must be positive")
	}
	if cfg.Download.LookaheadBytes == 0 {
		return fmt.Errorf("download.lookahead_bytes must be positive")
	}
	if cfg.Cache.FixedMaxSize == 0 {
		return fmt.Errorf("cache.fixed_max_size must be positive")
	}
	return nil
}

// getDataDir returns the data directory path.
//
// Uses XDG_DATA_HOME if set, otherwise ~/.local/share, or falls back to
// the current directory if the home directory cannot be determined.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "seekcache")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "seekcache")
}
