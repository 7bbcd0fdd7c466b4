package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seekcache/seekcache/internal/logger"
	"github.com/seekcache/seekcache/pkg/config"
	"github.com/seekcache/seekcache/pkg/engine"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the seekcache daemon",
	Long: `Start the seekcache daemon with the specified configuration.

The daemon runs the download workers, the streaming proxy, and the disk
budget loop until it receives SIGINT or SIGTERM.

Examples:
  # Start with default config location
  seekcache start

  # Start with custom config file
  seekcache start --config /etc/seekcache/config.yaml

  # Override config with environment variables
  SEEKCACHE_LOGGING_LEVEL=DEBUG seekcache start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("starting seekcache",
		"version", Version,
		"cache_path", cfg.Cache.Path,
		"proxy_port", cfg.Proxy.Port)

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	return eng.Run(ctx)
}
