package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seekcache/seekcache/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a seekcache configuration file with defaults.

By default, the configuration file is created at
$XDG_CONFIG_HOME/seekcache/config.yaml. Use --config to specify a custom
path.

Examples:
  # Initialize with default location
  seekcache init

  # Initialize with custom path
  seekcache init --config /etc/seekcache/config.yaml

  # Force overwrite existing config
  seekcache init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the daemon with: seekcache start")
	fmt.Printf("  3. Or specify custom config: seekcache start --config %s\n", path)

	return nil
}
