package commands

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/seekcache/seekcache/pkg/config"
	"github.com/seekcache/seekcache/pkg/ledger"
	"github.com/seekcache/seekcache/pkg/store"
)

var registerCmd = &cobra.Command{
	Use:   "register <entry-key> <origin-url>",
	Short: "Register a cache entry for an origin URL",
	Long: `Register a cache entry so the daemon can serve it.

The entry key names the cached file in /stream/{entry-key}; the origin URL
is where its bytes are downloaded from. Registering an existing key is a
no-op.

Run this while the daemon is stopped, or register through the engine API
of an embedding application while it runs.

Examples:
  seekcache register movie-1 https://cdn.example.com/movies/1.mp4`,
	Args: cobra.ExactArgs(2),
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	entryKey, originURL := args[0], args[1]

	parsed, err := url.Parse(originURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("origin must be an http(s) URL: %s", originURL)
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	st, err := store.NewWithPath(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("opening chunk store: %w", err)
	}
	defer st.Close()

	led, err := ledger.Open(cfg.Cache.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer led.Close()

	path, err := st.Create(entryKey)
	if err != nil {
		return fmt.Errorf("creating backing file: %w", err)
	}
	if _, err := led.CreateEntry(cmd.Context(), entryKey, originURL, path); err != nil {
		return fmt.Errorf("registering entry: %w", err)
	}

	fmt.Printf("Registered %s -> %s\n", entryKey, originURL)
	fmt.Printf("Stream it at: http://localhost:%d/stream/%s\n", cfg.Proxy.Port, entryKey)
	return nil
}
