package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seekcache/seekcache/pkg/config"
	"github.com/seekcache/seekcache/pkg/proxy"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics of the running daemon",
	Long: `Query the running daemon's /stats endpoint and print the result.

Examples:
  seekcache stats
  seekcache stats --config /etc/seekcache/config.yaml`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/stats", cfg.Proxy.Port))
	if err != nil {
		return fmt.Errorf("daemon not reachable on port %d: %w", cfg.Proxy.Port, err)
	}
	defer resp.Body.Close()

	var envelope proxy.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding stats response: %w", err)
	}
	if envelope.Status != "ok" {
		return fmt.Errorf("daemon reported %q: %s", envelope.Status, envelope.Error)
	}

	out, err := yaml.Marshal(envelope.Data)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
