// Package cmd provides the loom command line interface: read-only inspection
// of a workspace database and its stashed sessions.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ry-ht/loom/core/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - session-isolated workspace storage",
	Long: `Loom is a concurrency-control and merge core for a shared workspace store:
versioned entities, copy-on-write sessions, hierarchical locks, and
three-way merge on commit.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "loom.yaml", "Path to configuration file")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	mgr := config.NewManager(configPath)
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	return mgr.Get(), nil
}
