// Package cmd provides the loom command line interface.
// This file implements the sessions command for listing stashed sessions.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ry-ht/loom/core/session"
)

// =============================================================================
// Sessions Command Flags
// =============================================================================

var (
	sessionsWorkspace string
	sessionsJSON      bool
)

// =============================================================================
// Sessions Command
// =============================================================================

// sessionsCmd represents the sessions command.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stashed sessions",
	Long: `List sessions suspended by TTL expiry or an explicit stash. Stashed
sessions keep their uncommitted overlay and can be resumed by a running
workspace.

Examples:
  loom sessions
  loom sessions --workspace default
  loom sessions --json | jq length`,
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().StringVarP(&sessionsWorkspace, "workspace", "w", "", "Filter by workspace id")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")
}

// =============================================================================
// Sessions Execution
// =============================================================================

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Session.StashDBPath == "" {
		return fmt.Errorf("no stash database configured")
	}

	stash, err := session.NewStash(cfg.Session.StashDBPath)
	if err != nil {
		return fmt.Errorf("failed to open stash database: %w", err)
	}
	defer stash.Close()

	ids, err := stash.List(sessionsWorkspace)
	if err != nil {
		return fmt.Errorf("failed to list stashed sessions: %w", err)
	}

	if sessionsJSON {
		return outputJSON(cmd.OutOrStdout(), ids)
	}
	return outputRichSessions(cmd.OutOrStdout(), ids)
}

func outputRichSessions(w io.Writer, ids []string) error {
	fmt.Fprintf(w, "%s%sStashed Sessions%s\n", colorBold, colorCyan, colorReset)

	if len(ids) == 0 {
		fmt.Fprintf(w, "%sNone.%s\n", colorGray, colorReset)
		return nil
	}

	for _, id := range ids {
		fmt.Fprintf(w, "  %s%s%s\n", colorYellow, id, colorReset)
	}
	fmt.Fprintf(w, "%s%d sessions%s\n", colorGray, len(ids), colorReset)
	return nil
}
