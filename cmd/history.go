// Package cmd provides the loom command line interface.
// This file implements the history and keys commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// HistoryDefaultLimit is the default number of versions shown.
	HistoryDefaultLimit = 20
)

// =============================================================================
// History Command Flags
// =============================================================================

var (
	historyLimit int
	historyJSON  bool
	keysPrefix   string
	keysJSON     bool
)

// =============================================================================
// History Command
// =============================================================================

// historyCmd represents the history command.
var historyCmd = &cobra.Command{
	Use:   "history <key>",
	Short: "Show an entity's version history",
	Long: `Show the append-only version history of an entity, newest first.

Examples:
  loom history src/main.go
  loom history --limit 5 src/main.go
  loom history --json src/main.go | jq '.[0].version'`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

// keysCmd lists live keys.
var keysCmd = &cobra.Command{
	Use:   "keys [prefix]",
	Short: "List live entity keys",
	Long: `List every live (non-deleted) key in the workspace, optionally under a prefix.

Examples:
  loom keys
  loom keys src/
  loom keys --json | jq length`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeys,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(keysCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", HistoryDefaultLimit, "Maximum number of versions")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")

	keysCmd.Flags().BoolVar(&keysJSON, "json", false, "Output as JSON")
}

// =============================================================================
// History Execution
// =============================================================================

// historyEntry is the JSON output for one version.
type historyEntry struct {
	Version   uint64    `json:"version"`
	Kind      string    `json:"kind"`
	Tombstone bool      `json:"tombstone"`
	Size      int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	key := args[0]

	st, err := openReadOnlyStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	versions, err := st.History(ctx, key, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history for %q: %w", key, err)
	}

	entries := make([]historyEntry, 0, len(versions))
	for _, v := range versions {
		entries = append(entries, historyEntry{
			Version:   v.Version,
			Kind:      v.Payload.Kind.String(),
			Tombstone: v.Tombstone,
			Size:      v.Payload.Size(),
			UpdatedAt: v.UpdatedAt,
		})
	}

	if historyJSON {
		return outputJSON(cmd.OutOrStdout(), entries)
	}
	return outputRichHistory(cmd.OutOrStdout(), key, entries)
}

func outputRichHistory(w io.Writer, key string, entries []historyEntry) error {
	fmt.Fprintf(w, "%s%s%s%s\n", colorBold, colorCyan, key, colorReset)

	if len(entries) == 0 {
		fmt.Fprintf(w, "%sNo versions recorded.%s\n", colorGray, colorReset)
		return nil
	}

	for _, e := range entries {
		marker := colorGreen + "write " + colorReset
		if e.Tombstone {
			marker = colorRed + "delete" + colorReset
		}
		fmt.Fprintf(w, "  v%-6d %s  %s%-8s%s %6d B  %s\n",
			e.Version, marker,
			colorGray, e.Kind, colorReset,
			e.Size,
			e.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// =============================================================================
// Keys Execution
// =============================================================================

func runKeys(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		keysPrefix = args[0]
	}

	st, err := openReadOnlyStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	keys, err := st.Keys(ctx, keysPrefix)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if keysJSON {
		return outputJSON(cmd.OutOrStdout(), keys)
	}

	for _, key := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), key)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s%d keys%s\n", colorGray, len(keys), colorReset)
	return nil
}
