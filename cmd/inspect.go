// Package cmd provides the loom command line interface.
// This file implements the inspect command for examining stored entities.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ry-ht/loom/core/store"
)

// =============================================================================
// Constants
// =============================================================================

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// =============================================================================
// Inspect Command Flags
// =============================================================================

var (
	inspectVersion uint64
	inspectJSON    bool
	inspectRaw     bool
)

// =============================================================================
// Inspect Command
// =============================================================================

// inspectCmd represents the inspect command.
var inspectCmd = &cobra.Command{
	Use:   "inspect <key>",
	Short: "Inspect a stored entity",
	Long: `Inspect the current state of a stored entity, or a specific version of it.

Examples:
  loom inspect src/main.go
  loom inspect --version 3 src/main.go
  loom inspect --json src/main.go | jq '.version'
  loom inspect --raw src/main.go`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().Uint64VarP(&inspectVersion, "version", "V", 0, "Inspect a specific version instead of the head")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().BoolVar(&inspectRaw, "raw", false, "Print the payload content only")
}

// =============================================================================
// Inspect Execution
// =============================================================================

// inspectOutput is the JSON output for inspect.
type inspectOutput struct {
	Key       string            `json:"key"`
	Version   uint64            `json:"version"`
	Kind      string            `json:"kind"`
	Tombstone bool              `json:"tombstone"`
	UpdatedAt time.Time         `json:"updated_at"`
	Size      int64             `json:"size_bytes"`
	Text      string            `json:"text,omitempty"`
	Tree      map[string]string `json:"tree,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	key := args[0]

	st, err := openReadOnlyStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var entity *store.Entity
	if inspectVersion > 0 {
		entity, err = st.ReadVersion(ctx, key, inspectVersion)
	} else {
		entity, err = st.Read(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", key, err)
	}

	if inspectRaw {
		return outputRawEntity(cmd.OutOrStdout(), entity)
	}

	out := buildInspectOutput(entity)
	if inspectJSON {
		return outputJSON(cmd.OutOrStdout(), out)
	}
	return outputRichEntity(cmd.OutOrStdout(), out, entity.Payload)
}

func buildInspectOutput(entity *store.Entity) *inspectOutput {
	out := &inspectOutput{
		Key:       entity.Key,
		Version:   entity.Version,
		Kind:      entity.Payload.Kind.String(),
		Tombstone: entity.Tombstone,
		UpdatedAt: entity.UpdatedAt,
		Size:      entity.Payload.Size(),
	}

	switch entity.Payload.Kind {
	case store.PayloadText:
		out.Text = string(entity.Payload.Text)
	case store.PayloadTree:
		out.Tree = entity.Payload.Tree
	}
	return out
}

func outputRawEntity(w io.Writer, entity *store.Entity) error {
	switch entity.Payload.Kind {
	case store.PayloadText:
		_, err := w.Write(entity.Payload.Text)
		return err
	case store.PayloadBinary:
		_, err := w.Write(entity.Payload.Data)
		return err
	default:
		return outputJSON(w, entity.Payload.Tree)
	}
}

func outputRichEntity(w io.Writer, out *inspectOutput, payload store.Payload) error {
	fmt.Fprintf(w, "%s%s%s%s\n", colorBold, colorCyan, out.Key, colorReset)
	fmt.Fprintf(w, "%sVersion:%s   %d\n", colorGray, colorReset, out.Version)
	fmt.Fprintf(w, "%sKind:%s      %s\n", colorGray, colorReset, out.Kind)
	fmt.Fprintf(w, "%sSize:%s      %d bytes\n", colorGray, colorReset, out.Size)
	fmt.Fprintf(w, "%sUpdated:%s   %s\n", colorGray, colorReset, out.UpdatedAt.Format(time.RFC3339))

	if out.Tombstone {
		fmt.Fprintf(w, "%sDeleted:%s   %sYes%s\n", colorGray, colorReset, colorRed, colorReset)
	}

	if payload.Kind == store.PayloadTree {
		fmt.Fprintf(w, "%sFields:%s\n", colorGray, colorReset)
		for _, field := range payload.TreeKeys() {
			fmt.Fprintf(w, "  %s%s%s = %s\n", colorGreen, field, colorReset, payload.Tree[field])
		}
	}
	return nil
}

// =============================================================================
// Shared Helpers
// =============================================================================

// openReadOnlyStore opens the configured workspace database for inspection.
func openReadOnlyStore() (store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(store.SQLiteConfig{
		DBPath:       cfg.Store.DBPath,
		WorkspaceID:  cfg.Store.WorkspaceID,
		CacheMaxCost: cfg.Store.CacheMaxCost,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace database: %w", err)
	}
	return st, nil
}

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
