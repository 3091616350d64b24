package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	bundlePaths []string
	storePath   string
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "busyrt",
		Short: "busyrt - playbook runtime for people, tools and agents",
		Long: `busyrt runs playbooks: ordered steps that bind concrete resources, resolve
capabilities to providers and execute through a fallback chain of
algorithmic code, AI agents and people.

Features:
  - Resource allocation with priority chains and reservations
  - Capability resolution with provider scoring
  - Algorithmic steps in Starlark or WASM
  - Human task inbox and overrides
  - OPA admission policies
  - SQLite execution history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "runtime config file (.cue, .yaml, .json)")
	rootCmd.PersistentFlags().StringSliceVarP(&bundlePaths, "bundle", "b", nil, "definition bundle file or directory (repeatable)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "SQLite execution history path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newServeMetricsCommand())

	return rootCmd
}

func globalOptions() appOptions {
	return appOptions{
		ConfigPath: configPath,
		Bundles:    bundlePaths,
		StorePath:  storePath,
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
