package main

import (
	"github.com/spf13/cobra"

	"aevo/internal/version"
)

var (
	// rootFlag is the workspace root; empty means the working directory
	rootFlag string
	// formatFlag selects the output format for every command
	formatFlag string
	verbosity  int
	quietFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "aevo",
	Short: "aevo - Self-evolving rule set engine",
	Long: `aevo keeps a versioned rule set that grows through evolution events.
Events are validated against their base snapshot, checked for conflicts,
merged deterministically and committed to the rule store. A self-evolution
loop proposes its own events from analysis of the committed rules.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("aevo version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "Workspace root (default: working directory)")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "human", "Output format (human, json, yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v, -vv)")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Only log errors")
}
