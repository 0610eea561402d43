package main

import (
	"github.com/spf13/cobra"
)

var (
	eventsDir string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Save or load event records",
}

var eventsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write every recorded event to a directory",
	Args:  cobra.NoArgs,
	RunE:  runEventsSave,
}

var eventsLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Record the events found in a directory",
	Long: `Load decodes every <id>.json record in the directory and records the
ones not yet in history, oldest first. Broken records are reported and
skipped. Loaded events are not applied; use submit for that.`,
	Args: cobra.NoArgs,
	RunE: runEventsLoad,
}

func init() {
	eventsCmd.PersistentFlags().StringVar(&eventsDir, "dir", "", "Events directory (default: the configured one)")
	eventsCmd.AddCommand(eventsSaveCmd, eventsLoadCmd)
	rootCmd.AddCommand(eventsCmd)
}

func runEventsSave(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	dir := e.eventsDir
	if eventsDir != "" {
		dir = eventsDir
	}
	report, err := e.tracker.SaveAllEvents(ctx, dir)
	if err != nil {
		return err
	}
	return printResponse(&report)
}

func runEventsLoad(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if eventsDir == "" || eventsDir == e.eventsDir {
		// openEngine already replayed the default directory
		report, err := e.tracker.LoadEventsFromDir(ctx, e.eventsDir)
		if err != nil {
			return err
		}
		return printResponse(&report)
	}
	report, err := e.tracker.LoadEventsFromDir(ctx, eventsDir)
	if err != nil {
		return err
	}
	if err := e.persist(ctx); err != nil {
		return err
	}
	return printResponse(&report)
}
