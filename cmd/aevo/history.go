package main

import (
	"time"

	"github.com/spf13/cobra"

	"aevo/internal/event"
)

var (
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded evolution events, newest last",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the lineage tree of recorded events",
	Args:  cobra.NoArgs,
	RunE:  runTree,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Show only the last N events (0 = all)")
	rootCmd.AddCommand(historyCmd, treeCmd)
}

// HistoryEntryCLI is one event in aevo history
type HistoryEntryCLI struct {
	ID          string       `json:"id" yaml:"id"`
	Timestamp   time.Time    `json:"timestamp" yaml:"timestamp"`
	Type        event.Type   `json:"type" yaml:"type"`
	Base        string       `json:"base" yaml:"base"`
	Parent      string       `json:"parent" yaml:"parent"`
	Status      event.Status `json:"status" yaml:"status"`
	Source      event.Source `json:"source" yaml:"source"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// HistoryResponseCLI is the result of aevo history
type HistoryResponseCLI struct {
	Total  int               `json:"total" yaml:"total"`
	Events []HistoryEntryCLI `json:"events" yaml:"events"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	history := e.tracker.History()
	resp := &HistoryResponseCLI{Total: len(history), Events: []HistoryEntryCLI{}}
	if historyLimit > 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, ev := range history {
		parent, _ := e.tracker.ParentOf(ev.ID)
		status, _ := e.tracker.Status(ev.ID)
		resp.Events = append(resp.Events, HistoryEntryCLI{
			ID:          ev.ID,
			Timestamp:   ev.Timestamp,
			Type:        ev.Type,
			Base:        ev.BaseVersion,
			Parent:      parent,
			Status:      status,
			Source:      ev.Trigger.Source,
			Description: ev.Delta.Description,
		})
	}
	return printResponse(resp)
}

func runTree(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	return printResponse(e.tracker.Tree())
}
