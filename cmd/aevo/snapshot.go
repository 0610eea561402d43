package main

import (
	"strings"

	"github.com/spf13/cobra"

	"aevo/internal/grammar"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [id]",
	Short: "Print a committed or historical snapshot (default: head)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshot,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <event-id>",
	Short: "Move the head back to the parent of an event",
	Long: `Rollback restores the snapshot an event was applied on top of. History
is kept; new events may branch from the restored snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(snapshotCmd, rollbackCmd)
}

// RuleLineCLI is one rule of a snapshot, rendered for display
type RuleLineCLI struct {
	Name       string `json:"name" yaml:"name"`
	Pattern    string `json:"pattern" yaml:"pattern"`
	Production string `json:"production" yaml:"production"`
}

// SnapshotResponseCLI is the result of aevo snapshot
type SnapshotResponseCLI struct {
	ID     string        `json:"id" yaml:"id"`
	Digest string        `json:"digest" yaml:"digest"`
	Rules  []RuleLineCLI `json:"rules" yaml:"rules"`
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var snap grammar.Snapshot
	if len(args) == 0 {
		snap, err = e.head(ctx)
	} else {
		snap, err = e.store.Snapshot(ctx, args[0])
		if err != nil {
			// Recorded but never committed
			snap, err = e.tracker.Materialize(args[0])
		}
	}
	if err != nil {
		return err
	}
	return printResponse(newSnapshotResponse(snap))
}

func newSnapshotResponse(snap grammar.Snapshot) *SnapshotResponseCLI {
	resp := &SnapshotResponseCLI{
		ID:     snap.ID,
		Digest: snap.Digest(),
		Rules:  make([]RuleLineCLI, 0, snap.Len()),
	}
	for _, r := range snap.Rules {
		resp.Rules = append(resp.Rules, RuleLineCLI{
			Name:       r.Name,
			Pattern:    strings.Join(r.PatternKeys(), " "),
			Production: r.Production.String(),
		})
	}
	return resp
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.mgr.RollbackTo(ctx, args[0])
	if err != nil {
		return err
	}
	return printResponse(&res)
}
