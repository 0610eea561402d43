package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/manager"
)

var (
	submitRebase bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <event.json>...",
	Short: "Validate, merge and apply evolution events",
	Long: `Submit event records to the pipeline. Valid events are recorded in
history; events sharing a base are merged and the result is committed to the
rule store. Accepted events are written to the events directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var validateCmd = &cobra.Command{
	Use:   "validate <event.json>...",
	Short: "Check events against their base snapshots without recording them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <event.json>...",
	Short: "List direct and semantic conflicts between events",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runConflicts,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <event.json>...",
	Short: "Show the composite event the pipeline would build",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMerge,
}

func init() {
	submitCmd.Flags().BoolVar(&submitRebase, "rebase", false, "Move events based on an older snapshot onto the current head")
	rootCmd.AddCommand(submitCmd, validateCmd, conflictsCmd, mergeCmd)
}

// SubmitResponseCLI is the result of aevo submit
type SubmitResponseCLI struct {
	Submitted int                  `json:"submitted" yaml:"submitted"`
	Rebased   []string             `json:"rebased,omitempty" yaml:"rebased,omitempty"`
	Report    manager.SubmitReport `json:"report" yaml:"report"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	events, err := readEvents(args)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	resp := &SubmitResponseCLI{Submitted: len(events)}
	if submitRebase {
		head, err := e.store.CurrentHead(ctx)
		if err != nil {
			return err
		}
		for i, ev := range events {
			if ev.BaseVersion == head {
				continue
			}
			rebased, err := e.mgr.Rebase(ctx, ev)
			if err != nil {
				return err
			}
			resp.Rebased = append(resp.Rebased, fmt.Sprintf("%s -> %s", ev.ID, rebased.ID))
			events[i] = rebased
		}
	}

	report, submitErr := e.mgr.Submit(ctx, events)
	resp.Report = report
	if err := e.persist(ctx); err != nil {
		return err
	}
	if err := printResponse(resp); err != nil {
		return err
	}
	if submitErr != nil {
		return submitErr
	}
	if len(report.Applied) == 0 && len(report.Rejected) > 0 {
		r := report.Rejected[0]
		return errors.New(r.Code, r.EventID, "no event was applied", r.Err)
	}
	return nil
}

// ValidationResultCLI is the validation outcome of one event
type ValidationResultCLI struct {
	EventID string           `json:"eventId" yaml:"eventId"`
	Valid   bool             `json:"valid" yaml:"valid"`
	Code    errors.ErrorCode `json:"code,omitempty" yaml:"code,omitempty"`
	Message string           `json:"message,omitempty" yaml:"message,omitempty"`
}

// ValidateResponseCLI is the result of aevo validate
type ValidateResponseCLI struct {
	Results []ValidationResultCLI `json:"results" yaml:"results"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	events, err := readEvents(args)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	errs, err := e.mgr.ValidateBatch(ctx, events)
	if err != nil {
		return err
	}
	resp := &ValidateResponseCLI{Results: make([]ValidationResultCLI, len(events))}
	invalid := 0
	for i, ev := range events {
		r := ValidationResultCLI{EventID: ev.ID, Valid: errs[i] == nil}
		if errs[i] != nil {
			invalid++
			r.Code = errors.CodeOf(errs[i])
			r.Message = errs[i].Error()
		}
		resp.Results[i] = r
	}
	if err := printResponse(resp); err != nil {
		return err
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d events are invalid", invalid, len(events))
	}
	return nil
}

// ConflictsResponseCLI is the result of aevo conflicts
type ConflictsResponseCLI struct {
	Conflicts []manager.Conflict `json:"conflicts" yaml:"conflicts"`
}

func runConflicts(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	events, err := readEvents(args)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	conflicts, err := e.mgr.DetectConflicts(ctx, events)
	if err != nil {
		return err
	}
	if conflicts == nil {
		conflicts = []manager.Conflict{}
	}
	return printResponse(&ConflictsResponseCLI{Conflicts: conflicts})
}

// MergeResponseCLI is the result of aevo merge
type MergeResponseCLI struct {
	Event  event.Event         `json:"event" yaml:"event"`
	Report manager.MergeReport `json:"report" yaml:"report"`
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	events, err := readEvents(args)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	merged, report, err := e.mgr.MergeEvents(ctx, events)
	if err != nil {
		return err
	}
	return printResponse(&MergeResponseCLI{Event: merged, Report: report})
}
