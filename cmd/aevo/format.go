package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aevo/internal/manager"
	"aevo/internal/rulestore"
	"aevo/internal/selfevolve"
	"aevo/internal/tracker"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
	FormatHuman OutputFormat = "human"
)

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatYAML:
		return formatYAML(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// printResponse writes resp to stdout in the format chosen by --format
func printResponse(resp interface{}) error {
	output, err := FormatResponse(resp, OutputFormat(formatFlag))
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Println(output)
	return nil
}

// formatJSON formats the response as JSON
func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// formatYAML formats the response as YAML
func formatYAML(resp interface{}) (string, error) {
	data, err := yaml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// formatHuman formats the response in human-readable format
func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *SubmitResponseCLI:
		return formatSubmitHuman(v), nil
	case *ValidateResponseCLI:
		return formatValidateHuman(v), nil
	case *ConflictsResponseCLI:
		return formatConflictsHuman(v), nil
	case *SnapshotResponseCLI:
		return formatSnapshotHuman(v), nil
	case *HistoryResponseCLI:
		return formatHistoryHuman(v), nil
	case *tracker.TreeNode:
		return formatTreeHuman(v), nil
	case *SimilarResponseCLI:
		return formatSimilarHuman(v), nil
	case *rulestore.CommitResult:
		return formatCommitHuman(v), nil
	case *selfevolve.Cycle:
		return formatCycleHuman(v), nil
	case *selfevolve.Reflection:
		return formatReflectionHuman(v), nil
	default:
		// For unknown types, fall back to JSON
		return formatJSON(resp)
	}
}

func formatSubmitHuman(resp *SubmitResponseCLI) string {
	var b strings.Builder
	r := resp.Report

	b.WriteString(fmt.Sprintf("Submitted %d events: %d accepted, %d applied, %d rejected\n",
		resp.Submitted, len(r.Accepted), len(r.Applied), len(r.Rejected)))
	for _, id := range resp.Rebased {
		b.WriteString(fmt.Sprintf("  ~ rebased %s\n", id))
	}
	for _, c := range r.Commits {
		b.WriteString(fmt.Sprintf("  + %s (from %s, %d rules, %s)\n", c.SnapshotID, c.PreviousHead, c.RuleCount, short(c.Digest)))
	}
	for _, m := range r.Merges {
		b.WriteString(fmt.Sprintf("  * merged %s into %s\n", strings.Join(m.Sources, ", "), m.MergedID))
		for _, res := range m.Resolutions {
			b.WriteString(fmt.Sprintf("      %s: %s wins over %s\n", strings.Join(res.Rules, ","), res.Winner, strings.Join(res.Losers, ", ")))
		}
	}
	for _, id := range r.Superseded {
		b.WriteString(fmt.Sprintf("  - superseded %s\n", id))
	}
	for _, rej := range r.Rejected {
		b.WriteString(fmt.Sprintf("  ! %s [%s] %s\n", rej.EventID, rej.Code, rej.Message))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatValidateHuman(resp *ValidateResponseCLI) string {
	var b strings.Builder
	for _, r := range resp.Results {
		if r.Valid {
			b.WriteString(fmt.Sprintf("ok    %s\n", r.EventID))
			continue
		}
		b.WriteString(fmt.Sprintf("FAIL  %s [%s] %s\n", r.EventID, r.Code, r.Message))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatConflictsHuman(resp *ConflictsResponseCLI) string {
	if len(resp.Conflicts) == 0 {
		return "No conflicts"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%d conflicts\n", len(resp.Conflicts)))
	for _, c := range resp.Conflicts {
		line := fmt.Sprintf("  %-8s %s <> %s on %s", c.Kind, c.EventA, c.EventB, strings.Join(c.Rules, ", "))
		if c.Kind == manager.Semantic {
			line += fmt.Sprintf(" (%.0f%% similar)", c.Similarity*100)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSnapshotHuman(resp *SnapshotResponseCLI) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Snapshot %s (%d rules, digest %s)\n", resp.ID, len(resp.Rules), short(resp.Digest)))
	b.WriteString(strings.Repeat("=", 60) + "\n")
	for _, r := range resp.Rules {
		b.WriteString(fmt.Sprintf("  %-24s %s => %s\n", r.Name, r.Pattern, r.Production))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatHistoryHuman(resp *HistoryResponseCLI) string {
	if len(resp.Events) == 0 {
		return "No events"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-36s  %-10s  %-22s  %-36s  %s\n", "ID", "STATUS", "TYPE", "PARENT", "TIMESTAMP"))
	for _, e := range resp.Events {
		b.WriteString(fmt.Sprintf("%-36s  %-10s  %-22s  %-36s  %s\n",
			e.ID, e.Status, e.Type, e.Parent, e.Timestamp.Format("2006-01-02 15:04:05")))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatTreeHuman(root *tracker.TreeNode) string {
	var b strings.Builder
	var walk func(n *tracker.TreeNode, prefix string, last bool, top bool)
	walk = func(n *tracker.TreeNode, prefix string, last bool, top bool) {
		label := n.ID
		if n.Type != "" {
			label += fmt.Sprintf(" [%s, %s]", n.Type, n.Status)
		}
		child := prefix
		switch {
		case top:
			b.WriteString(label + "\n")
		case last:
			b.WriteString(prefix + "└── " + label + "\n")
			child += "    "
		default:
			b.WriteString(prefix + "├── " + label + "\n")
			child += "│   "
		}
		for i, c := range n.Children {
			walk(c, child, i == len(n.Children)-1, false)
		}
	}
	walk(root, "", true, true)
	return strings.TrimRight(b.String(), "\n")
}

func formatSimilarHuman(resp *SimilarResponseCLI) string {
	var b strings.Builder
	if resp.Related != nil {
		b.WriteString(fmt.Sprintf("Related to %s (%d iterations)\n", resp.Rule, resp.Related.Iterations))
		for _, r := range resp.Related.Results {
			b.WriteString(fmt.Sprintf("  %.4f  %-10s %s\n", r.Score, r.Kind, r.EntityID))
		}
		return strings.TrimRight(b.String(), "\n")
	}
	if len(resp.Matches) == 0 {
		return fmt.Sprintf("No rules similar to %s at %.2f", resp.Rule, resp.Threshold)
	}
	b.WriteString(fmt.Sprintf("Rules similar to %s (threshold %.2f)\n", resp.Rule, resp.Threshold))
	for _, m := range resp.Matches {
		b.WriteString(fmt.Sprintf("  %.3f  %s\n", m.Score, m.Name))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatCommitHuman(c *rulestore.CommitResult) string {
	return fmt.Sprintf("%s: head %s -> %s (%d rules, digest %s)", c.Kind, c.PreviousHead, c.SnapshotID, c.RuleCount, short(c.Digest))
}

func formatCycleHuman(c *selfevolve.Cycle) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Cycle %s %s in %s\n", c.ID, c.Status, c.Duration().Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("  opportunities: %d\n", c.Opportunities))
	b.WriteString(fmt.Sprintf("  proposed: %d, accepted: %d, rejected: %d\n", c.Proposed, c.Accepted, c.Rejected))
	if len(c.Applied) > 0 {
		b.WriteString(fmt.Sprintf("  applied: %s\n", strings.Join(c.Applied, ", ")))
	}
	if c.Error != "" {
		b.WriteString(fmt.Sprintf("  error: %s\n", c.Error))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatReflectionHuman(r *selfevolve.Reflection) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Head %s (%d rules)\n", r.Head, r.HeadRules))
	b.WriteString(fmt.Sprintf("Events: %d total, %d in the last week\n", r.TotalEvents, r.LastWeek))
	writeCounts(&b, "By type", r.ByType)
	writeCounts(&b, "By trigger", r.BySource)
	writeCounts(&b, "By status", r.ByStatus)
	b.WriteString(fmt.Sprintf("Knowledge: %d entities (%d stale), %d relations\n", r.KnowledgeNodes, r.StaleNodes, r.KnowledgeRelations))
	return strings.TrimRight(b.String(), "\n")
}

func writeCounts[K ~string](b *strings.Builder, title string, counts map[K]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	b.WriteString(title + ":\n")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("  %-24s %d\n", k, counts[K(k)]))
	}
}

// short truncates digests for display
func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
