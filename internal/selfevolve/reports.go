package selfevolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"aevo/internal/grammar"
)

// UsageReport is a usage statistics file written by the evaluator:
//
//	source = "evaluator"
//	[[rule]]
//	name = "print_stmt"
//	uses = 42
//	failures = 1
type UsageReport struct {
	Source string      `toml:"source"`
	Rules  []RuleUsage `toml:"rule"`
}

// RuleUsage counts how often a rule was exercised.
type RuleUsage struct {
	Name     string `toml:"name"`
	Uses     int    `toml:"uses"`
	Failures int    `toml:"failures,omitempty"`
}

// LoadUsageReports parses every *.toml file in dir, in name order.
// A missing directory holds no reports.
func LoadUsageReports(dir string) ([]UsageReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".toml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	reports := make([]UsageReport, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var r UsageReport
		if err := toml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// ReportDirAnalyzer flags rules the usage reports in Dir rarely or never
// see. Without any report it finds nothing.
type ReportDirAnalyzer struct {
	Dir                string
	UnderusedThreshold int
}

func (a *ReportDirAnalyzer) Name() string { return "usage" }

func (a *ReportDirAnalyzer) Analyze(ctx context.Context, snap grammar.Snapshot) (Report, error) {
	report := Report{Analyzer: a.Name(), SnapshotID: snap.ID, Opportunities: []Opportunity{}}
	if a.Dir == "" || a.UnderusedThreshold <= 0 {
		return report, nil
	}
	reports, err := LoadUsageReports(a.Dir)
	if err != nil {
		return report, err
	}
	if len(reports) == 0 {
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	uses := make(map[string]int)
	failures := make(map[string]int)
	for _, r := range reports {
		for _, u := range r.Rules {
			uses[u.Name] += u.Uses
			failures[u.Name] += u.Failures
		}
	}
	referenced := make(map[string]bool)
	for _, r := range snap.Rules {
		for _, ref := range r.References() {
			referenced[ref] = true
		}
	}

	threshold := float64(a.UnderusedThreshold)
	for _, r := range snap.Rules {
		n := uses[r.Name]
		if n >= a.UnderusedThreshold || referenced[r.Name] {
			continue
		}
		report.Opportunities = append(report.Opportunities, Opportunity{
			Kind:     Underused,
			Rules:    []string{r.Name},
			Score:    1 - float64(n)/threshold,
			Detail:   fmt.Sprintf("used %d times, %d failures across %d reports", n, failures[r.Name], len(reports)),
			Analyzer: a.Name(),
		})
	}
	return report, nil
}
