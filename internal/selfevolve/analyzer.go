// Package selfevolve finds improvement opportunities in the committed rule
// set and feeds proposals for them through the same pipeline as external
// submissions.
package selfevolve

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"aevo/internal/grammar"
	"aevo/internal/knowledge"
)

// OpportunityKind classifies an opportunity.
type OpportunityKind string

const (
	Duplicate    OpportunityKind = "duplicate"
	Complexity   OpportunityKind = "complexity"
	Simplifiable OpportunityKind = "simplifiable"
	Underused    OpportunityKind = "underused"
)

// Opportunity is one finding of an analyzer. Rules lists the affected
// rule names; for duplicates the first is kept and the second dropped.
type Opportunity struct {
	Kind       OpportunityKind `json:"kind"`
	Rules      []string        `json:"rules"`
	Score      float64         `json:"score"`
	Detail     string          `json:"detail,omitempty"`
	Analyzer   string          `json:"analyzer"`
	SnapshotID string          `json:"snapshotId,omitempty"`
}

func (o Opportunity) key() string {
	return string(o.Kind) + "\x00" + strings.Join(o.Rules, "\x00")
}

// Report is what an analyzer found in one snapshot.
type Report struct {
	Analyzer      string        `json:"analyzer"`
	SnapshotID    string        `json:"snapshotId"`
	Opportunities []Opportunity `json:"opportunities"`
}

// Analyzer inspects a snapshot. Implementations must not modify it.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, snap grammar.Snapshot) (Report, error)
}

// StructuralAnalyzer looks at the rules themselves: near-duplicate rules,
// complexity outliers and productions that can be simplified.
type StructuralAnalyzer struct {
	Graph              *knowledge.Graph
	DuplicateThreshold float64
	ComplexityZScore   float64
}

func (a *StructuralAnalyzer) Name() string { return "structural" }

func (a *StructuralAnalyzer) Analyze(ctx context.Context, snap grammar.Snapshot) (Report, error) {
	report := Report{Analyzer: a.Name(), SnapshotID: snap.ID, Opportunities: []Opportunity{}}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if a.Graph != nil && a.DuplicateThreshold > 0 {
		report.Opportunities = append(report.Opportunities, a.duplicates(snap)...)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if a.ComplexityZScore > 0 {
		report.Opportunities = append(report.Opportunities, a.outliers(snap)...)
	}
	for _, r := range snap.Rules {
		if r.Production.Simplifiable() {
			report.Opportunities = append(report.Opportunities, Opportunity{
				Kind:     Simplifiable,
				Rules:    []string{r.Name},
				Score:    1,
				Detail:   fmt.Sprintf("%s -> %s", r.Production, r.Production.Simplify()),
				Analyzer: a.Name(),
			})
		}
	}
	return report, nil
}

// duplicates pairs each rule with the similar rules the graph knows,
// reporting every pair once with the smaller name first.
func (a *StructuralAnalyzer) duplicates(snap grammar.Snapshot) []Opportunity {
	var out []Opportunity
	for _, name := range snap.Names() {
		matches, err := a.Graph.FindSimilar(knowledge.RuleID(name), a.DuplicateThreshold)
		if err != nil {
			continue
		}
		for _, m := range matches {
			other := m.Entity.Name
			if m.Entity.Kind != knowledge.KindRule || other <= name || !snap.Has(other) {
				continue
			}
			out = append(out, Opportunity{
				Kind:     Duplicate,
				Rules:    []string{name, other},
				Score:    m.Score,
				Detail:   fmt.Sprintf("%s and %s are %.0f%% similar", name, other, m.Score*100),
				Analyzer: a.Name(),
			})
		}
	}
	return out
}

// outliers reports rules whose size z-score reaches the threshold.
func (a *StructuralAnalyzer) outliers(snap grammar.Snapshot) []Opportunity {
	n := float64(len(snap.Rules))
	if n < 2 {
		return nil
	}
	var sum float64
	for _, r := range snap.Rules {
		sum += float64(r.Size())
	}
	mean := sum / n
	var sq float64
	for _, r := range snap.Rules {
		d := float64(r.Size()) - mean
		sq += d * d
	}
	sd := math.Sqrt(sq / n)
	if sd == 0 {
		return nil
	}

	var out []Opportunity
	for _, r := range snap.Rules {
		z := (float64(r.Size()) - mean) / sd
		if z >= a.ComplexityZScore {
			out = append(out, Opportunity{
				Kind:     Complexity,
				Rules:    []string{r.Name},
				Score:    z,
				Detail:   fmt.Sprintf("size %d, mean %.1f", r.Size(), mean),
				Analyzer: a.Name(),
			})
		}
	}
	return out
}

// sortOpportunities orders by kind, then rules, dropping exact repeats.
func sortOpportunities(opps []Opportunity) []Opportunity {
	sort.SliceStable(opps, func(i, j int) bool { return opps[i].key() < opps[j].key() })
	var out []Opportunity
	for _, o := range opps {
		if len(out) > 0 && o.key() == out[len(out)-1].key() {
			continue
		}
		out = append(out, o)
	}
	return out
}
