// Package testutil provides shared fixtures for tests of the evolution core.
package testutil

import (
	"testing"

	"aevo/internal/grammar"
)

// Rule builds a valid rule matching the given keywords and producing a
// sequence of the same literals.
func Rule(name string, keywords ...string) grammar.Rule {
	if len(keywords) == 0 {
		keywords = []string{name}
	}
	pattern := make([]grammar.Symbol, len(keywords))
	items := make([]grammar.Template, len(keywords))
	for i, k := range keywords {
		pattern[i] = grammar.Symbol{Kind: grammar.SymbolKeyword, Value: k}
		items[i] = grammar.Lit(k)
	}
	return grammar.Rule{Name: name, Pattern: pattern, Production: grammar.Seq(items...)}
}

// RefRule builds a rule whose production references other rules.
func RefRule(name string, refs ...string) grammar.Rule {
	items := make([]grammar.Template, len(refs))
	for i, r := range refs {
		items[i] = grammar.Ref(r)
	}
	return grammar.Rule{
		Name:       name,
		Pattern:    []grammar.Symbol{{Kind: grammar.SymbolIdentifier, Value: name}},
		Production: grammar.Seq(items...),
	}
}

// Snapshot builds a snapshot, failing the test on duplicate names.
func Snapshot(t testing.TB, id string, rules ...grammar.Rule) grammar.Snapshot {
	t.Helper()
	snap, err := grammar.NewSnapshot(id, rules)
	if err != nil {
		t.Fatalf("build snapshot %s: %v", id, err)
	}
	return snap
}

// Root returns a root snapshot with three unrelated rules R1, R2 and R3.
func Root(t testing.TB) grammar.Snapshot {
	t.Helper()
	return Snapshot(t, grammar.RootID,
		Rule("R1", "print", "value"),
		Rule("R2", "loop", "while", "body"),
		Rule("R3", "define", "function"),
	)
}
