package manager

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/testutil"
)

func permutations(events []event.Event) [][]event.Event {
	if len(events) <= 1 {
		return [][]event.Event{append([]event.Event(nil), events...)}
	}
	var out [][]event.Event
	for i := range events {
		rest := make([]event.Event, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]event.Event{events[i]}, p...))
		}
	}
	return out
}

func TestMergeEvents_PermutationDeterministic(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	events := []event.Event{
		withMetrics(ev("a", 1, grammar.RootID, modify("R1", testutil.Rule("R1", "echo"))), 0.2, 0, 0.5),
		withMetrics(ev("b", 1, grammar.RootID, grammar.Delta{
			Modified: []grammar.Modification{{OldName: "R1", Rule: testutil.Rule("R1", "say")}},
			Added:    []grammar.Rule{testutil.Rule("R5", "yield")},
		}), 0.2, 0, 0.5),
		ev("c", 2, grammar.RootID, remove("R2")),
		ev("d", 3, grammar.RootID, add(testutil.Rule("R4", "return"))),
	}

	var first event.Event
	var firstReport MergeReport
	for i, perm := range permutations(events) {
		merged, report, err := m.MergeEvents(ctx, perm)
		if err != nil {
			t.Fatalf("MergeEvents failed: %v", err)
		}
		if i == 0 {
			first, firstReport = merged, report
			continue
		}
		if !reflect.DeepEqual(merged, first) {
			t.Fatalf("permutation %d: merged = %+v, want %+v", i, merged, first)
		}
		if !reflect.DeepEqual(report, firstReport) {
			t.Fatalf("permutation %d: report = %+v, want %+v", i, report, firstReport)
		}
	}

	// a and b tie on score and timestamp; the smaller id wins R1 and b's
	// uncontested addition survives.
	if len(first.Delta.Modified) != 1 || first.Delta.Modified[0].Rule.Pattern[0].Value != "echo" {
		t.Errorf("Modified = %+v, want a's change", first.Delta.Modified)
	}
	wantAdded := []string{"R5", "R4"}
	var gotAdded []string
	for _, r := range first.Delta.Added {
		gotAdded = append(gotAdded, r.Name)
	}
	if !reflect.DeepEqual(gotAdded, wantAdded) {
		t.Errorf("Added = %v, want %v", gotAdded, wantAdded)
	}
	if !reflect.DeepEqual(first.Delta.Removed, []string{"R2"}) {
		t.Errorf("Removed = %v, want [R2]", first.Delta.Removed)
	}
	if !reflect.DeepEqual(firstReport.Superseded, []string{"b"}) || firstReport.Dropped != 1 {
		t.Errorf("Superseded = %v, Dropped = %d", firstReport.Superseded, firstReport.Dropped)
	}
	wantComponents := [][]string{{"a", "b"}, {"c"}, {"d"}}
	if !reflect.DeepEqual(firstReport.Components, wantComponents) {
		t.Errorf("Components = %v, want %v", firstReport.Components, wantComponents)
	}
}

func TestMergeEvents_CommutativeWithoutConflicts(t *testing.T) {
	ctx := context.Background()
	root := testutil.Root(t)
	m := newManager(t, root, Options{})

	events := []event.Event{
		ev("e1", 1, grammar.RootID, add(testutil.Rule("R4", "return"))),
		ev("e2", 2, grammar.RootID, remove("R2")),
		ev("e3", 3, grammar.RootID, modify("R3", testutil.Rule("R3", "define", "procedure"))),
	}
	conflicts, err := m.DetectConflicts(ctx, events)
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("DetectConflicts() = %+v, want none", conflicts)
	}

	merged, _, err := m.MergeEvents(ctx, events)
	if err != nil {
		t.Fatalf("MergeEvents failed: %v", err)
	}
	got, err := grammar.ApplyDelta(root, merged.Delta, "merged")
	if err != nil {
		t.Fatalf("ApplyDelta(merged) failed: %v", err)
	}

	for _, perm := range permutations(events) {
		snap := root
		for _, e := range perm {
			snap, err = grammar.ApplyDelta(snap, e.Delta, e.ID)
			if err != nil {
				t.Fatalf("ApplyDelta(%s) failed: %v", e.ID, err)
			}
		}
		if snap.Digest() != got.Digest() {
			t.Errorf("sequential %v = %v, merged = %v", ids(perm), snap.Names(), got.Names())
		}
	}
}

func ids(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestMergeEvents_SemanticDuplicateKeepsBest(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	low := withMetrics(ev("e1", 1, grammar.RootID, add(testutil.Rule("repeat_until", "repeat", "until"))), 0, 0, 0.1)
	high := withMetrics(ev("e2", 2, grammar.RootID, add(testutil.Rule("repeat_until_stmt", "repeat", "until"))), 0.5, 0, 0.9)

	merged, report, err := m.MergeEvents(ctx, []event.Event{low, high})
	if err != nil {
		t.Fatalf("MergeEvents failed: %v", err)
	}
	if len(merged.Delta.Added) != 1 || merged.Delta.Added[0].Name != "repeat_until_stmt" {
		t.Errorf("Added = %+v, want only repeat_until_stmt", merged.Delta.Added)
	}
	if !reflect.DeepEqual(report.Superseded, []string{"e1"}) {
		t.Errorf("Superseded = %v, want [e1]", report.Superseded)
	}
}

func TestMergeEvents_CompositeFields(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	a := ev("a", 1, grammar.RootID, add(testutil.Rule("R4", "return")))
	a.Trigger.Conditions = []string{"slow", "review"}
	a.Metrics = event.Metrics{PerformanceImprovement: 0.2, CompatibilityImpact: -0.4, Confidence: 0.6}
	a.Author = "ada"
	b := ev("b", 5, grammar.RootID, remove("R2"))
	b.Type = event.OptimizationEvolution
	b.Trigger = event.Trigger{Source: event.UsagePattern, Conditions: []string{"review", "hot"}}
	b.Metrics = event.Metrics{PerformanceImprovement: 0.4, CompatibilityImpact: 0, Confidence: 0.8}
	b.Author = "ada"

	merged, report, err := m.MergeEvents(ctx, []event.Event{b, a})
	if err != nil {
		t.Fatalf("MergeEvents failed: %v", err)
	}
	if merged.ID != MergeID([]string{"b", "a"}) || report.MergedID != merged.ID {
		t.Errorf("ID = %s, want %s", merged.ID, MergeID([]string{"a", "b"}))
	}
	if want := b.Timestamp.Add(time.Nanosecond); !merged.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", merged.Timestamp, want)
	}
	if merged.BaseVersion != grammar.RootID {
		t.Errorf("BaseVersion = %s, want root", merged.BaseVersion)
	}
	if merged.Type != event.Mixed {
		t.Errorf("Type = %s, want Mixed", merged.Type)
	}
	wantTrigger := event.Trigger{Source: event.Manual, Conditions: []string{"hot", "review", "slow"}}
	if !reflect.DeepEqual(merged.Trigger, wantTrigger) {
		t.Errorf("Trigger = %+v, want %+v", merged.Trigger, wantTrigger)
	}
	got := merged.Metrics
	if math.Abs(got.PerformanceImprovement-0.3) > 1e-9 || math.Abs(got.CompatibilityImpact+0.2) > 1e-9 || math.Abs(got.Confidence-0.7) > 1e-9 {
		t.Errorf("Metrics = %+v, want element-wise mean", got)
	}
	if merged.Author != "ada" {
		t.Errorf("Author = %q, want ada", merged.Author)
	}
	if err := event.Validate(merged); err != nil {
		t.Errorf("merged event is invalid: %v", err)
	}
}

func TestMergeEvents_CommonAncestorBase(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})
	tr := m.Tracker()

	p := ev("p", 1, grammar.RootID, add(testutil.Rule("R4", "return")))
	x := ev("x", 2, "p", add(testutil.Rule("R5", "yield")))
	y := ev("y", 3, "p", remove("R1"))
	for _, e := range []event.Event{p, x, y} {
		if _, err := tr.Record(e); err != nil {
			t.Fatalf("Record(%s) failed: %v", e.ID, err)
		}
	}

	a := ev("a", 4, "x", add(testutil.Rule("R6", "break")))
	b := ev("b", 5, "y", add(testutil.Rule("R7", "continue")))
	merged, _, err := m.MergeEvents(ctx, []event.Event{a, b})
	if err != nil {
		t.Fatalf("MergeEvents failed: %v", err)
	}
	if merged.BaseVersion != "p" {
		t.Errorf("BaseVersion = %s, want p", merged.BaseVersion)
	}
}

func TestMergeEvents_SingleAndEmpty(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	e := ev("only", 1, grammar.RootID, add(testutil.Rule("R4")))
	merged, report, err := m.MergeEvents(ctx, []event.Event{e})
	if err != nil {
		t.Fatalf("MergeEvents failed: %v", err)
	}
	if !reflect.DeepEqual(merged, e) {
		t.Errorf("merged = %+v, want the event unchanged", merged)
	}
	if report.MergedID != "only" || len(report.Conflicts) != 0 {
		t.Errorf("report = %+v", report)
	}

	if _, _, err := m.MergeEvents(ctx, nil); !errors.Is(err, errors.ValidationFailed) {
		t.Errorf("MergeEvents(nil) error = %v, want %s", err, errors.ValidationFailed)
	}
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(5)
	uf.union(3, 4)
	uf.union(4, 1)
	uf.union(0, 2)

	if uf.find(3) != 1 || uf.find(4) != 1 {
		t.Errorf("find(3) = %d, find(4) = %d, want 1", uf.find(3), uf.find(4))
	}
	if uf.find(2) != 0 {
		t.Errorf("find(2) = %d, want 0", uf.find(2))
	}
	if uf.find(0) == uf.find(1) {
		t.Error("0 and 1 should be in different sets")
	}
}
