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
	"aevo/internal/knowledge"
	"aevo/internal/rulestore"
	"aevo/internal/slogutil"
	"aevo/internal/testutil"
	"aevo/internal/tracker"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func ev(id string, minute int, base string, d grammar.Delta) event.Event {
	return event.Event{
		ID:          id,
		Timestamp:   t0.Add(time.Duration(minute) * time.Minute),
		Type:        event.SyntaxEvolution,
		BaseVersion: base,
		Delta:       d,
		Trigger:     event.Trigger{Source: event.Manual},
		Metrics:     event.Metrics{Confidence: 0.5},
	}
}

func withMetrics(e event.Event, perf, compat, conf float64) event.Event {
	e.Metrics = event.Metrics{PerformanceImprovement: perf, CompatibilityImpact: compat, Confidence: conf}
	return e
}

func add(rules ...grammar.Rule) grammar.Delta { return grammar.Delta{Added: rules} }

func modify(old string, r grammar.Rule) grammar.Delta {
	return grammar.Delta{Modified: []grammar.Modification{{OldName: old, Rule: r}}}
}

func remove(names ...string) grammar.Delta { return grammar.Delta{Removed: names} }

func newManager(t *testing.T, root grammar.Snapshot, opts Options) *Manager {
	t.Helper()
	return newManagerWithStore(t, root, rulestore.NewMemoryStore(root), opts)
}

func newManagerWithStore(t *testing.T, root grammar.Snapshot, store rulestore.Store, opts Options) *Manager {
	t.Helper()
	logger := slogutil.NewDiscardLogger()
	graph := knowledge.New(knowledge.DefaultOptions())
	if err := graph.Sync(root); err != nil {
		t.Fatalf("graph.Sync failed: %v", err)
	}
	return New(tracker.New(root, graph, logger), graph, store, opts, logger)
}

func headSnapshot(t *testing.T, m *Manager) grammar.Snapshot {
	t.Helper()
	ctx := context.Background()
	head, err := m.Store().CurrentHead(ctx)
	if err != nil {
		t.Fatalf("CurrentHead failed: %v", err)
	}
	snap, err := m.Store().Snapshot(ctx, head)
	if err != nil {
		t.Fatalf("Snapshot(%s) failed: %v", head, err)
	}
	return snap
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		weights ScoreWeights
		metrics event.Metrics
		want    float64
	}{
		{"default weights", DefaultScoreWeights(), event.Metrics{PerformanceImprovement: 1, CompatibilityImpact: 0.5, Confidence: 0.25}, 0.7},
		{"negative impact", DefaultScoreWeights(), event.Metrics{PerformanceImprovement: -1, CompatibilityImpact: -1, Confidence: 0}, -0.8},
		{"confidence only", ScoreWeights{Confidence: 1}, event.Metrics{PerformanceImprovement: 1, Confidence: 0.3}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.weights, event.Event{Metrics: tt.metrics})
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptions_Defaults(t *testing.T) {
	m := newManager(t, testutil.Root(t), Options{})
	opts := m.Options()
	if opts.ScoreWeights != DefaultScoreWeights() {
		t.Errorf("ScoreWeights = %+v", opts.ScoreWeights)
	}
	if opts.SemanticThreshold != 0.8 {
		t.Errorf("SemanticThreshold = %v, want 0.8", opts.SemanticThreshold)
	}
	if opts.ValidationWorkers <= 0 || opts.BranchLockTimeout <= 0 {
		t.Errorf("Options = %+v", opts)
	}
}

func TestValidateEvent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})
	if _, err := m.Tracker().Record(ev("known", 0, grammar.RootID, add(testutil.Rule("R9")))); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	badMetrics := ev("e-metrics", 1, grammar.RootID, add(testutil.Rule("R4")))
	badMetrics.Metrics.Confidence = 2

	tests := []struct {
		name string
		ev   event.Event
		want errors.ErrorCode
	}{
		{"valid add", ev("e1", 1, grammar.RootID, add(testutil.Rule("R4"))), ""},
		{"valid on recorded base", ev("e2", 1, "known", remove("R9")), ""},
		{"valid modify and remove", ev("e3", 1, grammar.RootID, grammar.Delta{
			Modified: []grammar.Modification{{OldName: "R1", Rule: testutil.Rule("R1", "emit")}},
			Removed:  []string{"R2"},
		}), ""},
		{"rename", ev("e4", 1, grammar.RootID, modify("R1", testutil.Rule("print_stmt", "print"))), ""},
		{"metric out of range", badMetrics, errors.ValidationFailed},
		{"empty delta", ev("e5", 1, grammar.RootID, grammar.Delta{}), errors.ValidationFailed},
		{"unknown base", ev("e6", 1, "missing", add(testutil.Rule("R4"))), errors.VersionMismatch},
		{"modify unknown rule", ev("e7", 1, grammar.RootID, modify("R9", testutil.Rule("R9", "x"))), errors.ReferentialIntegrity},
		{"remove unknown rule", ev("e8", 1, grammar.RootID, remove("R9")), errors.ReferentialIntegrity},
		{"remove modified rule", ev("e9", 1, grammar.RootID, grammar.Delta{
			Modified: []grammar.Modification{{OldName: "R1", Rule: testutil.Rule("R1x")}},
			Removed:  []string{"R1"},
		}), errors.ReferentialIntegrity},
		{"add existing rule", ev("e10", 1, grammar.RootID, add(testutil.Rule("R1"))), errors.ValidationFailed},
		{"add twice", ev("e11", 1, grammar.RootID, add(testutil.Rule("R4"), testutil.Rule("R4", "y"))), errors.ValidationFailed},
		{"rename onto existing", ev("e12", 1, grammar.RootID, modify("R1", testutil.Rule("R2"))), errors.ValidationFailed},
		{"already recorded", ev("known", 1, grammar.RootID, add(testutil.Rule("R4"))), errors.ValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateEvent(ctx, tt.ev)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("ValidateEvent() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("ValidateEvent() = %v, want %s", err, tt.want)
			}
			if got := errors.EventIDOf(err); got != tt.ev.ID {
				t.Errorf("error event id = %q, want %q", got, tt.ev.ID)
			}
		})
	}
}

func TestValidateBatch_InputOrder(t *testing.T) {
	m := newManager(t, testutil.Root(t), Options{ValidationWorkers: 2})
	events := []event.Event{
		ev("a", 1, grammar.RootID, add(testutil.Rule("R4"))),
		ev("b", 2, grammar.RootID, remove("R9")),
		ev("c", 3, "nowhere", add(testutil.Rule("R5"))),
		ev("d", 4, grammar.RootID, remove("R1")),
	}
	results, err := m.ValidateBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("ValidateBatch failed: %v", err)
	}
	want := []errors.ErrorCode{"", errors.ReferentialIntegrity, errors.VersionMismatch, ""}
	for i, err := range results {
		got := errors.ErrorCode("")
		if err != nil {
			got = errors.CodeOf(err)
		}
		if got != want[i] {
			t.Errorf("results[%d] = %v, want %q", i, err, want[i])
		}
	}
}

// Scenario A: independent additions do not conflict and merge to a union.
func TestScenarioA_IndependentAdditions(t *testing.T) {
	ctx := context.Background()
	root := testutil.Snapshot(t, grammar.RootID, testutil.Rule("R1"))
	m := newManager(t, root, Options{})

	e1 := ev("E1", 1, grammar.RootID, add(testutil.Rule("R2")))
	e2 := ev("E2", 2, grammar.RootID, add(testutil.Rule("R3")))

	conflicts, err := m.DetectConflicts(ctx, []event.Event{e1, e2})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("DetectConflicts() = %+v, want none", conflicts)
	}

	merged, report, err := m.MergeEvents(ctx, []event.Event{e1, e2})
	if err != nil {
		t.Fatalf("MergeEvents failed: %v", err)
	}
	if len(report.Superseded) != 0 || !reflect.DeepEqual(report.Merged, []string{"E1", "E2"}) {
		t.Errorf("report = %+v", report)
	}
	snap, err := grammar.ApplyDelta(root, merged.Delta, merged.ID)
	if err != nil {
		t.Fatalf("ApplyDelta(merged) failed: %v", err)
	}
	if got, want := snap.Names(), []string{"R1", "R2", "R3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("merged rules = %v, want %v", got, want)
	}

	// The same outcome through the full pipeline.
	if _, err := m.Submit(ctx, []event.Event{e1, e2}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got, want := headSnapshot(t, m).Names(), []string{"R1", "R2", "R3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("head rules = %v, want %v", got, want)
	}
}

// Scenario B: competing modifications of the same rule; the better scored
// event wins.
func TestScenarioB_CompetingModifications(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	r1a := testutil.Rule("R1", "print", "value", "now")
	r1b := testutil.Rule("R1", "emit", "value")
	e3 := withMetrics(ev("E3", 2, grammar.RootID, modify("R1", r1a)), 1, 0.5, 0.25)
	e4 := withMetrics(ev("E4", 1, grammar.RootID, modify("R1", r1b)), 0.4, 0.5, 0.25)

	if s := m.Score(e3); math.Abs(s-0.7) > 1e-9 {
		t.Fatalf("Score(E3) = %v, want 0.7", s)
	}
	if s := m.Score(e4); math.Abs(s-0.4) > 1e-9 {
		t.Fatalf("Score(E4) = %v, want 0.4", s)
	}

	conflicts, err := m.DetectConflicts(ctx, []event.Event{e3, e4})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	want := []Conflict{{Kind: Direct, EventA: "E3", EventB: "E4", Rules: []string{"R1"}}}
	if !reflect.DeepEqual(conflicts, want) {
		t.Errorf("DetectConflicts() = %+v, want %+v", conflicts, want)
	}

	merged, report, err := m.MergeEvents(ctx, []event.Event{e4, e3})
	if err != nil {
		t.Fatalf("MergeEvents failed: %v", err)
	}
	if len(merged.Delta.Modified) != 1 || !reflect.DeepEqual(merged.Delta.Modified[0].Rule, r1a) {
		t.Errorf("merged delta = %+v, want the E3 modification only", merged.Delta)
	}
	wantRes := []Resolution{{Rules: []string{"R1"}, Winner: "E3", Losers: []string{"E4"}}}
	if !reflect.DeepEqual(report.Resolutions, wantRes) {
		t.Errorf("Resolutions = %+v, want %+v", report.Resolutions, wantRes)
	}
	if !reflect.DeepEqual(report.Superseded, []string{"E4"}) {
		t.Errorf("Superseded = %v, want [E4]", report.Superseded)
	}

	sub, err := m.Submit(ctx, []event.Event{e3, e4})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(sub.Rejected) != 0 {
		t.Errorf("Rejected = %+v", sub.Rejected)
	}
	got, _ := headSnapshot(t, m).Get("R1")
	if !reflect.DeepEqual(got, r1a) {
		t.Errorf("head R1 = %+v, want %+v", got, r1a)
	}
	for id, want := range map[string]event.Status{"E3": event.Merged, "E4": event.Superseded, merged.ID: event.Merged} {
		if s, _ := m.Tracker().Status(id); s != want {
			t.Errorf("Status(%s) = %s, want %s", id, s, want)
		}
	}
}

// Scenario C: a modification of a rule absent from the base never enters
// history.
func TestScenarioC_ReferentialIntegrity(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	bad := ev("E5", 1, grammar.RootID, modify("R9", testutil.Rule("R9", "x")))
	if err := m.ValidateEvent(ctx, bad); !errors.Is(err, errors.ReferentialIntegrity) {
		t.Fatalf("ValidateEvent() = %v, want %s", err, errors.ReferentialIntegrity)
	}

	report, err := m.Submit(ctx, []event.Event{bad})
	if !errors.Is(err, errors.ValidationFailed) {
		t.Errorf("Submit() error = %v, want %s", err, errors.ValidationFailed)
	}
	if len(report.Rejected) != 1 || report.Rejected[0].Code != errors.ReferentialIntegrity {
		t.Errorf("Rejected = %+v", report.Rejected)
	}
	if m.Tracker().Has("E5") {
		t.Error("rejected event entered history")
	}
	if head := headSnapshot(t, m); head.ID != grammar.RootID {
		t.Errorf("head = %s, want root", head.ID)
	}
}

func TestDetectConflicts_Semantic(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})

	e1 := ev("e1", 1, grammar.RootID, add(testutil.Rule("repeat_until", "repeat", "until")))
	e2 := ev("e2", 2, grammar.RootID, add(testutil.Rule("repeat_until_stmt", "repeat", "until")))

	conflicts, err := m.DetectConflicts(ctx, []event.Event{e2, e1})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("DetectConflicts() = %+v, want one conflict", conflicts)
	}
	c := conflicts[0]
	if c.Kind != Semantic || c.EventA != "e1" || c.EventB != "e2" {
		t.Errorf("conflict = %+v", c)
	}
	if want := []string{"repeat_until", "repeat_until_stmt"}; !reflect.DeepEqual(c.Rules, want) {
		t.Errorf("Rules = %v, want %v", c.Rules, want)
	}
	if want := (2.0/3 + 2) / 3; math.Abs(c.Similarity-want) > 1e-9 {
		t.Errorf("Similarity = %v, want %v", c.Similarity, want)
	}

	// Raising the threshold above the score removes the conflict.
	strict := newManager(t, testutil.Root(t), Options{SemanticThreshold: 0.95})
	conflicts, err = strict.DetectConflicts(ctx, []event.Event{e1, e2})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("DetectConflicts(strict) = %+v, want none", conflicts)
	}

	// The threshold is exclusive: a score equal to it is not a conflict.
	at := newManager(t, testutil.Root(t), Options{SemanticThreshold: c.Similarity})
	conflicts, err = at.DetectConflicts(ctx, []event.Event{e1, e2})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("DetectConflicts(threshold %v) = %+v, want none", c.Similarity, conflicts)
	}
}

func TestDetectConflicts_UsesBaseContentForRemovals(t *testing.T) {
	ctx := context.Background()
	root := testutil.Snapshot(t, grammar.RootID,
		testutil.Rule("while_loop", "while", "cond", "body"),
		testutil.Rule("R2", "other"),
	)
	m := newManager(t, root, Options{})

	// e1 removes a rule; e2 adds a near copy of it under another name.
	e1 := ev("e1", 1, grammar.RootID, remove("while_loop"))
	e2 := ev("e2", 2, grammar.RootID, add(testutil.Rule("while_loop_stmt", "while", "cond", "body")))

	conflicts, err := m.DetectConflicts(ctx, []event.Event{e1, e2})
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Kind != Semantic {
		t.Errorf("DetectConflicts() = %+v, want one semantic conflict", conflicts)
	}
}

func TestDetectConflicts_Symmetric(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})
	events := []event.Event{
		ev("a", 1, grammar.RootID, modify("R1", testutil.Rule("R1", "echo"))),
		ev("b", 2, grammar.RootID, remove("R1", "R2")),
		ev("c", 3, grammar.RootID, add(testutil.Rule("define_fn", "define", "function"))),
		ev("d", 4, grammar.RootID, add(testutil.Rule("R4", "return"))),
	}
	for i := range events {
		for j := range events {
			if i == j {
				continue
			}
			ab, err := m.DetectConflicts(ctx, []event.Event{events[i], events[j]})
			if err != nil {
				t.Fatalf("DetectConflicts failed: %v", err)
			}
			ba, err := m.DetectConflicts(ctx, []event.Event{events[j], events[i]})
			if err != nil {
				t.Fatalf("DetectConflicts failed: %v", err)
			}
			if !reflect.DeepEqual(ab, ba) {
				t.Errorf("DetectConflicts(%s,%s) = %+v, reversed = %+v", events[i].ID, events[j].ID, ab, ba)
			}
		}
	}
}

func TestDetectConflicts_Errors(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, testutil.Root(t), Options{})
	e := ev("a", 1, grammar.RootID, add(testutil.Rule("R4")))

	if _, err := m.DetectConflicts(ctx, []event.Event{e, e}); !errors.Is(err, errors.ValidationFailed) {
		t.Errorf("duplicate ids: error = %v, want %s", err, errors.ValidationFailed)
	}
	lost := ev("b", 1, "nowhere", add(testutil.Rule("R5")))
	if _, err := m.DetectConflicts(ctx, []event.Event{e, lost}); !errors.Is(err, errors.VersionMismatch) {
		t.Errorf("unknown base: error = %v, want %s", err, errors.VersionMismatch)
	}
}
