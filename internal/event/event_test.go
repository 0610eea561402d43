package event

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"aevo/internal/errors"
	"aevo/internal/grammar"
	"aevo/internal/testutil"
)

func sample() Event {
	return Event{
		ID:          "e1",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Type:        SyntaxEvolution,
		BaseVersion: grammar.RootID,
		Delta: grammar.Delta{
			Added:       []grammar.Rule{testutil.Rule("R4", "repeat")},
			Modified:    []grammar.Modification{{OldName: "R1", Rule: testutil.Rule("R1", "show", "value")}},
			Removed:     []string{"R2"},
			Description: "rename print to show",
		},
		Trigger: Trigger{Source: Manual, Conditions: []string{"review"}},
		Metrics: Metrics{PerformanceImprovement: 0.2, CompatibilityImpact: -0.1, Confidence: 0.9},
	}
}

func TestNew(t *testing.T) {
	d := grammar.Delta{Added: []grammar.Rule{testutil.Rule("R4")}}
	a := New(SemanticEvolution, grammar.RootID, d, Trigger{Source: Manual}, Metrics{Confidence: 1})
	b := New(SemanticEvolution, grammar.RootID, d, Trigger{Source: Manual}, Metrics{Confidence: 1})

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids = %q, %q, want distinct non-empty", a.ID, b.ID)
	}
	if a.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", a.Timestamp.Location())
	}
	d.Added[0].Name = "changed"
	if a.Delta.Added[0].Name != "R4" {
		t.Error("New shares the delta with the caller")
	}
	if err := Validate(a); err != nil {
		t.Errorf("Validate(New(...)) = %v", err)
	}
}

func TestTouchedClaimed(t *testing.T) {
	e := sample()

	if got, want := e.Touched(), []string{"R1", "R2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Touched() = %v, want %v", got, want)
	}
	if got, want := e.Claimed(), []string{"R1", "R2", "R4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Claimed() = %v, want %v", got, want)
	}

	e.Delta.Modified[0].Rule.Name = "R9"
	if got, want := e.Touched(), []string{"R1", "R2", "R9"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Touched() with rename = %v, want %v", got, want)
	}
}

func TestBeforeAndSort(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []Event{
		{ID: "b", Timestamp: t0},
		{ID: "c", Timestamp: t0.Add(-time.Second)},
		{ID: "a", Timestamp: t0},
	}
	Sort(events)

	var ids []string
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	if want := []string{"c", "a", "b"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Sort order = %v, want %v", ids, want)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{Draft, Validated, true},
		{Draft, Rejected, true},
		{Draft, Merged, false},
		{Validated, Merged, true},
		{Validated, Superseded, true},
		{Validated, Rejected, true},
		{Merged, Rejected, false},
		{Superseded, Merged, false},
		{Rejected, Validated, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if Draft.Terminal() || !Merged.Terminal() {
		t.Error("Terminal() misclassifies states")
	}
}

func TestClone(t *testing.T) {
	e := sample()
	c := e.Clone()
	c.Delta.Removed[0] = "X"
	c.Trigger.Conditions[0] = "Y"
	c.Delta.Added[0].Pattern[0].Value = "Z"

	if e.Delta.Removed[0] != "R2" || e.Trigger.Conditions[0] != "review" || e.Delta.Added[0].Pattern[0].Value != "repeat" {
		t.Error("Clone shares state with the original")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantMsg string
	}{
		{"valid", func(*Event) {}, ""},
		{"missing id", func(e *Event) { e.ID = "" }, "ID is required"},
		{"root id", func(e *Event) { e.ID = grammar.RootID }, "not a valid event id"},
		{"path in id", func(e *Event) { e.ID = "../x" }, "not a valid event id"},
		{"missing timestamp", func(e *Event) { e.Timestamp = time.Time{} }, "Timestamp is required"},
		{"bad type", func(e *Event) { e.Type = "Refactor" }, "Type"},
		{"missing base", func(e *Event) { e.BaseVersion = "" }, "BaseVersion is required"},
		{"bad source", func(e *Event) { e.Trigger.Source = "Cron" }, "Trigger.Source"},
		{"duplicate condition", func(e *Event) { e.Trigger.Conditions = []string{"a", "a"} }, "duplicates"},
		{"performance out of range", func(e *Event) { e.Metrics.PerformanceImprovement = 1.5 }, "PerformanceImprovement"},
		{"negative confidence", func(e *Event) { e.Metrics.Confidence = -0.1 }, "Confidence"},
		{"duplicate removal", func(e *Event) { e.Delta.Removed = []string{"R2", "R2"} }, `"R2" more than once`},
		{"missing old name", func(e *Event) { e.Delta.Modified[0].OldName = "" }, "old_name"},
		{"empty delta", func(e *Event) { e.Delta = grammar.Delta{Description: "nothing"} }, "delta is empty"},
		{"bad rule", func(e *Event) { e.Delta.Added[0].Pattern = nil }, "empty pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sample()
			tt.mutate(&e)
			err := Validate(e)
			if tt.wantMsg == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantMsg)
			}
			if !errors.Is(err, errors.ValidationFailed) {
				t.Errorf("code = %s, want %s", errors.CodeOf(err), errors.ValidationFailed)
			}
			if errors.EventIDOf(err) != e.ID {
				t.Errorf("event id = %q, want %q", errors.EventIDOf(err), e.ID)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() = %v, want containing %q", err, tt.wantMsg)
			}
		})
	}
}
