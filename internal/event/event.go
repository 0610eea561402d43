// Package event defines evolution events: proposed, immutable changes to
// the rule set, with their trigger context, expected metrics and lifecycle.
package event

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"aevo/internal/grammar"
)

// Type classifies what an event changes.
type Type string

const (
	SyntaxEvolution       Type = "SyntaxEvolution"
	SemanticEvolution     Type = "SemanticEvolution"
	OptimizationEvolution Type = "OptimizationEvolution"
	BugFixEvolution       Type = "BugFixEvolution"
	Mixed                 Type = "Mixed"
)

// Types lists every event type.
var Types = []Type{SyntaxEvolution, SemanticEvolution, OptimizationEvolution, BugFixEvolution, Mixed}

// Source identifies what proposed an event.
type Source string

const (
	Manual                Source = "Manual"
	AutomaticOptimization Source = "AutomaticOptimization"
	UsagePattern          Source = "UsagePattern"
	SelfReflection        Source = "SelfReflection"
)

// Sources lists every trigger source.
var Sources = []Source{Manual, AutomaticOptimization, UsagePattern, SelfReflection}

// Trigger records why an event was proposed. Conditions is a set.
type Trigger struct {
	Source     Source   `json:"source" yaml:"source" validate:"required,oneof=Manual AutomaticOptimization UsagePattern SelfReflection"`
	Conditions []string `json:"conditions" yaml:"conditions" validate:"unique,dive,required"`
}

// Metrics are the expected effects of an event.
type Metrics struct {
	PerformanceImprovement float64 `json:"performance_improvement" yaml:"performance_improvement" validate:"gte=-1,lte=1"`
	CompatibilityImpact    float64 `json:"compatibility_impact" yaml:"compatibility_impact" validate:"gte=-1,lte=1"`
	Confidence             float64 `json:"confidence" yaml:"confidence" validate:"gte=0,lte=1"`
}

// Event is a proposed change against BaseVersion. An event's materialized
// snapshot carries the event id.
type Event struct {
	ID          string        `json:"id" yaml:"id" validate:"required,max=128,eventid"`
	Timestamp   time.Time     `json:"timestamp" yaml:"timestamp" validate:"required"`
	Type        Type          `json:"event_type" yaml:"event_type" validate:"required,oneof=SyntaxEvolution SemanticEvolution OptimizationEvolution BugFixEvolution Mixed"`
	BaseVersion string        `json:"base_version" yaml:"base_version" validate:"required"`
	Delta       grammar.Delta `json:"delta" yaml:"delta"`
	Trigger     Trigger       `json:"trigger" yaml:"trigger"`
	Metrics     Metrics       `json:"success_metrics" yaml:"success_metrics"`
	Author      string        `json:"author,omitempty" yaml:"author,omitempty"`
}

// New builds a Draft event with a random id and the current UTC time.
func New(typ Type, base string, delta grammar.Delta, trigger Trigger, metrics Metrics) Event {
	return Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Type:        typ,
		BaseVersion: base,
		Delta:       delta.Clone(),
		Trigger:     Trigger{Source: trigger.Source, Conditions: append([]string(nil), trigger.Conditions...)},
		Metrics:     metrics,
	}
}

// Before orders events by (Timestamp, ID).
func (e Event) Before(o Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.ID < o.ID
}

// Sort orders events by (Timestamp, ID) in place.
func Sort(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
}

// Touched returns the sorted rule names the event modifies or removes,
// including the new names of modified rules.
func (e Event) Touched() []string {
	set := make(map[string]bool)
	for _, m := range e.Delta.Modified {
		set[m.OldName] = true
		set[m.Rule.Name] = true
	}
	for _, name := range e.Delta.Removed {
		set[name] = true
	}
	return sortedKeys(set)
}

// Claimed returns Touched plus the names of added rules.
func (e Event) Claimed() []string {
	set := make(map[string]bool)
	for _, name := range e.Touched() {
		set[name] = true
	}
	for _, r := range e.Delta.Added {
		set[r.Name] = true
	}
	return sortedKeys(set)
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	c := e
	c.Delta = e.Delta.Clone()
	if e.Trigger.Conditions != nil {
		c.Trigger.Conditions = append([]string(nil), e.Trigger.Conditions...)
	}
	return c
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Status is the lifecycle state of a recorded event.
type Status string

const (
	Draft      Status = "Draft"
	Validated  Status = "Validated"
	Merged     Status = "Merged"
	Rejected   Status = "Rejected"
	Superseded Status = "Superseded"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Merged || s == Rejected || s == Superseded
}

// CanTransition reports whether a status may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case Draft:
		return next == Validated || next == Rejected
	case Validated:
		return next == Merged || next == Rejected || next == Superseded
	}
	return false
}
