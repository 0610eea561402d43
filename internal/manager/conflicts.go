package manager

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/metrics"
)

// ConflictKind distinguishes name clashes from near-duplicate proposals.
type ConflictKind string

const (
	// Direct: same base version and a rule name claimed by both events.
	Direct ConflictKind = "direct"
	// Semantic: differently named rules that are near duplicates.
	Semantic ConflictKind = "semantic"
)

// Conflict is a pair of events that cannot both be applied as is.
// EventA sorts before EventB and Rules is sorted.
type Conflict struct {
	Kind       ConflictKind `json:"kind"`
	EventA     string       `json:"eventA"`
	EventB     string       `json:"eventB"`
	Rules      []string     `json:"rules"`
	Similarity float64      `json:"similarity,omitempty"`
}

func (c Conflict) less(o Conflict) bool {
	if c.EventA != o.EventA {
		return c.EventA < o.EventA
	}
	if c.EventB != o.EventB {
		return c.EventB < o.EventB
	}
	if c.Kind != o.Kind {
		return c.Kind < o.Kind
	}
	return strings.Join(c.Rules, "\x00") < strings.Join(o.Rules, "\x00")
}

// proposal is an event plus the rule content it touches.
type proposal struct {
	ev      event.Event
	claimed []string
	content []grammar.Rule
}

// DetectConflicts compares every pair of events. The output does not
// depend on input order.
func (m *Manager) DetectConflicts(ctx context.Context, events []event.Event) ([]Conflict, error) {
	props, err := m.proposals(ctx, events)
	if err != nil {
		return nil, err
	}

	rows := make([][]Conflict, len(props))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ValidationWorkers)
	for i := range props {
		g.Go(func() error {
			for j := i + 1; j < len(props); j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				rows[i] = append(rows[i], m.compare(props[i], props[j])...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []Conflict{}
	for _, row := range rows {
		out = append(out, row...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	for _, c := range out {
		metrics.RecordConflict(string(c.Kind))
	}
	return out, nil
}

// proposals resolves the content of every event's touched rules. Names
// without content in the delta are looked up in the event's base snapshot.
func (m *Manager) proposals(ctx context.Context, events []event.Event) ([]proposal, error) {
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if seen[e.ID] {
			return nil, errors.Newf(errors.ValidationFailed, e.ID, "event appears more than once")
		}
		seen[e.ID] = true
	}

	var (
		mu    sync.Mutex
		bases = make(map[string]grammar.Snapshot)
	)
	baseOf := func(id string) (grammar.Snapshot, error) {
		mu.Lock()
		snap, ok := bases[id]
		mu.Unlock()
		if ok {
			return snap, nil
		}
		snap, err := m.snapshot(ctx, id)
		if err != nil {
			return grammar.Snapshot{}, err
		}
		mu.Lock()
		bases[id] = snap
		mu.Unlock()
		return snap, nil
	}

	props := make([]proposal, len(events))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ValidationWorkers)
	for i, e := range events {
		g.Go(func() error {
			base, err := baseOf(e.BaseVersion)
			if err != nil {
				return tag(err, e.ID)
			}
			props[i] = proposal{ev: e, claimed: e.Claimed(), content: contentRules(e, base)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return props, nil
}

// contentRules returns the rules an event carries followed by the base
// content of the names it modifies or removes.
func contentRules(e event.Event, base grammar.Snapshot) []grammar.Rule {
	out := e.Delta.Rules()
	for _, m := range e.Delta.Modified {
		if r, ok := base.Get(m.OldName); ok {
			out = append(out, r)
		}
	}
	for _, name := range e.Delta.Removed {
		if r, ok := base.Get(name); ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) compare(a, b proposal) []Conflict {
	if b.ev.ID < a.ev.ID {
		a, b = b, a
	}
	var out []Conflict

	if a.ev.BaseVersion == b.ev.BaseVersion {
		if shared := intersect(a.claimed, b.claimed); len(shared) > 0 {
			out = append(out, Conflict{Kind: Direct, EventA: a.ev.ID, EventB: b.ev.ID, Rules: shared})
		}
	}

	names := make(map[string]bool)
	best := 0.0
	for _, ra := range a.content {
		for _, rb := range b.content {
			if ra.Name == rb.Name {
				continue
			}
			if s := m.similarity(ra, rb); s > m.opts.SemanticThreshold {
				names[ra.Name] = true
				names[rb.Name] = true
				if s > best {
					best = s
				}
			}
		}
	}
	if len(names) > 0 {
		rules := make([]string, 0, len(names))
		for n := range names {
			rules = append(rules, n)
		}
		sort.Strings(rules)
		out = append(out, Conflict{Kind: Semantic, EventA: a.ev.ID, EventB: b.ev.ID, Rules: rules, Similarity: best})
	}
	return out
}

// intersect returns the names present in both sorted slices.
func intersect(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
