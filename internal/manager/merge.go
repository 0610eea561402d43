package manager

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/metrics"
)

// mergeNamespace scopes the name-based UUIDs of composite events.
var mergeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("aevo:merge"))

// MergeID is the id of the composite event merged from ids.
func MergeID(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return uuid.NewSHA1(mergeNamespace, []byte(strings.Join(sorted, "\n"))).String()
}

// Resolution records who won a contested group of rule names.
type Resolution struct {
	Rules  []string `json:"rules"`
	Winner string   `json:"winner"`
	Losers []string `json:"losers"`
}

// MergeReport explains a merge.
type MergeReport struct {
	MergedID    string       `json:"mergedId"`
	Base        string       `json:"base"`
	Sources     []string     `json:"sources"`
	Components  [][]string   `json:"components"`
	Conflicts   []Conflict   `json:"conflicts"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
	Merged      []string     `json:"merged"`
	Superseded  []string     `json:"superseded,omitempty"`
	Dropped     int          `json:"droppedEntries"`
}

// MergeEvents folds events into one composite event. A single event is
// returned unchanged. For every contested group of rule names the best
// ranked participant wins and the others' entries touching the group are
// dropped; everything uncontested is kept. The result is the same for any
// permutation of events.
func (m *Manager) MergeEvents(ctx context.Context, events []event.Event) (event.Event, MergeReport, error) {
	if len(events) == 0 {
		return event.Event{}, MergeReport{}, errors.Newf(errors.ValidationFailed, "", "nothing to merge")
	}
	sorted := make([]event.Event, len(events))
	for i, e := range events {
		sorted[i] = e.Clone()
	}
	event.Sort(sorted)

	if len(sorted) == 1 {
		e := sorted[0]
		return e, MergeReport{
			MergedID:   e.ID,
			Base:       e.BaseVersion,
			Sources:    []string{e.ID},
			Components: [][]string{{e.ID}},
			Conflicts:  []Conflict{},
			Merged:     []string{e.ID},
		}, nil
	}

	conflicts, err := m.DetectConflicts(ctx, sorted)
	if err != nil {
		return event.Event{}, MergeReport{}, err
	}

	pos := make(map[string]int, len(sorted))
	ids := make([]string, len(sorted))
	for i, e := range sorted {
		pos[e.ID] = i
		ids[i] = e.ID
	}

	report := MergeReport{
		MergedID:   MergeID(ids),
		Sources:    ids,
		Components: components(sorted, conflicts, pos),
		Conflicts:  conflicts,
	}

	lost := m.resolve(sorted, conflicts, pos, &report)

	var delta grammar.Delta
	removed := make(map[string]bool)
	var descriptions []string
	for i, e := range sorted {
		dropped := 0
		for _, mod := range e.Delta.Modified {
			if lost[i][mod.OldName] || lost[i][mod.Rule.Name] {
				dropped++
				continue
			}
			delta.Modified = append(delta.Modified, mod)
		}
		for _, r := range e.Delta.Added {
			if lost[i][r.Name] {
				dropped++
				continue
			}
			delta.Added = append(delta.Added, r)
		}
		for _, name := range e.Delta.Removed {
			if lost[i][name] {
				dropped++
				continue
			}
			if !removed[name] {
				removed[name] = true
				delta.Removed = append(delta.Removed, name)
			}
		}
		report.Dropped += dropped
		if dropped > 0 {
			report.Superseded = append(report.Superseded, e.ID)
		} else {
			report.Merged = append(report.Merged, e.ID)
		}
		if dropped == 0 && e.Delta.Description != "" {
			descriptions = append(descriptions, e.Delta.Description)
		}
	}
	if len(descriptions) == 0 {
		delta.Description = "merge of " + strings.Join(ids, ", ")
	} else {
		delta.Description = strings.Join(descriptions, "; ")
	}

	base, err := m.commonBase(sorted)
	if err != nil {
		return event.Event{}, MergeReport{}, err
	}
	report.Base = base

	merged := event.Event{
		ID:          report.MergedID,
		Timestamp:   sorted[len(sorted)-1].Timestamp.Add(time.Nanosecond),
		Type:        commonType(sorted),
		BaseVersion: base,
		Delta:       delta,
		Trigger:     commonTrigger(sorted),
		Metrics:     meanMetrics(sorted),
		Author:      commonAuthor(sorted),
	}
	metrics.RecordMerge(len(report.Superseded))
	m.logger.Debug("Merged events",
		"merged", merged.ID,
		"sources", len(ids),
		"conflicts", len(conflicts),
		"superseded", len(report.Superseded),
	)
	return merged, report, nil
}

// resolve picks a winner for every contested group and returns, per event
// position, the names that event lost.
func (m *Manager) resolve(sorted []event.Event, conflicts []Conflict, pos map[string]int, report *MergeReport) []map[string]bool {
	lost := make([]map[string]bool, len(sorted))
	for i := range lost {
		lost[i] = make(map[string]bool)
	}
	if len(conflicts) == 0 {
		return lost
	}

	// Names contested by the same conflict form one group.
	nameIdx := make(map[string]int)
	var names []string
	for _, c := range conflicts {
		for _, n := range c.Rules {
			if _, ok := nameIdx[n]; !ok {
				nameIdx[n] = len(names)
				names = append(names, n)
			}
		}
	}
	uf := newUnionFind(len(names))
	for _, c := range conflicts {
		for _, n := range c.Rules[1:] {
			uf.union(nameIdx[c.Rules[0]], nameIdx[n])
		}
	}
	participants := make(map[int]map[int]bool)
	for _, c := range conflicts {
		root := uf.find(nameIdx[c.Rules[0]])
		if participants[root] == nil {
			participants[root] = make(map[int]bool)
		}
		participants[root][pos[c.EventA]] = true
		participants[root][pos[c.EventB]] = true
	}

	rank := make([]int, len(sorted))
	for i := range rank {
		rank[i] = i
	}
	sort.SliceStable(rank, func(a, b int) bool {
		ea, eb := sorted[rank[a]], sorted[rank[b]]
		sa, sb := m.Score(ea), m.Score(eb)
		if sa != sb {
			return sa > sb
		}
		return ea.Before(eb)
	})

	roots := make([]int, 0, len(participants))
	for r := range participants {
		roots = append(roots, r)
	}
	groups := make(map[int][]string, len(roots))
	for n, i := range nameIdx {
		r := uf.find(i)
		groups[r] = append(groups[r], n)
	}
	for _, r := range roots {
		sort.Strings(groups[r])
	}
	sort.Slice(roots, func(a, b int) bool {
		return strings.Join(groups[roots[a]], "\x00") < strings.Join(groups[roots[b]], "\x00")
	})

	for _, r := range roots {
		res := Resolution{Rules: groups[r], Losers: []string{}}
		for _, i := range rank {
			if !participants[r][i] {
				continue
			}
			if res.Winner == "" {
				res.Winner = sorted[i].ID
				continue
			}
			res.Losers = append(res.Losers, sorted[i].ID)
			for _, n := range groups[r] {
				lost[i][n] = true
			}
		}
		sort.Strings(res.Losers)
		report.Resolutions = append(report.Resolutions, res)
	}
	return lost
}

// components partitions events into connected components of the conflict
// graph, each listed in (timestamp, id) order.
func components(sorted []event.Event, conflicts []Conflict, pos map[string]int) [][]string {
	uf := newUnionFind(len(sorted))
	for _, c := range conflicts {
		uf.union(pos[c.EventA], pos[c.EventB])
	}
	byRoot := make(map[int]int)
	var out [][]string
	for i, e := range sorted {
		r := uf.find(i)
		k, ok := byRoot[r]
		if !ok {
			k = len(out)
			byRoot[r] = k
			out = append(out, nil)
		}
		out[k] = append(out[k], e.ID)
	}
	return out
}

func (m *Manager) commonBase(sorted []event.Event) (string, error) {
	bases := make([]string, 0, len(sorted))
	same := true
	for _, e := range sorted {
		bases = append(bases, e.BaseVersion)
		if e.BaseVersion != sorted[0].BaseVersion {
			same = false
		}
	}
	if same {
		return bases[0], nil
	}
	return m.tracker.CommonAncestor(bases...)
}

func commonType(events []event.Event) event.Type {
	t := events[0].Type
	for _, e := range events[1:] {
		if e.Type != t {
			return event.Mixed
		}
	}
	return t
}

func commonTrigger(events []event.Event) event.Trigger {
	src := events[0].Trigger.Source
	set := make(map[string]bool)
	for _, e := range events {
		if e.Trigger.Source != src {
			src = event.Manual
		}
		for _, c := range e.Trigger.Conditions {
			set[c] = true
		}
	}
	conds := make([]string, 0, len(set))
	for c := range set {
		conds = append(conds, c)
	}
	sort.Strings(conds)
	return event.Trigger{Source: src, Conditions: conds}
}

func commonAuthor(events []event.Event) string {
	a := events[0].Author
	for _, e := range events[1:] {
		if e.Author != a {
			return ""
		}
	}
	return a
}

func meanMetrics(events []event.Event) event.Metrics {
	var sum event.Metrics
	for _, e := range events {
		sum.PerformanceImprovement += e.Metrics.PerformanceImprovement
		sum.CompatibilityImpact += e.Metrics.CompatibilityImpact
		sum.Confidence += e.Metrics.Confidence
	}
	n := float64(len(events))
	return event.Metrics{
		PerformanceImprovement: sum.PerformanceImprovement / n,
		CompatibilityImpact:    sum.CompatibilityImpact / n,
		Confidence:             sum.Confidence / n,
	}
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union keeps the smaller root so roots are stable across runs.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
