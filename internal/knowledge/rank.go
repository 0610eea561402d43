package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// RankOptions configures Related.
type RankOptions struct {
	// Damping is the probability of following a relation instead of
	// jumping back to a seed (default: 0.85)
	Damping float64

	// MaxIterations bounds the power iteration (default: 20)
	MaxIterations int

	// Tolerance for convergence detection (default: 1e-6)
	Tolerance float64

	// TopK is the number of results to return (default: 20)
	TopK int

	// IncludePaths explains how each result was reached from a seed
	IncludePaths bool
}

// DefaultRankOptions returns the defaults for Related.
func DefaultRankOptions() RankOptions {
	return RankOptions{
		Damping:       0.85,
		MaxIterations: 20,
		Tolerance:     1e-6,
		TopK:          20,
		IncludePaths:  true,
	}
}

// Ranked is one entity reached from the seeds.
type Ranked struct {
	EntityID string   `json:"entityId"`
	Kind     string   `json:"kind"`
	Score    float64  `json:"score"`
	Path     []string `json:"path,omitempty"`
}

// RankOutput is the result of Related.
type RankOutput struct {
	Results       []Ranked `json:"results"`
	Iterations    int      `json:"iterations"`
	Converged     bool     `json:"converged"`
	Seeds         []string `json:"seeds"`
	TotalNodes    int      `json:"totalNodes"`
	TotalEdges    int      `json:"totalEdges"`
	ComputationMs int64    `json:"computationMs"`
}

type edgeEntry struct {
	target int
	weight float64
}

// view is an index-based copy of the live part of the graph.
type view struct {
	ids   []string
	kinds []EntityKind
	idx   map[string]int
	out   [][]edgeEntry
	in    [][]edgeEntry
	edges int
}

func (g *Graph) liveView() *view {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v := &view{idx: make(map[string]int)}
	for _, e := range g.entities {
		if e.Stale {
			continue
		}
		v.idx[e.ID] = len(v.ids)
		v.ids = append(v.ids, e.ID)
		v.kinds = append(v.kinds, e.Kind)
	}
	v.out = make([][]edgeEntry, len(v.ids))
	v.in = make([][]edgeEntry, len(v.ids))
	for _, r := range g.relations {
		s, okS := v.idx[r.Source]
		t, okT := v.idx[r.Target]
		if !okS || !okT || r.Stale || r.Weight == 0 {
			continue
		}
		v.out[s] = append(v.out[s], edgeEntry{target: t, weight: r.Weight})
		v.in[t] = append(v.in[t], edgeEntry{target: s, weight: r.Weight})
		v.edges++
	}
	return v
}

// Related ranks live entities by personalized PageRank from the seed
// entities over the weighted relations. Stale relations and relations
// touching a stale entity are ignored; unknown seeds are skipped.
func (g *Graph) Related(ctx context.Context, seeds []string, opts RankOptions) (*RankOutput, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("no seed entities provided")
	}
	start := time.Now()
	v := g.liveView()
	n := len(v.ids)

	if opts.Damping <= 0 || opts.Damping >= 1 {
		opts.Damping = 0.85
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 1e-6
	}
	if opts.TopK <= 0 {
		opts.TopK = 20
	}

	seedSet := make(map[int]bool, len(seeds))
	validSeeds := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if i, ok := v.idx[s]; ok && !seedSet[i] {
			seedSet[i] = true
			validSeeds = append(validSeeds, s)
		}
	}
	out := &RankOutput{
		Results:    []Ranked{},
		Seeds:      validSeeds,
		TotalNodes: n,
		TotalEdges: v.edges,
	}
	if len(seedSet) == 0 {
		return out, nil
	}

	teleport := make([]float64, n)
	for i := range seedSet {
		teleport[i] = 1.0 / float64(len(seedSet))
	}
	scores := append([]float64(nil), teleport...)

	outDegree := make([]float64, n)
	for i, edges := range v.out {
		for _, e := range edges {
			outDegree[i] += e.weight
		}
	}

	next := make([]float64, n)
	for iter := range opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Iterations = iter + 1

		for i := range next {
			next[i] = 0
		}
		for i, edges := range v.out {
			if outDegree[i] == 0 {
				continue
			}
			contrib := scores[i] / outDegree[i]
			for _, e := range edges {
				next[e.target] += contrib * e.weight
			}
		}

		maxDiff := 0.0
		for i := range next {
			next[i] = opts.Damping*next[i] + (1-opts.Damping)*teleport[i]
			maxDiff = math.Max(maxDiff, math.Abs(next[i]-scores[i]))
		}
		scores, next = next, scores

		if maxDiff < opts.Tolerance {
			out.Converged = true
			break
		}
	}

	order := make([]int, 0, n)
	for i, s := range scores {
		if s > 0 {
			order = append(order, i)
		}
	}
	// Equal scores keep entity insertion order.
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if len(order) > opts.TopK {
		order = order[:opts.TopK]
	}

	for _, i := range order {
		r := Ranked{EntityID: v.ids[i], Kind: string(v.kinds[i]), Score: scores[i]}
		if opts.IncludePaths && !seedSet[i] {
			r.Path = v.backtrack(i, seedSet, 5)
		}
		out.Results = append(out.Results, r)
	}
	out.ComputationMs = time.Since(start).Milliseconds()
	return out, nil
}

// backtrack follows the heaviest unvisited incoming relation until it
// reaches a seed, and returns the path seed first.
func (v *view) backtrack(target int, seeds map[int]bool, maxDepth int) []string {
	path := []string{v.ids[target]}
	visited := map[int]bool{target: true}
	current := target

	for range maxDepth {
		best, bestWeight := -1, 0.0
		for _, e := range v.in[current] {
			if !visited[e.target] && e.weight > bestWeight {
				best, bestWeight = e.target, e.weight
			}
		}
		if best < 0 {
			break
		}
		path = append(path, v.ids[best])
		visited[best] = true
		if seeds[best] {
			break
		}
		current = best
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// FilterByKind keeps results of one entity kind.
func FilterByKind(results []Ranked, kind EntityKind) []Ranked {
	return filterRanked(results, func(r Ranked) bool { return r.Kind == string(kind) })
}

// FilterByPrefix keeps results whose id starts with prefix.
func FilterByPrefix(results []Ranked, prefix string) []Ranked {
	return filterRanked(results, func(r Ranked) bool { return strings.HasPrefix(r.EntityID, prefix) })
}

// FilterByMinScore keeps results scoring at least minScore.
func FilterByMinScore(results []Ranked, minScore float64) []Ranked {
	return filterRanked(results, func(r Ranked) bool { return r.Score >= minScore })
}

func filterRanked(results []Ranked, keep func(Ranked) bool) []Ranked {
	out := make([]Ranked, 0, len(results))
	for _, r := range results {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
