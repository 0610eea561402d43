// Package knowledge maintains a graph of grammar rules and the functions,
// variables and patterns they refer to, and scores how similar rules are.
package knowledge

import (
	"fmt"
	"sort"
	"sync"

	"aevo/internal/grammar"
)

// EntityKind classifies a knowledge entity.
type EntityKind string

const (
	KindRule     EntityKind = "Rule"
	KindFunction EntityKind = "Function"
	KindVariable EntityKind = "Variable"
	KindPattern  EntityKind = "Pattern"
)

func (k EntityKind) valid() bool {
	switch k {
	case KindRule, KindFunction, KindVariable, KindPattern:
		return true
	}
	return false
}

// RelationKind classifies a directed relation.
type RelationKind string

const (
	Calls     RelationKind = "Calls"
	Uses      RelationKind = "Uses"
	SimilarTo RelationKind = "SimilarTo"
)

func (k RelationKind) valid() bool {
	switch k {
	case Calls, Uses, SimilarTo:
		return true
	}
	return false
}

// Entity is a node of the graph. Entities are never deleted; entities
// that disappear from the rule set are marked Stale.
type Entity struct {
	ID         string            `json:"id" yaml:"id"`
	Kind       EntityKind        `json:"kind" yaml:"kind"`
	Name       string            `json:"name" yaml:"name"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Stale      bool              `json:"stale,omitempty" yaml:"stale,omitempty"`
}

// Relation is a weighted directed edge. Like entities, relations are never
// deleted; a relation extraction no longer produces is marked Stale.
type Relation struct {
	Source string       `json:"source" yaml:"source"`
	Target string       `json:"target" yaml:"target"`
	Kind   RelationKind `json:"kind" yaml:"kind"`
	Weight float64      `json:"weight" yaml:"weight"`
	Stale  bool         `json:"stale,omitempty" yaml:"stale,omitempty"`
}

// RuleID returns the entity id of a rule.
func RuleID(name string) string { return "rule:" + name }

// FunctionID returns the entity id of a referenced function.
func FunctionID(name string) string { return "fn:" + name }

// VariableID returns the entity id of a pattern identifier.
func VariableID(name string) string { return "var:" + name }

// Weights weights the three similarity dimensions.
type Weights struct {
	Name       float64
	Pattern    float64
	Production float64
}

// EdgeWeights are the relation weights used by extraction.
type EdgeWeights struct {
	RuleUse     float64 // rule -> referenced rule
	FunctionUse float64 // rule -> referenced non-rule
	VariableUse float64 // rule -> identifier
	PatternUse  float64 // rule -> pattern signature
}

// DefaultEdgeWeights returns the extraction defaults.
func DefaultEdgeWeights() EdgeWeights {
	return EdgeWeights{
		RuleUse:     1.0,
		FunctionUse: 0.9,
		VariableUse: 0.5,
		PatternUse:  0.7,
	}
}

// Options configures a Graph.
type Options struct {
	Weights            Weights
	Edges              EdgeWeights
	SimilarToThreshold float64
}

// DefaultOptions weights the similarity dimensions equally.
func DefaultOptions() Options {
	return Options{
		Weights:            Weights{Name: 1.0 / 3, Pattern: 1.0 / 3, Production: 1.0 / 3},
		Edges:              DefaultEdgeWeights(),
		SimilarToThreshold: 0.6,
	}
}

type relKey struct {
	source, target string
	kind           RelationKind
}

// Graph is safe for concurrent use.
type Graph struct {
	mu   sync.RWMutex
	opts Options

	entities []Entity
	index    map[string]int
	rules    map[string]grammar.Rule // rule entity id -> latest content

	relations []Relation
	relIndex  map[relKey]int
}

// New creates an empty graph.
func New(opts Options) *Graph {
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultOptions().Weights
	}
	if opts.Edges == (EdgeWeights{}) {
		opts.Edges = DefaultEdgeWeights()
	}
	return &Graph{
		opts:     opts,
		index:    make(map[string]int),
		rules:    make(map[string]grammar.Rule),
		relIndex: make(map[relKey]int),
	}
}

// Options returns the graph configuration.
func (g *Graph) Options() Options {
	return g.opts
}

// AddEntity inserts e or, when the id exists, refreshes its attributes
// and clears Stale. Insertion order is kept.
func (g *Graph) AddEntity(e Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEntityLocked(e)
}

func (g *Graph) addEntityLocked(e Entity) error {
	if e.ID == "" {
		return fmt.Errorf("entity id is empty")
	}
	if !e.Kind.valid() {
		return fmt.Errorf("entity %s: unknown kind %q", e.ID, e.Kind)
	}
	e.Attributes = copyAttrs(e.Attributes)
	e.Stale = false
	if i, ok := g.index[e.ID]; ok {
		if g.entities[i].Kind != e.Kind {
			return fmt.Errorf("entity %s: kind %s cannot change to %s", e.ID, g.entities[i].Kind, e.Kind)
		}
		g.entities[i] = e
		return nil
	}
	g.index[e.ID] = len(g.entities)
	g.entities = append(g.entities, e)
	return nil
}

// AddRelation inserts r or refreshes its weight and clears Stale. Both
// endpoints must exist.
func (g *Graph) AddRelation(r Relation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addRelationLocked(r)
}

func (g *Graph) addRelationLocked(r Relation) error {
	if !r.Kind.valid() {
		return fmt.Errorf("relation %s->%s: unknown kind %q", r.Source, r.Target, r.Kind)
	}
	if r.Weight < 0 || r.Weight > 1 {
		return fmt.Errorf("relation %s->%s: weight %v outside [0,1]", r.Source, r.Target, r.Weight)
	}
	if _, ok := g.index[r.Source]; !ok {
		return fmt.Errorf("relation source %s does not exist", r.Source)
	}
	if _, ok := g.index[r.Target]; !ok {
		return fmt.Errorf("relation target %s does not exist", r.Target)
	}
	r.Stale = false
	key := relKey{r.Source, r.Target, r.Kind}
	if i, ok := g.relIndex[key]; ok {
		g.relations[i].Weight = r.Weight
		g.relations[i].Stale = false
		return nil
	}
	g.relIndex[key] = len(g.relations)
	g.relations = append(g.relations, r)
	return nil
}

// MarkStale flags entities as stale. Unknown ids are ignored.
func (g *Graph) MarkStale(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if i, ok := g.index[id]; ok {
			g.entities[i].Stale = true
		}
	}
}

// Entity returns a copy of the entity with the given id.
func (g *Graph) Entity(id string) (Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[id]
	if !ok {
		return Entity{}, false
	}
	e := g.entities[i]
	e.Attributes = copyAttrs(e.Attributes)
	return e, true
}

// Entities returns all entities in insertion order.
func (g *Graph) Entities() []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Entity, len(g.entities))
	for i, e := range g.entities {
		e.Attributes = copyAttrs(e.Attributes)
		out[i] = e
	}
	return out
}

// Relations returns the relations leaving id in insertion order.
func (g *Graph) Relations(id string) []Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Relation
	for _, r := range g.relations {
		if r.Source == id {
			out = append(out, r)
		}
	}
	return out
}

// AllRelations returns every relation in insertion order.
func (g *Graph) AllRelations() []Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Relation(nil), g.relations...)
}

// Rule returns the latest content recorded for a rule entity.
func (g *Graph) Rule(name string) (grammar.Rule, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rules[RuleID(name)]
	return r, ok
}

// Stats summarizes the graph.
type Stats struct {
	Entities        int                  `json:"entities"`
	Stale           int                  `json:"stale"`
	Relations       int                  `json:"relations"`
	StaleRelations  int                  `json:"staleRelations"`
	EntitiesByKind  map[EntityKind]int   `json:"entitiesByKind"`
	RelationsByKind map[RelationKind]int `json:"relationsByKind"`
}

// Stats counts entities and relations by kind. Stale ones are included
// in every count and also counted separately.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Stats{
		Entities:        len(g.entities),
		Relations:       len(g.relations),
		EntitiesByKind:  make(map[EntityKind]int),
		RelationsByKind: make(map[RelationKind]int),
	}
	for _, e := range g.entities {
		s.EntitiesByKind[e.Kind]++
		if e.Stale {
			s.Stale++
		}
	}
	for _, r := range g.relations {
		s.RelationsByKind[r.Kind]++
		if r.Stale {
			s.StaleRelations++
		}
	}
	return s
}

// Match is a FindSimilar result.
type Match struct {
	Entity Entity  `json:"entity"`
	Score  float64 `json:"score"`
}

// FindSimilar returns non-stale entities of the same kind as id scoring at
// least threshold, best first; equal scores keep insertion order.
func (g *Graph) FindSimilar(id string, threshold float64) ([]Match, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("entity %s does not exist", id)
	}
	self := g.entities[i]

	var out []Match
	for j, e := range g.entities {
		if j == i || e.Stale || e.Kind != self.Kind {
			continue
		}
		score := g.similarityLocked(self, e)
		if score >= threshold {
			e.Attributes = copyAttrs(e.Attributes)
			out = append(out, Match{Entity: e, Score: score})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out, nil
}

// Similarity scores two entities in [0,1]. Rules are compared by content;
// other entities of the same kind by name tokens. Different kinds score 0.
func (g *Graph) Similarity(a, b string) (float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ia, ok := g.index[a]
	if !ok {
		return 0, fmt.Errorf("entity %s does not exist", a)
	}
	ib, ok := g.index[b]
	if !ok {
		return 0, fmt.Errorf("entity %s does not exist", b)
	}
	return g.similarityLocked(g.entities[ia], g.entities[ib]), nil
}

func (g *Graph) similarityLocked(a, b Entity) float64 {
	if a.Kind != b.Kind {
		return 0
	}
	if a.ID == b.ID {
		return 1
	}
	ra, okA := g.rules[a.ID]
	rb, okB := g.rules[b.ID]
	if okA && okB {
		return g.RuleSimilarity(ra, rb)
	}
	return NameSimilarity(a.Name, b.Name)
}

func copyAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
