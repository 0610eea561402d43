package knowledge

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"aevo/internal/grammar"
)

// PatternID returns the entity id of a pattern signature.
func PatternID(pattern []grammar.Symbol) string {
	keys := make([]string, len(pattern))
	for i, s := range pattern {
		keys[i] = s.Key()
	}
	sum := blake2b.Sum256([]byte(strings.Join(keys, "\x1f")))
	return "pattern:" + hex.EncodeToString(sum[:])[:16]
}

// ExtractFromRules adds entities and relations for rules. Rule entities
// are upserted; references to names inside rules become Uses relations,
// other references become Calls relations to Function entities. Rule pairs
// scoring above SimilarToThreshold are linked both ways with SimilarTo.
// Relations leaving these rules that extraction no longer produces are
// marked stale; SimilarTo relations are only compared within rules.
func (g *Graph) ExtractFromRules(rules []grammar.Rule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.extractLocked(rules)
}

func (g *Graph) extractLocked(rules []grammar.Rule) error {
	inSet := make(map[string]bool, len(rules))
	for _, r := range rules {
		inSet[r.Name] = true
	}
	w := g.opts.Edges

	emitted := make(map[relKey]bool)
	link := func(r Relation) error {
		if err := g.addRelationLocked(r); err != nil {
			return err
		}
		emitted[relKey{r.Source, r.Target, r.Kind}] = true
		return nil
	}

	for _, r := range rules {
		id := RuleID(r.Name)
		attrs := map[string]string{
			"pattern":    strconv.Itoa(len(r.Pattern)),
			"production": r.Production.String(),
			"size":       strconv.Itoa(r.Size()),
		}
		for k, v := range r.Metadata {
			attrs["meta."+k] = v
		}
		if err := g.addEntityLocked(Entity{ID: id, Kind: KindRule, Name: r.Name, Attributes: attrs}); err != nil {
			return err
		}
		g.rules[id] = r.Clone()

		pid := PatternID(r.Pattern)
		if err := g.addEntityLocked(Entity{
			ID:         pid,
			Kind:       KindPattern,
			Name:       strings.Join(r.PatternKeys(), " "),
			Attributes: map[string]string{"length": strconv.Itoa(len(r.Pattern))},
		}); err != nil {
			return err
		}
		if err := link(Relation{Source: id, Target: pid, Kind: Uses, Weight: w.PatternUse}); err != nil {
			return err
		}

		for _, ident := range r.Identifiers() {
			vid := VariableID(ident)
			if err := g.addEntityLocked(Entity{ID: vid, Kind: KindVariable, Name: ident}); err != nil {
				return err
			}
			if err := link(Relation{Source: id, Target: vid, Kind: Uses, Weight: w.VariableUse}); err != nil {
				return err
			}
		}
	}

	// Reference targets may appear later in the slice, so link after all
	// rule entities exist.
	for _, r := range rules {
		id := RuleID(r.Name)
		for _, ref := range r.References() {
			if inSet[ref] {
				if err := link(Relation{Source: id, Target: RuleID(ref), Kind: Uses, Weight: w.RuleUse}); err != nil {
					return err
				}
				continue
			}
			fid := FunctionID(ref)
			if err := g.addEntityLocked(Entity{ID: fid, Kind: KindFunction, Name: ref}); err != nil {
				return err
			}
			if err := link(Relation{Source: id, Target: fid, Kind: Calls, Weight: w.FunctionUse}); err != nil {
				return err
			}
		}
	}

	for i := range rules {
		for j := i + 1; j < len(rules); j++ {
			a, b := RuleID(rules[i].Name), RuleID(rules[j].Name)
			if a == b {
				continue
			}
			score := g.RuleSimilarity(rules[i], rules[j])
			if score > g.opts.SimilarToThreshold && g.opts.SimilarToThreshold > 0 {
				if err := link(Relation{Source: a, Target: b, Kind: SimilarTo, Weight: score}); err != nil {
					return err
				}
				if err := link(Relation{Source: b, Target: a, Kind: SimilarTo, Weight: score}); err != nil {
					return err
				}
			}
		}
	}

	for i, r := range g.relations {
		if emitted[relKey{r.Source, r.Target, r.Kind}] {
			continue
		}
		src, ok := g.ruleNameLocked(r.Source)
		if !ok || !inSet[src] {
			continue
		}
		if r.Kind == SimilarTo {
			if dst, ok := g.ruleNameLocked(r.Target); !ok || !inSet[dst] {
				continue
			}
		}
		g.relations[i].Stale = true
	}
	return nil
}

// ruleNameLocked returns the rule name of a rule entity id.
func (g *Graph) ruleNameLocked(id string) (string, bool) {
	i, ok := g.index[id]
	if !ok || g.entities[i].Kind != KindRule {
		return "", false
	}
	return g.entities[i].Name, true
}

// Sync brings the graph in line with a committed snapshot: its rules are
// extracted and rule entities absent from it are marked stale.
func (g *Graph) Sync(snap grammar.Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.extractLocked(snap.Rules); err != nil {
		return err
	}
	for i, e := range g.entities {
		if e.Kind == KindRule && !snap.Has(e.Name) {
			g.entities[i].Stale = true
		}
	}
	return nil
}
