package grammar

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// RootID identifies the initial snapshot.
const RootID = "root"

// Snapshot is an immutable, name-sorted rule set.
type Snapshot struct {
	ID    string `json:"id" yaml:"id"`
	Rules []Rule `json:"rules" yaml:"rules"`
}

// NewSnapshot sorts rules by name and rejects duplicate names.
// The rules are deep-copied.
func NewSnapshot(id string, rules []Rule) (Snapshot, error) {
	out := make([]Rule, len(rules))
	for i := range rules {
		out[i] = rules[i].Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := 1; i < len(out); i++ {
		if out[i].Name == out[i-1].Name {
			return Snapshot{}, &DeltaError{Kind: Collision, Name: out[i].Name, Op: "snapshot"}
		}
	}
	return Snapshot{ID: id, Rules: out}, nil
}

// Get returns the rule named name.
func (s Snapshot) Get(name string) (Rule, bool) {
	i := sort.Search(len(s.Rules), func(i int) bool { return s.Rules[i].Name >= name })
	if i < len(s.Rules) && s.Rules[i].Name == name {
		return s.Rules[i], true
	}
	return Rule{}, false
}

// Has reports whether a rule named name exists.
func (s Snapshot) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Names returns the sorted rule names.
func (s Snapshot) Names() []string {
	out := make([]string, len(s.Rules))
	for i := range s.Rules {
		out[i] = s.Rules[i].Name
	}
	return out
}

func (s Snapshot) Len() int { return len(s.Rules) }

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{ID: s.ID, Rules: make([]Rule, len(s.Rules))}
	for i := range s.Rules {
		c.Rules[i] = s.Rules[i].Clone()
	}
	return c
}

// WithID returns a copy carrying a different id. Rules are shared.
func (s Snapshot) WithID(id string) Snapshot {
	return Snapshot{ID: id, Rules: s.Rules}
}

// Digest is the hex BLAKE2b-256 of the canonical JSON encoding of the
// rules. The id is not part of the digest, so two snapshots with the same
// content compare equal.
func (s Snapshot) Digest() string {
	data, err := json.Marshal(s.Rules)
	if err != nil {
		// Rules hold only strings, slices and string maps.
		panic(fmt.Sprintf("grammar: encode rules: %v", err))
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Check runs Rule.Check on every rule.
func (s Snapshot) Check() error {
	for i := range s.Rules {
		if err := s.Rules[i].Check(); err != nil {
			return err
		}
	}
	return nil
}

// Modification replaces the rule OldName with Rule.
type Modification struct {
	OldName string `json:"old_name" yaml:"old_name"`
	Rule    Rule   `json:"new_rule" yaml:"new_rule"`
}

// Delta is an ordered change set against a base snapshot.
type Delta struct {
	Added       []Rule         `json:"added_rules" yaml:"added_rules"`
	Modified    []Modification `json:"modified_rules" yaml:"modified_rules"`
	Removed     []string       `json:"removed_rules" yaml:"removed_rules"`
	Description string         `json:"description" yaml:"description"`
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Rules returns the rule values carried by the delta: modified new rules
// followed by added rules.
func (d Delta) Rules() []Rule {
	out := make([]Rule, 0, len(d.Modified)+len(d.Added))
	for _, m := range d.Modified {
		out = append(out, m.Rule)
	}
	return append(out, d.Added...)
}

// Clone returns a deep copy.
func (d Delta) Clone() Delta {
	c := Delta{Description: d.Description}
	if d.Added != nil {
		c.Added = make([]Rule, len(d.Added))
		for i := range d.Added {
			c.Added[i] = d.Added[i].Clone()
		}
	}
	if d.Modified != nil {
		c.Modified = make([]Modification, len(d.Modified))
		for i := range d.Modified {
			c.Modified[i] = Modification{OldName: d.Modified[i].OldName, Rule: d.Modified[i].Rule.Clone()}
		}
	}
	if d.Removed != nil {
		c.Removed = append([]string(nil), d.Removed...)
	}
	return c
}

// DeltaErrorKind distinguishes delta application failures.
type DeltaErrorKind string

const (
	Missing   DeltaErrorKind = "missing"
	Collision DeltaErrorKind = "collision"
)

// DeltaError reports a delta entry that cannot be applied.
type DeltaError struct {
	Kind DeltaErrorKind
	Op   string // modify | add | remove | snapshot
	Name string
}

func (e *DeltaError) Error() string {
	switch e.Kind {
	case Missing:
		return fmt.Sprintf("%s: rule %q does not exist", e.Op, e.Name)
	default:
		return fmt.Sprintf("%s: rule %q already exists", e.Op, e.Name)
	}
}

// ApplyDelta applies d to base, modified entries first, then added, then
// removed, and returns the resulting snapshot with the given id.
func ApplyDelta(base Snapshot, d Delta, id string) (Snapshot, error) {
	rules := make(map[string]Rule, len(base.Rules)+len(d.Added))
	for _, r := range base.Rules {
		rules[r.Name] = r
	}

	for _, m := range d.Modified {
		if _, ok := rules[m.OldName]; !ok {
			return Snapshot{}, &DeltaError{Kind: Missing, Op: "modify", Name: m.OldName}
		}
		delete(rules, m.OldName)
		if _, ok := rules[m.Rule.Name]; ok {
			return Snapshot{}, &DeltaError{Kind: Collision, Op: "modify", Name: m.Rule.Name}
		}
		rules[m.Rule.Name] = m.Rule
	}
	for _, r := range d.Added {
		if _, ok := rules[r.Name]; ok {
			return Snapshot{}, &DeltaError{Kind: Collision, Op: "add", Name: r.Name}
		}
		rules[r.Name] = r
	}
	for _, name := range d.Removed {
		if _, ok := rules[name]; !ok {
			return Snapshot{}, &DeltaError{Kind: Missing, Op: "remove", Name: name}
		}
		delete(rules, name)
	}

	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r)
	}
	return NewSnapshot(id, out)
}
