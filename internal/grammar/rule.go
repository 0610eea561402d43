// Package grammar defines grammar rules as plain tagged data and the
// snapshots and deltas built from them.
package grammar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxTemplateDepth bounds production nesting.
const MaxTemplateDepth = 32

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

// SymbolKind classifies one element of a rule pattern.
type SymbolKind string

const (
	SymbolKeyword    SymbolKind = "keyword"
	SymbolIdentifier SymbolKind = "identifier"
	SymbolLiteral    SymbolKind = "literal"
	SymbolWildcard   SymbolKind = "wildcard"
	SymbolOptional   SymbolKind = "optional"
	SymbolRepeat     SymbolKind = "repeat"
	SymbolNatural    SymbolKind = "natural"
)

func (k SymbolKind) valid() bool {
	switch k {
	case SymbolKeyword, SymbolIdentifier, SymbolLiteral, SymbolWildcard,
		SymbolOptional, SymbolRepeat, SymbolNatural:
		return true
	}
	return false
}

// Symbol is one element of a rule pattern.
type Symbol struct {
	Kind  SymbolKind `json:"kind" toml:"kind" yaml:"kind"`
	Value string     `json:"value,omitempty" toml:"value,omitempty" yaml:"value,omitempty"`
}

// Key is the unit compared by pattern edit distance.
func (s Symbol) Key() string {
	return string(s.Kind) + ":" + s.Value
}

// TemplateKind classifies a production node.
type TemplateKind string

const (
	TemplateLiteral   TemplateKind = "literal"
	TemplateSequence  TemplateKind = "sequence"
	TemplateChoice    TemplateKind = "choice"
	TemplateReference TemplateKind = "reference"
)

// Template is a production tree. Literal and reference nodes carry a
// Value; sequence and choice nodes carry Items.
type Template struct {
	Kind  TemplateKind `json:"kind" toml:"kind" yaml:"kind"`
	Value string       `json:"value,omitempty" toml:"value,omitempty" yaml:"value,omitempty"`
	Items []Template   `json:"items,omitempty" toml:"items,omitempty" yaml:"items,omitempty"`
}

// Lit returns a literal template.
func Lit(v string) Template { return Template{Kind: TemplateLiteral, Value: v} }

// Ref returns a reference template.
func Ref(name string) Template { return Template{Kind: TemplateReference, Value: name} }

// Seq returns a sequence template.
func Seq(items ...Template) Template { return Template{Kind: TemplateSequence, Items: items} }

// Alt returns a choice template.
func Alt(items ...Template) Template { return Template{Kind: TemplateChoice, Items: items} }

func (t Template) check(depth int) error {
	if depth > MaxTemplateDepth {
		return fmt.Errorf("production nesting exceeds %d", MaxTemplateDepth)
	}
	switch t.Kind {
	case TemplateLiteral, TemplateReference:
		if t.Value == "" {
			return fmt.Errorf("%s node needs a value", t.Kind)
		}
		if len(t.Items) > 0 {
			return fmt.Errorf("%s node cannot have items", t.Kind)
		}
		if t.Kind == TemplateReference && !namePattern.MatchString(t.Value) {
			return fmt.Errorf("reference %q is not a valid rule name", t.Value)
		}
	case TemplateSequence, TemplateChoice:
		if len(t.Items) == 0 {
			return fmt.Errorf("%s node needs at least one item", t.Kind)
		}
		if t.Value != "" {
			return fmt.Errorf("%s node cannot have a value", t.Kind)
		}
		for i := range t.Items {
			if err := t.Items[i].check(depth + 1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown production kind %q", t.Kind)
	}
	return nil
}

// Shape returns the pre-order structural tokens of the tree.
func (t Template) Shape() []string {
	var out []string
	t.walk(func(n Template) {
		switch n.Kind {
		case TemplateSequence, TemplateChoice:
			out = append(out, string(n.Kind)+"/"+strconv.Itoa(len(n.Items)))
		default:
			out = append(out, string(n.Kind))
		}
	})
	return out
}

// Nodes counts the nodes of the tree.
func (t Template) Nodes() int {
	n := 0
	t.walk(func(Template) { n++ })
	return n
}

// Depth returns the nesting depth; a leaf has depth 1.
func (t Template) Depth() int {
	d := 0
	for i := range t.Items {
		if c := t.Items[i].Depth(); c > d {
			d = c
		}
	}
	return d + 1
}

func (t Template) walk(fn func(Template)) {
	fn(t)
	for i := range t.Items {
		t.Items[i].walk(fn)
	}
}

// Equal reports structural equality.
func (t Template) Equal(o Template) bool {
	if t.Kind != o.Kind || t.Value != o.Value || len(t.Items) != len(o.Items) {
		return false
	}
	for i := range t.Items {
		if !t.Items[i].Equal(o.Items[i]) {
			return false
		}
	}
	return true
}

// String renders the tree compactly, e.g. seq(lit"if",ref:cond).
func (t Template) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Template) write(b *strings.Builder) {
	switch t.Kind {
	case TemplateLiteral:
		b.WriteString("lit")
		b.WriteString(strconv.Quote(t.Value))
	case TemplateReference:
		b.WriteString("ref:")
		b.WriteString(t.Value)
	default:
		if t.Kind == TemplateChoice {
			b.WriteString("alt(")
		} else {
			b.WriteString("seq(")
		}
		for i := range t.Items {
			if i > 0 {
				b.WriteByte(',')
			}
			t.Items[i].write(b)
		}
		b.WriteByte(')')
	}
}

// Clone returns a deep copy.
func (t Template) Clone() Template {
	c := Template{Kind: t.Kind, Value: t.Value}
	if t.Items != nil {
		c.Items = make([]Template, len(t.Items))
		for i := range t.Items {
			c.Items[i] = t.Items[i].Clone()
		}
	}
	return c
}

// Rule is a named grammar rule. Rules are data only.
type Rule struct {
	Name       string            `json:"name" toml:"name" yaml:"name"`
	Pattern    []Symbol          `json:"pattern" toml:"pattern" yaml:"pattern"`
	Production Template          `json:"production" toml:"production" yaml:"production"`
	Metadata   map[string]string `json:"metadata,omitempty" toml:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ValidName reports whether name is a legal rule name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Check performs the structural checks on a single rule.
func (r Rule) Check() error {
	if !namePattern.MatchString(r.Name) {
		return fmt.Errorf("rule name %q is invalid", r.Name)
	}
	if len(r.Pattern) == 0 {
		return fmt.Errorf("rule %q has an empty pattern", r.Name)
	}
	for i, s := range r.Pattern {
		if !s.Kind.valid() {
			return fmt.Errorf("rule %q: pattern[%d] has unknown kind %q", r.Name, i, s.Kind)
		}
		if s.Value == "" && s.Kind != SymbolWildcard {
			return fmt.Errorf("rule %q: pattern[%d] %s needs a value", r.Name, i, s.Kind)
		}
	}
	if err := r.Production.check(1); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	return nil
}

// References returns the names referenced by the production, deduplicated
// in first-seen order.
func (r Rule) References() []string {
	var out []string
	seen := make(map[string]bool)
	r.Production.walk(func(n Template) {
		if n.Kind == TemplateReference && !seen[n.Value] {
			seen[n.Value] = true
			out = append(out, n.Value)
		}
	})
	return out
}

// Identifiers returns identifier symbol values in first-seen order.
func (r Rule) Identifiers() []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range r.Pattern {
		if s.Kind == SymbolIdentifier && !seen[s.Value] {
			seen[s.Value] = true
			out = append(out, s.Value)
		}
	}
	return out
}

// PatternKeys returns Symbol.Key for every pattern element.
func (r Rule) PatternKeys() []string {
	out := make([]string, len(r.Pattern))
	for i, s := range r.Pattern {
		out[i] = s.Key()
	}
	return out
}

// Size is the complexity measure used for outlier detection.
func (r Rule) Size() int {
	return len(r.Pattern) + r.Production.Nodes()
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	c := Rule{Name: r.Name, Production: r.Production.Clone()}
	if r.Pattern != nil {
		c.Pattern = append([]Symbol(nil), r.Pattern...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
