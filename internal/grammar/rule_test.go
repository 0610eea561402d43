package grammar

import (
	"reflect"
	"strings"
	"testing"
)

func kw(v string) Symbol    { return Symbol{Kind: SymbolKeyword, Value: v} }
func ident(v string) Symbol { return Symbol{Kind: SymbolIdentifier, Value: v} }

func TestRule_Check(t *testing.T) {
	deep := Lit("x")
	for i := 0; i < MaxTemplateDepth; i++ {
		deep = Seq(deep)
	}

	tests := []struct {
		name    string
		rule    Rule
		wantErr string
	}{
		{
			name: "valid",
			rule: Rule{Name: "if_stmt", Pattern: []Symbol{kw("if"), ident("cond")}, Production: Seq(Lit("if"), Ref("expr"))},
		},
		{
			name: "wildcard without value",
			rule: Rule{Name: "any", Pattern: []Symbol{{Kind: SymbolWildcard}}, Production: Lit("_")},
		},
		{
			name:    "bad name",
			rule:    Rule{Name: "9lives", Pattern: []Symbol{kw("x")}, Production: Lit("x")},
			wantErr: "name",
		},
		{
			name:    "empty pattern",
			rule:    Rule{Name: "r", Production: Lit("x")},
			wantErr: "empty pattern",
		},
		{
			name:    "unknown symbol kind",
			rule:    Rule{Name: "r", Pattern: []Symbol{{Kind: "regex", Value: "a+"}}, Production: Lit("x")},
			wantErr: "unknown kind",
		},
		{
			name:    "keyword without value",
			rule:    Rule{Name: "r", Pattern: []Symbol{{Kind: SymbolKeyword}}, Production: Lit("x")},
			wantErr: "needs a value",
		},
		{
			name:    "empty sequence",
			rule:    Rule{Name: "r", Pattern: []Symbol{kw("x")}, Production: Seq()},
			wantErr: "at least one item",
		},
		{
			name:    "literal with items",
			rule:    Rule{Name: "r", Pattern: []Symbol{kw("x")}, Production: Template{Kind: TemplateLiteral, Value: "a", Items: []Template{Lit("b")}}},
			wantErr: "cannot have items",
		},
		{
			name:    "choice with value",
			rule:    Rule{Name: "r", Pattern: []Symbol{kw("x")}, Production: Template{Kind: TemplateChoice, Value: "a", Items: []Template{Lit("b")}}},
			wantErr: "cannot have a value",
		},
		{
			name:    "unknown production kind",
			rule:    Rule{Name: "r", Pattern: []Symbol{kw("x")}, Production: Template{Kind: "lambda", Value: "f"}},
			wantErr: "unknown production kind",
		},
		{
			name:    "too deep",
			rule:    Rule{Name: "r", Pattern: []Symbol{kw("x")}, Production: deep},
			wantErr: "nesting exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Check()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Check() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Check() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Check() = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRule_References(t *testing.T) {
	r := Rule{
		Name:       "call",
		Pattern:    []Symbol{ident("f"), ident("arg"), ident("f")},
		Production: Seq(Ref("expr"), Alt(Ref("args"), Ref("expr")), Lit("("), Ref("print")),
	}

	if got, want := r.References(), []string{"expr", "args", "print"}; !reflect.DeepEqual(got, want) {
		t.Errorf("References() = %v, want %v", got, want)
	}
	if got, want := r.Identifiers(), []string{"f", "arg"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Identifiers() = %v, want %v", got, want)
	}
	if got, want := r.PatternKeys(), []string{"identifier:f", "identifier:arg", "identifier:f"}; !reflect.DeepEqual(got, want) {
		t.Errorf("PatternKeys() = %v, want %v", got, want)
	}
}

func TestTemplate_Shape(t *testing.T) {
	tmpl := Seq(Lit("if"), Alt(Ref("a"), Ref("b")), Ref("body"))

	want := []string{"sequence/3", "literal", "choice/2", "reference", "reference", "reference"}
	if got := tmpl.Shape(); !reflect.DeepEqual(got, want) {
		t.Errorf("Shape() = %v, want %v", got, want)
	}
	if got := tmpl.Nodes(); got != 6 {
		t.Errorf("Nodes() = %d, want 6", got)
	}
	if got := tmpl.Depth(); got != 3 {
		t.Errorf("Depth() = %d, want 3", got)
	}
	if got := tmpl.String(); got != `seq(lit"if",alt(ref:a,ref:b),ref:body)` {
		t.Errorf("String() = %s", got)
	}
}

func TestTemplate_Simplify(t *testing.T) {
	tests := []struct {
		name string
		in   Template
		want Template
	}{
		{"leaf unchanged", Lit("x"), Lit("x")},
		{"single item sequence", Seq(Ref("a")), Ref("a")},
		{"nested sequences flatten", Seq(Lit("a"), Seq(Lit("b"), Seq(Lit("c")))), Seq(Lit("a"), Lit("b"), Lit("c"))},
		{"nested choices flatten", Alt(Ref("a"), Alt(Ref("b"), Ref("c"))), Alt(Ref("a"), Ref("b"), Ref("c"))},
		{"duplicate alternatives", Alt(Ref("a"), Ref("b"), Ref("a")), Alt(Ref("a"), Ref("b"))},
		{"choice collapses to one", Alt(Ref("a"), Seq(Ref("a"))), Ref("a")},
		{"sequence inside choice kept", Alt(Seq(Lit("a"), Lit("b")), Lit("c")), Alt(Seq(Lit("a"), Lit("b")), Lit("c"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Simplify()
			if !got.Equal(tt.want) {
				t.Errorf("Simplify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTemplate_SimplifyDoesNotMutate(t *testing.T) {
	in := Seq(Seq(Lit("a")), Lit("b"))
	before := in.String()

	_ = in.Simplify()

	if in.String() != before {
		t.Errorf("Simplify mutated receiver: %s -> %s", before, in.String())
	}
	if !in.Simplifiable() {
		t.Error("Simplifiable() = false for nested sequence")
	}
	if Seq(Lit("a"), Lit("b")).Simplifiable() {
		t.Error("Simplifiable() = true for flat sequence")
	}
}

func TestRule_Clone(t *testing.T) {
	orig := Rule{
		Name:       "r",
		Pattern:    []Symbol{kw("x")},
		Production: Seq(Lit("a")),
		Metadata:   map[string]string{"stability": "stable"},
	}
	c := orig.Clone()
	c.Pattern[0].Value = "y"
	c.Production.Items[0].Value = "b"
	c.Metadata["stability"] = "experimental"

	if orig.Pattern[0].Value != "x" || orig.Production.Items[0].Value != "a" || orig.Metadata["stability"] != "stable" {
		t.Errorf("Clone shares state with original: %+v", orig)
	}
	if orig.Size() != 3 {
		t.Errorf("Size() = %d, want 3", orig.Size())
	}
}
