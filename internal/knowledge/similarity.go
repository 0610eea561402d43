package knowledge

import (
	"strings"
	"unicode"

	"aevo/internal/grammar"
)

// RuleSimilarity scores two rules in [0,1] as the weighted mean of name
// token overlap, pattern edit distance and production shape overlap.
func (g *Graph) RuleSimilarity(a, b grammar.Rule) float64 {
	return RuleSimilarity(g.opts.Weights, a, b)
}

// RuleSimilarity is the graph-independent form of Graph.RuleSimilarity.
func RuleSimilarity(w Weights, a, b grammar.Rule) float64 {
	total := w.Name + w.Pattern + w.Production
	if total <= 0 {
		return 0
	}
	score := w.Name*NameSimilarity(a.Name, b.Name) +
		w.Pattern*sequenceSimilarity(a.PatternKeys(), b.PatternKeys()) +
		w.Production*dice(a.Production.Shape(), b.Production.Shape())
	return clamp01(score / total)
}

// NameSimilarity is the Jaccard index of the name tokens.
func NameSimilarity(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// Tokens splits an identifier on '_', '.', '-' and camelCase boundaries
// and lowercases the parts.
func Tokens(name string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == '.' || r == '-':
			flush()
		case unicode.IsUpper(r) && i > 0 && len(cur) > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			// fooBar splits before B; HTTPServer splits before S
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

func tokenSet(name string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokens(name) {
		set[t] = true
	}
	return set
}

// sequenceSimilarity is 1 - levenshtein/max(len).
func sequenceSimilarity(a, b []string) float64 {
	n := max(len(a), len(b))
	if n == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(n)
}

func levenshtein(a, b []string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// dice is the Sørensen-Dice coefficient over token multisets.
func dice(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	counts := make(map[string]int, len(a))
	for _, t := range a {
		counts[t]++
	}
	inter := 0
	for _, t := range b {
		if counts[t] > 0 {
			counts[t]--
			inter++
		}
	}
	return 2 * float64(inter) / float64(len(a)+len(b))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
