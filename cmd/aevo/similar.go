package main

import (
	"github.com/spf13/cobra"

	"aevo/internal/knowledge"
)

var (
	similarThreshold float64
	similarRelated   bool
	similarTopK      int
)

var similarCmd = &cobra.Command{
	Use:   "similar <rule>",
	Short: "Find rules similar or related to a rule",
	Long: `Without --related, lists live rules whose similarity to the given rule
reaches the threshold. With --related, ranks every knowledge entity by
personalized PageRank seeded at the rule.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimilar,
}

func init() {
	similarCmd.Flags().Float64Var(&similarThreshold, "threshold", 0.6, "Minimum similarity (0-1)")
	similarCmd.Flags().BoolVar(&similarRelated, "related", false, "Rank related entities by graph proximity instead")
	similarCmd.Flags().IntVar(&similarTopK, "top", 20, "Maximum related entities")
	rootCmd.AddCommand(similarCmd)
}

// SimilarMatchCLI is one similar rule
type SimilarMatchCLI struct {
	Name  string  `json:"name" yaml:"name"`
	Score float64 `json:"score" yaml:"score"`
}

// SimilarResponseCLI is the result of aevo similar
type SimilarResponseCLI struct {
	Rule      string                `json:"rule" yaml:"rule"`
	Threshold float64               `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Matches   []SimilarMatchCLI     `json:"matches,omitempty" yaml:"matches,omitempty"`
	Related   *knowledge.RankOutput `json:"related,omitempty" yaml:"related,omitempty"`
}

func runSimilar(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	id := knowledge.RuleID(args[0])
	resp := &SimilarResponseCLI{Rule: args[0]}

	if similarRelated {
		opts := knowledge.DefaultRankOptions()
		opts.TopK = similarTopK
		out, err := e.graph.Related(ctx, []string{id}, opts)
		if err != nil {
			return err
		}
		resp.Related = out
		return printResponse(resp)
	}

	matches, err := e.graph.FindSimilar(id, similarThreshold)
	if err != nil {
		return err
	}
	resp.Threshold = similarThreshold
	resp.Matches = make([]SimilarMatchCLI, 0, len(matches))
	for _, m := range matches {
		resp.Matches = append(resp.Matches, SimilarMatchCLI{Name: m.Entity.Name, Score: m.Score})
	}
	return printResponse(resp)
}
