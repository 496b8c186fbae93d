package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nateschmiedehaus/librarian/internal/learning"
)

var recommendLimit int

var recommendCmd = &cobra.Command{
	Use:   "recommend <intent>",
	Short: "Print ranked strategy suggestions for an intent",
	Long: `Print what the learner knows about an intent: ranked compositions
with anti-patterns suppressed, effective primitives, reliable context
sources, and warnings from recorded history.

Examples:
  librarian recommend "debug flaky integration test"
  librarian recommend --limit 3 "summarize unfamiliar codebase"`,
	Args: cobra.ExactArgs(1),
	RunE: runRecommend,
}

func init() {
	recommendCmd.Flags().IntVar(&recommendLimit, "limit", 0, "max suggested compositions (0 = no limit)")
}

func runRecommend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reg, _, shutdown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	recs, err := reg.Learner().Recommendations(ctx, args[0], &learning.Query{Limit: recommendLimit})
	if err != nil {
		return fmt.Errorf("recommendations: %w", err)
	}

	return printJSON(recs)
}
