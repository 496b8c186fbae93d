package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Re-evaluate trust tiers with configured thresholds",
	Long: `Run one consolidation pass over the learned model. Each qualifying
composition moves at most one step up the recent->learned->invariant
path per pass; tiers never move backward.

Examples:
  librarian consolidate`,
	Args: cobra.NoArgs,
	RunE: runConsolidate,
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reg, _, shutdown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	learner := reg.Learner()
	report, err := learner.Consolidate(ctx, learner.Thresholds())
	if err != nil {
		return fmt.Errorf("consolidation pass: %w", err)
	}

	return printJSON(report)
}
