package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nateschmiedehaus/librarian/internal/services"
)

var evolveSave bool

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Mine stored traces for composition proposals",
	Long: `Run one mining pass over stored execution traces.

Reports discovered patterns, proposed compositions, and underperforming
compositions flagged for mutation or deprecation. Proposals are printed
only; pass --save to persist them to the store.

Examples:
  # Dry-run mining pass
  librarian evolve

  # Mine and persist proposals
  librarian evolve --save`,
	Args: cobra.NoArgs,
	RunE: runEvolve,
}

func init() {
	evolveCmd.Flags().BoolVar(&evolveSave, "save", false, "persist proposed compositions to the store")
}

func runEvolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reg, cfg, shutdown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	report, err := reg.Evolution().Evolve(ctx, services.MiningOptions(cfg.Evolution))
	if err != nil {
		return fmt.Errorf("mining pass: %w", err)
	}

	if evolveSave {
		for _, comp := range report.ProposedCompositions {
			if err := reg.Store().SaveComposition(ctx, comp); err != nil {
				return fmt.Errorf("saving proposal %s: %w", comp.ID, err)
			}
		}
		fmt.Fprintf(os.Stderr, "saved %d proposals\n", len(report.ProposedCompositions))
	}

	return printJSON(report)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
