package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nateschmiedehaus/librarian/internal/evidence"
)

var (
	ledgerSession string
	ledgerKind    string
	ledgerLimit   int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Audit the evidence ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a session's hash chain",
	Long: `Recompute the session's hash chain and report the first divergence,
if any.

Examples:
  librarian ledger verify --session sess_123`,
	Args: cobra.NoArgs,
	RunE: runLedgerVerify,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List evidence entries for a session",
	Long: `List a session's evidence entries in append order, optionally
filtered by kind (tool_call, claim, outcome, observation).

Examples:
  librarian ledger list --session sess_123
  librarian ledger list --session sess_123 --kind tool_call`,
	Args: cobra.NoArgs,
	RunE: runLedgerList,
}

func init() {
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerListCmd)

	ledgerVerifyCmd.Flags().StringVar(&ledgerSession, "session", "", "session ID (required)")
	_ = ledgerVerifyCmd.MarkFlagRequired("session")

	ledgerListCmd.Flags().StringVar(&ledgerSession, "session", "", "session ID (required)")
	ledgerListCmd.Flags().StringVar(&ledgerKind, "kind", "", "entry kind filter")
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 0, "max entries (0 = no limit)")
	_ = ledgerListCmd.MarkFlagRequired("session")
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reg, _, shutdown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := reg.Ledger().VerifyChain(ctx, ledgerSession); err != nil {
		return fmt.Errorf("chain verification failed: %w", err)
	}

	fmt.Printf("chain verified for session %s\n", ledgerSession)
	return nil
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	filter := evidence.Filter{
		SessionID: ledgerSession,
		Limit:     ledgerLimit,
	}
	if ledgerKind != "" {
		kind := evidence.EntryKind(ledgerKind)
		if !kind.Valid() {
			return fmt.Errorf("unknown entry kind: %q", ledgerKind)
		}
		filter.Kinds = []evidence.EntryKind{kind}
	}

	reg, _, shutdown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	entries, err := reg.Ledger().Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("querying ledger: %w", err)
	}

	return printJSON(entries)
}
