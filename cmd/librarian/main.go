// Package main implements the librarian CLI for operating the reasoning
// strategy store: mining composition proposals from execution traces,
// printing learned recommendations, consolidating trust tiers, and auditing
// the evidence ledger.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nateschmiedehaus/librarian/internal/config"
	"github.com/nateschmiedehaus/librarian/internal/logging"
	"github.com/nateschmiedehaus/librarian/internal/services"
	"github.com/nateschmiedehaus/librarian/internal/telemetry"
)

var (
	// configPath is the --config override; empty uses the default lookup.
	configPath string

	// Version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "librarian",
	Short: "CLI for the librarian reasoning strategy store",
	Long: `librarian manages a catalog of reasoning primitives, composed
strategies, and the evidence their executions leave behind.

Commands operate directly on the configured store (no server):
mine new composition proposals from traces, print learned
recommendations for an intent, consolidate trust tiers, and audit
evidence ledger chains.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/librarian/config.yaml)")
	rootCmd.AddCommand(evolveCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("librarian\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

// bootstrap loads config and wires the service graph for a one-shot command.
// The returned shutdown func must be called before exit.
func bootstrap(ctx context.Context) (services.Registry, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	// One-shot commands run mining explicitly; never start the background
	// scheduler here.
	cfg.Evolution.SchedulerEnabled = false

	tel, err := telemetry.New(ctx, services.TelemetryOptions(cfg.Telemetry, version))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logger, err := newLogger(cfg, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	reg, err := services.Build(ctx, cfg, logger, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		_ = logger.Sync()
		return nil, nil, nil, err
	}

	shutdown := func() {
		if err := reg.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
		if err := tel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
		_ = logger.Sync()
	}
	return reg, cfg, shutdown, nil
}

// newLogger builds the CLI logger from the loaded config, mirroring records
// to the OTEL bridge when both the config and the collector pipeline allow.
func newLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level %q: %w", cfg.Logging.Level, err)
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.Redaction.Enabled = cfg.Logging.RedactionEnabled
	lc.Output.OTEL = cfg.Logging.OTELEnabled && tel.LoggerProvider() != nil

	return logging.NewLogger(lc, tel.LoggerProvider())
}
