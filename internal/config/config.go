// Package config loads librarian configuration from a YAML file overridden
// by environment variables, applies defaults, and validates the result.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the complete librarian configuration.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Storage   StorageConfig   `koanf:"storage"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Engine    EngineConfig    `koanf:"engine"`
	Evolution EvolutionConfig `koanf:"evolution"`
	Learning  LearningConfig  `koanf:"learning"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	// Level is trace, debug, info, warn, or error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`

	// OTELEnabled mirrors log records to the OpenTelemetry bridge.
	OTELEnabled bool `koanf:"otel_enabled"`

	// RedactionEnabled scrubs secret-shaped values from log fields.
	RedactionEnabled bool `koanf:"redaction_enabled"`
}

// TelemetryConfig controls the OpenTelemetry providers.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`

	// Endpoint is the OTLP collector address (host:port).
	Endpoint string `koanf:"endpoint"`

	// Protocol is grpc or http.
	Protocol string `koanf:"protocol"`

	// Insecure disables transport security toward the collector.
	Insecure bool `koanf:"insecure"`

	// TLSSkipVerify accepts the collector's certificate without
	// verification, for collectors behind internal CAs.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`

	// ExportInterval is the metric export period.
	ExportInterval Duration `koanf:"export_interval"`
}

// StorageConfig selects the composition/trace/state store backend.
type StorageConfig struct {
	// Provider is memory or sqlite.
	Provider string `koanf:"provider"`

	// Path is the SQLite database file for the sqlite provider.
	Path string `koanf:"path"`
}

// LedgerConfig selects the evidence ledger backend.
type LedgerConfig struct {
	// Provider is memory or sqlite.
	Provider string `koanf:"provider"`

	// Path is the SQLite database file for the sqlite provider.
	Path string `koanf:"path"`

	// RedactionEnabled scrubs secret-shaped payload values before
	// persistence.
	RedactionEnabled bool `koanf:"redaction_enabled"`
}

// EngineConfig bounds the execution engine.
type EngineConfig struct {
	// MaxParallel caps concurrent branches inside parallel/quorum groups.
	MaxParallel int `koanf:"max_parallel"`

	// LoopCap is the default max_iterations for loop operators.
	LoopCap int `koanf:"loop_cap"`
}

// EvolutionConfig controls the background mining scheduler and the default
// mining thresholds.
type EvolutionConfig struct {
	// SchedulerEnabled starts the periodic mining loop.
	SchedulerEnabled bool `koanf:"scheduler_enabled"`

	// Interval is the time between mining passes.
	Interval Duration `koanf:"interval"`

	MinPatternFrequency       int     `koanf:"min_pattern_frequency"`
	MinSuccessRate            float64 `koanf:"min_success_rate"`
	MinPatternLength          int     `koanf:"min_pattern_length"`
	MaxPatternLength          int     `koanf:"max_pattern_length"`
	MaxProposals              int     `koanf:"max_proposals"`
	MinMutationSamples        int     `koanf:"min_mutation_samples"`
	MaxMutationSuccessRate    float64 `koanf:"max_mutation_success_rate"`
	MinDeprecationSamples     int     `koanf:"min_deprecation_samples"`
	MaxDeprecationSuccessRate float64 `koanf:"max_deprecation_success_rate"`
	DeprecationWindowDays     int     `koanf:"deprecation_window_days"`
}

// LearningConfig carries the learner's consolidation thresholds.
type LearningConfig struct {
	MinSampleCount          int     `koanf:"min_sample_count"`
	MinPredictiveValue      float64 `koanf:"min_predictive_value"`
	InvariantMinSamples     int     `koanf:"invariant_min_samples"`
	InvariantMinSuccessRate float64 `koanf:"invariant_min_success_rate"`
	ShiftMeanThreshold      float64 `koanf:"shift_mean_threshold"`
}

// applyDefaults fills zero values after unmarshal.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "librarian"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(30 * time.Second)
	}

	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "~/.local/share/librarian/librarian.db"
	}
	if cfg.Ledger.Provider == "" {
		cfg.Ledger.Provider = cfg.Storage.Provider
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = cfg.Storage.Path
	}

	if cfg.Engine.MaxParallel == 0 {
		cfg.Engine.MaxParallel = 8
	}
	if cfg.Engine.LoopCap == 0 {
		cfg.Engine.LoopCap = 10
	}

	if cfg.Evolution.Interval == 0 {
		cfg.Evolution.Interval = Duration(time.Hour)
	}
}

// Validate rejects configurations the services would refuse anyway, with
// friendlier errors.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry service name cannot be empty")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid telemetry protocol: %q (grpc or http)", c.Telemetry.Protocol)
		}
	}

	if err := validateProvider("storage", c.Storage.Provider, c.Storage.Path); err != nil {
		return err
	}
	if err := validateProvider("ledger", c.Ledger.Provider, c.Ledger.Path); err != nil {
		return err
	}

	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine max_parallel must be at least 1, got %d", c.Engine.MaxParallel)
	}
	if c.Engine.LoopCap < 1 || c.Engine.LoopCap > 100 {
		return fmt.Errorf("engine loop_cap must be in [1, 100], got %d", c.Engine.LoopCap)
	}

	return nil
}

func validateProvider(section, provider, path string) error {
	switch provider {
	case "memory":
		return nil
	case "sqlite":
		if path == "" {
			return fmt.Errorf("%s path required for sqlite provider", section)
		}
		return nil
	default:
		return fmt.Errorf("invalid %s provider: %q (memory or sqlite)", section, provider)
	}
}
