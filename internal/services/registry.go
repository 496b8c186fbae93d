package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nateschmiedehaus/librarian/internal/config"
	"github.com/nateschmiedehaus/librarian/internal/engine"
	"github.com/nateschmiedehaus/librarian/internal/evidence"
	"github.com/nateschmiedehaus/librarian/internal/evolution"
	"github.com/nateschmiedehaus/librarian/internal/learning"
	"github.com/nateschmiedehaus/librarian/internal/logging"
	"github.com/nateschmiedehaus/librarian/internal/redact"
	"github.com/nateschmiedehaus/librarian/internal/storage"
	"github.com/nateschmiedehaus/librarian/internal/technique"
	"github.com/nateschmiedehaus/librarian/internal/telemetry"
)

// Datastore combines composition/trace persistence with learner state.
// Both backends (memory and SQLite) implement it.
type Datastore interface {
	storage.Store
	storage.StateStore
}

// Registry provides access to all librarian services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Catalog() *technique.Catalog
	Engine() *engine.Engine
	Ledger() evidence.Ledger
	Store() Datastore
	Evolution() *evolution.Engine
	Learner() *learning.Service
	Scheduler() *evolution.Scheduler

	// Shutdown stops background work and closes resources in reverse
	// dependency order, joining errors.
	Shutdown(ctx context.Context) error
}

// Options configures the registry with service instances.
type Options struct {
	Catalog   *technique.Catalog
	Engine    *engine.Engine
	Ledger    evidence.Ledger
	Store     Datastore
	Evolution *evolution.Engine
	Learner   *learning.Service
	Scheduler *evolution.Scheduler
}

// registry is the concrete implementation of Registry.
type registry struct {
	catalog   *technique.Catalog
	engine    *engine.Engine
	ledger    evidence.Ledger
	store     Datastore
	evolution *evolution.Engine
	learner   *learning.Service
	scheduler *evolution.Scheduler
}

// NewRegistry creates a new service registry from pre-built services.
func NewRegistry(opts Options) Registry {
	return &registry{
		catalog:   opts.Catalog,
		engine:    opts.Engine,
		ledger:    opts.Ledger,
		store:     opts.Store,
		evolution: opts.Evolution,
		learner:   opts.Learner,
		scheduler: opts.Scheduler,
	}
}

func (r *registry) Catalog() *technique.Catalog     { return r.catalog }
func (r *registry) Engine() *engine.Engine          { return r.engine }
func (r *registry) Ledger() evidence.Ledger         { return r.ledger }
func (r *registry) Store() Datastore                { return r.store }
func (r *registry) Evolution() *evolution.Engine    { return r.evolution }
func (r *registry) Learner() *learning.Service      { return r.learner }
func (r *registry) Scheduler() *evolution.Scheduler { return r.scheduler }

// Shutdown stops the scheduler, then closes the ledger and store.
func (r *registry) Shutdown(ctx context.Context) error {
	var errs []error

	if r.scheduler != nil {
		if err := r.scheduler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
	}

	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ledger close: %w", err))
		}
	}

	if closer, ok := r.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Build wires the complete service graph from config.
//
// The catalog starts empty; callers register primitives and bind handlers
// before executing compositions. Telemetry may be nil or disabled; the
// engine then runs without tracing and metrics.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (Registry, error) {
	if cfg == nil {
		return nil, errors.New("services: config is required")
	}
	if logger == nil {
		return nil, errors.New("services: logger is required")
	}
	zl := logger.Underlying()

	store, err := buildStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("building store: %w", err)
	}

	ledger, err := buildLedger(cfg.Ledger)
	if err != nil {
		closeQuietly(store)
		return nil, fmt.Errorf("building ledger: %w", err)
	}

	catalog := technique.NewCatalog()

	engineOpts := []engine.Option{
		engine.WithLedger(ledger),
		engine.WithTraceRecorder(store),
		engine.WithLogger(zl),
		engine.WithMaxParallel(cfg.Engine.MaxParallel),
		engine.WithLoopCap(cfg.Engine.LoopCap),
	}
	if tel != nil && tel.IsEnabled() {
		engineOpts = append(engineOpts,
			engine.WithTracer(tel.Tracer("librarian.engine")),
			engine.WithMeter(tel.Meter("librarian.engine")),
		)
	}
	eng, err := engine.New(catalog, engineOpts...)
	if err != nil {
		closeQuietly(ledger, store)
		return nil, fmt.Errorf("building engine: %w", err)
	}

	evo, err := evolution.New(store, catalog, zl)
	if err != nil {
		closeQuietly(ledger, store)
		return nil, fmt.Errorf("building evolution engine: %w", err)
	}

	miningOpts := MiningOptions(cfg.Evolution)
	scheduler, err := evolution.NewScheduler(evo, store, zl,
		evolution.WithInterval(cfg.Evolution.Interval.Duration()),
		evolution.WithOptions(miningOpts),
	)
	if err != nil {
		closeQuietly(ledger, store)
		return nil, fmt.Errorf("building evolution scheduler: %w", err)
	}

	learner, err := learning.New(store, zl,
		learning.WithThresholds(learningThresholds(cfg.Learning)),
	)
	if err != nil {
		closeQuietly(ledger, store)
		return nil, fmt.Errorf("building learner: %w", err)
	}

	reg := NewRegistry(Options{
		Catalog:   catalog,
		Engine:    eng,
		Ledger:    ledger,
		Store:     store,
		Evolution: evo,
		Learner:   learner,
		Scheduler: scheduler,
	})

	if cfg.Evolution.SchedulerEnabled {
		if err := scheduler.Start(); err != nil {
			_ = reg.Shutdown(ctx)
			return nil, fmt.Errorf("starting evolution scheduler: %w", err)
		}
	}

	return reg, nil
}

// buildStore opens the configured composition/trace/state backend.
func buildStore(cfg config.StorageConfig) (Datastore, error) {
	switch cfg.Provider {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
		return storage.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage provider: %q", cfg.Provider)
	}
}

// buildLedger opens the configured evidence ledger backend.
func buildLedger(cfg config.LedgerConfig) (evidence.Ledger, error) {
	var redactor *redact.Redactor
	if cfg.RedactionEnabled {
		r, err := redact.New(redact.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("building redactor: %w", err)
		}
		redactor = r
	}

	switch cfg.Provider {
	case "memory":
		return evidence.NewMemoryLedger(redactor), nil
	case "sqlite":
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
		return evidence.OpenSQLiteLedger(path, redactor)
	default:
		return nil, fmt.Errorf("unknown ledger provider: %q", cfg.Provider)
	}
}

// MiningOptions maps evolution config onto mining thresholds. Zero values
// fall back to the package defaults via Normalize.
func MiningOptions(cfg config.EvolutionConfig) evolution.Options {
	return evolution.Options{
		MinPatternFrequency:       cfg.MinPatternFrequency,
		MinSuccessRate:            cfg.MinSuccessRate,
		MinPatternLength:          cfg.MinPatternLength,
		MaxPatternLength:          cfg.MaxPatternLength,
		MaxProposals:              cfg.MaxProposals,
		MinMutationSamples:        cfg.MinMutationSamples,
		MaxMutationSuccessRate:    cfg.MaxMutationSuccessRate,
		MinDeprecationSamples:     cfg.MinDeprecationSamples,
		MaxDeprecationSuccessRate: cfg.MaxDeprecationSuccessRate,
		DeprecationWindowDays:     cfg.DeprecationWindowDays,
	}.Normalize()
}

// TelemetryOptions maps top-level telemetry config onto the provider
// package's config, keeping its sampling and shutdown defaults.
func TelemetryOptions(cfg config.TelemetryConfig, serviceVersion string) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Enabled
	if cfg.Endpoint != "" {
		tc.Endpoint = cfg.Endpoint
	}
	if cfg.Protocol != "" {
		tc.Protocol = cfg.Protocol
	}
	if cfg.ServiceName != "" {
		tc.ServiceName = cfg.ServiceName
	}
	if serviceVersion != "" {
		tc.ServiceVersion = serviceVersion
	}
	tc.Insecure = cfg.Insecure
	tc.TLSSkipVerify = cfg.TLSSkipVerify
	if cfg.ExportInterval > 0 {
		tc.Metrics.ExportInterval = cfg.ExportInterval
	}
	return tc
}

// learningThresholds maps learning config onto consolidation thresholds.
// Zero values fall back to the package defaults via Normalize.
func learningThresholds(cfg config.LearningConfig) learning.Thresholds {
	return learning.Thresholds{
		MinSampleCount:          cfg.MinSampleCount,
		MinPredictiveValue:      cfg.MinPredictiveValue,
		InvariantMinSamples:     cfg.InvariantMinSamples,
		InvariantMinSuccessRate: cfg.InvariantMinSuccessRate,
		ShiftMeanThreshold:      cfg.ShiftMeanThreshold,
	}.Normalize()
}

// expandHome resolves a leading ~/ against the current user's home.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// ensureParentDir creates the database's parent directory with owner-only
// permissions.
func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}

// closeQuietly closes partially built resources on an error path.
func closeQuietly(closers ...any) {
	for _, c := range closers {
		if closer, ok := c.(io.Closer); ok && closer != nil {
			_ = closer.Close()
		}
	}
}
