package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nateschmiedehaus/librarian/internal/config"
	"github.com/nateschmiedehaus/librarian/internal/engine"
	"github.com/nateschmiedehaus/librarian/internal/evidence"
	"github.com/nateschmiedehaus/librarian/internal/logging"
	"github.com/nateschmiedehaus/librarian/internal/storage"
	"github.com/nateschmiedehaus/librarian/internal/technique"
	"github.com/nateschmiedehaus/librarian/internal/telemetry"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Provider: "memory"},
		Ledger:  config.LedgerConfig{Provider: "memory"},
		Engine:  config.EngineConfig{MaxParallel: 4, LoopCap: 10},
	}
}

func TestNewRegistry_EmptyAccessors(t *testing.T) {
	reg := NewRegistry(Options{})

	assert.Nil(t, reg.Catalog())
	assert.Nil(t, reg.Engine())
	assert.Nil(t, reg.Ledger())
	assert.Nil(t, reg.Store())
	assert.Nil(t, reg.Evolution())
	assert.Nil(t, reg.Learner())
	assert.Nil(t, reg.Scheduler())
}

func TestBuild_RequiresConfigAndLogger(t *testing.T) {
	logger := logging.NewTestLogger().Logger

	_, err := Build(context.Background(), nil, logger, nil)
	require.Error(t, err)

	_, err = Build(context.Background(), memoryConfig(), nil, nil)
	require.Error(t, err)
}

func TestBuild_UnknownProviders(t *testing.T) {
	logger := logging.NewTestLogger().Logger

	cfg := memoryConfig()
	cfg.Storage.Provider = "postgres"
	_, err := Build(context.Background(), cfg, logger, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage provider")

	cfg = memoryConfig()
	cfg.Ledger.Provider = "postgres"
	_, err = Build(context.Background(), cfg, logger, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ledger provider")
}

func TestBuild_MemoryProviders(t *testing.T) {
	logger := logging.NewTestLogger().Logger

	reg, err := Build(context.Background(), memoryConfig(), logger, nil)
	require.NoError(t, err)

	assert.NotNil(t, reg.Catalog())
	assert.NotNil(t, reg.Engine())
	assert.NotNil(t, reg.Ledger())
	assert.NotNil(t, reg.Store())
	assert.NotNil(t, reg.Evolution())
	assert.NotNil(t, reg.Learner())
	assert.NotNil(t, reg.Scheduler())

	require.NoError(t, reg.Shutdown(context.Background()))
}

func TestBuild_EngineWiredToStoreAndLedger(t *testing.T) {
	// A composition executed through the built engine leaves a trace in the
	// store and evidence in the ledger.
	logger := logging.NewTestLogger().Logger
	ctx := context.Background()

	reg, err := Build(ctx, memoryConfig(), logger, nil)
	require.NoError(t, err)
	defer reg.Shutdown(ctx)

	cat := reg.Catalog()
	require.NoError(t, cat.Register(technique.Primitive{ID: "hypothesize", Name: "hypothesize"}))
	require.NoError(t, cat.Bind("hypothesize", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"result": true}, nil
	}))

	comp, err := technique.NewComposition("tc_check", "check", []string{"hypothesize"})
	require.NoError(t, err)

	run, err := reg.Engine().ExecuteComposition(ctx, comp, nil, engine.WithSessionID("sess_reg"))
	require.NoError(t, err)
	res := run.Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, technique.OutcomeSuccess, res.Outcome)

	traces, err := reg.Store().ListExecutionTraces(ctx, storage.TraceFilter{CompositionID: "tc_check"})
	require.NoError(t, err)
	require.Len(t, traces, 1)

	entries, err := reg.Ledger().Query(ctx, evidence.Filter{SessionID: "sess_reg"})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	require.NoError(t, reg.Ledger().VerifyChain(ctx, "sess_reg"))
}

func TestBuild_WithTelemetryRecordsEngineSpans(t *testing.T) {
	logger := logging.NewTestLogger().Logger
	ctx := context.Background()

	tt := telemetry.NewTestTelemetry()
	reg, err := Build(ctx, memoryConfig(), logger, tt.Telemetry)
	require.NoError(t, err)
	defer reg.Shutdown(ctx)

	cat := reg.Catalog()
	require.NoError(t, cat.Register(technique.Primitive{ID: "observe", Name: "observe"}))
	require.NoError(t, cat.Bind("observe", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	comp, err := technique.NewComposition("tc_spans", "spans", []string{"observe"})
	require.NoError(t, err)

	run, err := reg.Engine().ExecuteComposition(ctx, comp, nil)
	require.NoError(t, err)
	require.NoError(t, run.Wait().Err)

	tt.AssertSpanExists(t, "librarian.engine/ExecuteComposition")
	tt.AssertSpanAttribute(t, "librarian.engine/ExecuteComposition",
		"librarian.composition.id", "tc_spans")
}

func TestTelemetryOptions(t *testing.T) {
	tc := TelemetryOptions(config.TelemetryConfig{
		Enabled:        true,
		ServiceName:    "librarian-staging",
		Endpoint:       "collector.internal:4317",
		Protocol:       "http",
		TLSSkipVerify:  true,
		ExportInterval: config.Duration(60e9),
	}, "1.2.3")

	assert.True(t, tc.Enabled)
	assert.Equal(t, "librarian-staging", tc.ServiceName)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.Equal(t, "collector.internal:4317", tc.Endpoint)
	assert.Equal(t, "http", tc.Protocol)
	assert.False(t, tc.Insecure)
	assert.True(t, tc.TLSSkipVerify)
	assert.Equal(t, config.Duration(60e9), tc.Metrics.ExportInterval)

	// Zero values keep provider-package defaults.
	def := TelemetryOptions(config.TelemetryConfig{}, "")
	assert.False(t, def.Enabled)
	assert.Equal(t, "librarian", def.ServiceName)
	assert.Equal(t, "localhost:4317", def.Endpoint)
	assert.Equal(t, "grpc", def.Protocol)
}

func TestBuild_SchedulerStartsWhenEnabled(t *testing.T) {
	logger := logging.NewTestLogger().Logger
	ctx := context.Background()

	cfg := memoryConfig()
	cfg.Evolution.SchedulerEnabled = true
	cfg.Evolution.Interval = config.Duration(3600e9)

	reg, err := Build(ctx, cfg, logger, nil)
	require.NoError(t, err)

	// Starting again must fail while running.
	require.Error(t, reg.Scheduler().Start())

	require.NoError(t, reg.Shutdown(ctx))
	// Shutdown is safe to repeat; the scheduler stop is a no-op.
	require.NoError(t, reg.Shutdown(ctx))
}
