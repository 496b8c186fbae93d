package evolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nateschmiedehaus/librarian/internal/storage"
	"github.com/nateschmiedehaus/librarian/internal/technique"
)

func newTestEngine(t *testing.T, store storage.Store, primitiveIDs ...string) *Engine {
	t.Helper()
	cat := technique.NewCatalog()
	for _, id := range primitiveIDs {
		require.NoError(t, cat.Register(technique.Primitive{ID: id, Name: id}))
	}
	e, err := New(store, cat, zap.NewNop())
	require.NoError(t, err)
	return e
}

func recordTrace(t *testing.T, store storage.Store, compID string, sequence []string, outcome technique.Outcome, at time.Time) {
	t.Helper()
	tr := technique.NewExecutionTrace(compID)
	tr.PrimitiveSequence = sequence
	tr.Outcome = outcome
	tr.Timestamp = at
	require.NoError(t, store.RecordExecutionTrace(context.Background(), tr))
}

func TestNew_Validation(t *testing.T) {
	cat := technique.NewCatalog()
	_, err := New(nil, cat, zap.NewNop())
	require.Error(t, err)

	_, err = New(storage.NewMemoryStore(), nil, zap.NewNop())
	require.Error(t, err)
}

// A two-step sequence repeated back-to-back in one successful trace is
// discovered exactly once and proposed wrapped in a loop operator.
func TestEvolve_RepeatedSequenceBecomesLoopProposal(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "hypothesize", "bisect")
	recordTrace(t, store, "tc_manual", []string{"hypothesize", "bisect", "hypothesize", "bisect"},
		technique.OutcomeSuccess, time.Now())

	report, err := e.Evolve(context.Background(), Options{
		MinPatternFrequency: 2,
		MinPatternLength:    2,
		MaxPatternLength:    2,
		MinSuccessRate:      0.5,
	})
	require.NoError(t, err)

	require.Len(t, report.DiscoveredPatterns, 1)
	p := report.DiscoveredPatterns[0]
	assert.Equal(t, []string{"hypothesize", "bisect"}, p.Sequence)
	assert.Equal(t, 2, p.Frequency)
	assert.True(t, p.Repeats)

	require.Len(t, report.ProposedCompositions, 1)
	comp := report.ProposedCompositions[0]
	assert.Contains(t, comp.ID, "tc_evolved_")
	require.Len(t, comp.Operators, 1)
	assert.Equal(t, technique.OperatorLoop, comp.Operators[0].Type)
	require.NoError(t, comp.Validate())
}

// A frequent sequence seen across traces without back-to-back repetition is
// proposed as a plain sequence.
func TestEvolve_NonRepeatingPatternBecomesSequence(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "read_file", "summarize", "rank")
	for i := 0; i < 3; i++ {
		recordTrace(t, store, "tc_ctx", []string{"read_file", "summarize", "rank"},
			technique.OutcomeSuccess, time.Now())
	}

	report, err := e.Evolve(context.Background(), Options{
		MinPatternFrequency: 3,
		MinPatternLength:    3,
		MaxPatternLength:    3,
		MinSuccessRate:      0.9,
	})
	require.NoError(t, err)
	require.Len(t, report.ProposedCompositions, 1)
	op := report.ProposedCompositions[0].Operators[0]
	assert.Equal(t, technique.OperatorSequence, op.Type)
	assert.Equal(t, []string{"read_file", "summarize", "rank"}, op.Inputs)
}

// Patterns referencing a primitive the catalog does not know are dropped
// before proposal, never substituted.
func TestEvolve_UnknownPrimitiveDroppedFromProposals(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "known")
	for i := 0; i < 2; i++ {
		recordTrace(t, store, "tc_x", []string{"known", "forgotten"},
			technique.OutcomeSuccess, time.Now())
	}

	report, err := e.Evolve(context.Background(), Options{
		MinPatternFrequency: 2,
		MinPatternLength:    2,
		MaxPatternLength:    2,
		MinSuccessRate:      0.5,
	})
	require.NoError(t, err)
	assert.Len(t, report.DiscoveredPatterns, 1, "pattern is still discovered")
	assert.Empty(t, report.ProposedCompositions, "but not proposed")
}

// A colliding proposal ID gains a numeric suffix instead of overwriting the
// stored composition.
func TestEvolve_ProposalIDCollisionDisambiguated(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "a", "b")
	for i := 0; i < 2; i++ {
		recordTrace(t, store, "tc_y", []string{"a", "b"}, technique.OutcomeSuccess, time.Now())
	}

	opts := Options{MinPatternFrequency: 2, MinPatternLength: 2, MaxPatternLength: 2, MinSuccessRate: 0.5}
	first, err := e.Evolve(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, first.ProposedCompositions, 1)
	existing := first.ProposedCompositions[0]
	require.NoError(t, store.SaveComposition(context.Background(), existing))

	second, err := e.Evolve(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, second.ProposedCompositions, 1)
	proposed := second.ProposedCompositions[0]
	assert.NotEqual(t, existing.ID, proposed.ID)
	assert.Equal(t, existing.ID+"_2", proposed.ID)
}

// Empty and whitespace-only primitive IDs contribute no patterns.
func TestEvolve_WhitespaceSequencesIgnored(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "a")
	recordTrace(t, store, "tc_z", []string{"", "   ", "\t"}, technique.OutcomeSuccess, time.Now())
	recordTrace(t, store, "tc_z", nil, technique.OutcomeSuccess, time.Now())

	report, err := e.Evolve(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, report.DiscoveredPatterns)
	assert.Equal(t, 2, report.TracesScanned)
}

// Three failed traces inside a one-day window put the composition on the
// deprecation list.
func TestEvolve_DeprecationCandidates(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "a")
	for i := 0; i < 3; i++ {
		recordTrace(t, store, "tc_bad", []string{"a"}, technique.OutcomeFailure, time.Now())
	}

	report, err := e.Evolve(context.Background(), Options{
		MinDeprecationSamples:     3,
		MaxDeprecationSuccessRate: 0.4,
		DeprecationWindowDays:     1,
	})
	require.NoError(t, err)
	require.Len(t, report.DeprecationCandidates, 1)
	c := report.DeprecationCandidates[0]
	assert.Equal(t, "tc_bad", c.CompositionID)
	assert.Equal(t, 3, c.SampleCount)
	assert.Zero(t, c.SuccessRate)
}

// Mutation and deprecation lists apply their thresholds independently: a
// mid-performing composition can be a mutation candidate without being a
// deprecation candidate.
func TestEvolve_MutationIndependentOfDeprecation(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "a")
	for i := 0; i < 10; i++ {
		outcome := technique.OutcomeFailure
		if i < 4 {
			outcome = technique.OutcomeSuccess
		}
		recordTrace(t, store, "tc_mid", []string{"a"}, outcome, time.Now())
	}

	report, err := e.Evolve(context.Background(), Options{
		MinMutationSamples:        5,
		MaxMutationSuccessRate:    0.5,
		MinDeprecationSamples:     5,
		MaxDeprecationSuccessRate: 0.2,
	})
	require.NoError(t, err)
	require.Len(t, report.SuggestedMutations, 1)
	assert.Equal(t, "tc_mid", report.SuggestedMutations[0].CompositionID)
	assert.Empty(t, report.DeprecationCandidates)
}

// Traces outside the trailing window are excluded from candidate grouping.
func TestEvolve_WindowExcludesOldTraces(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "a")
	old := time.Now().Add(-72 * time.Hour)
	for i := 0; i < 3; i++ {
		recordTrace(t, store, "tc_old", []string{"a"}, technique.OutcomeFailure, old)
	}

	report, err := e.Evolve(context.Background(), Options{
		MinDeprecationSamples:     3,
		MaxDeprecationSuccessRate: 0.4,
		DeprecationWindowDays:     1,
	})
	require.NoError(t, err)
	assert.Empty(t, report.DeprecationCandidates)
}

// Timeout and max_iterations outcomes count against the success rate the
// same as failures.
func TestEvolve_NonSuccessOutcomesAreNotSuccesses(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, "a", "b")
	recordTrace(t, store, "tc_t", []string{"a", "b"}, technique.OutcomeTimeout, time.Now())
	recordTrace(t, store, "tc_t", []string{"a", "b"}, technique.OutcomeMaxIterations, time.Now())

	report, err := e.Evolve(context.Background(), Options{
		MinPatternFrequency: 2,
		MinPatternLength:    2,
		MaxPatternLength:    2,
		MinSuccessRate:      0.5,
	})
	require.NoError(t, err)
	assert.Empty(t, report.DiscoveredPatterns)
}

func TestOptions_NormalizeClampsInvalidValues(t *testing.T) {
	got := Options{MinSuccessRate: -1, MaxPatternLength: 1, MinPatternLength: 3}.Normalize()
	assert.Equal(t, DefaultMinSuccessRate, got.MinSuccessRate)
	assert.Equal(t, 3, got.MinPatternLength)
	assert.Equal(t, 3, got.MaxPatternLength, "max is raised to min")
	assert.Equal(t, DefaultMaxProposals, got.MaxProposals)
}
