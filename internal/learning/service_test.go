package learning

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nateschmiedehaus/librarian/internal/storage"
	"github.com/nateschmiedehaus/librarian/internal/technique"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	s, err := New(store, zap.NewNop(), opts...)
	require.NoError(t, err)
	return s, store
}

func record(t *testing.T, s *Service, intent, compID string, status technique.Outcome, errStr string) *ModelUpdate {
	t.Helper()
	up, err := s.RecordOutcome(context.Background(), Episode{
		Intent:        intent,
		CompositionID: compID,
	}, OutcomeReport{Status: status, Error: errStr})
	require.NoError(t, err)
	return up
}

func TestNew_RequiresStateStore(t *testing.T) {
	_, err := New(nil, zap.NewNop())
	require.Error(t, err)
}

func TestRecordOutcome_Validation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.RecordOutcome(ctx, Episode{CompositionID: "tc"}, OutcomeReport{Status: technique.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrEmptyIntent)

	_, err = s.RecordOutcome(ctx, Episode{Intent: "fix bug"}, OutcomeReport{Status: technique.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrEmptyComposition)

	_, err = s.RecordOutcome(ctx, Episode{Intent: "fix bug", CompositionID: "tc"}, OutcomeReport{Status: "bogus"})
	assert.ErrorIs(t, err, technique.ErrInvalidOutcome)
}

func TestRecordOutcome_AccumulatesCounters(t *testing.T) {
	s, _ := newTestService(t)

	up := record(t, s, "fix bug", "tc_a", technique.OutcomeSuccess, "")
	assert.Equal(t, 1, up.NewSampleCount)
	assert.InDelta(t, 1.0, up.NewSuccessRate, 1e-9)
	assert.Equal(t, TierRecent, up.Tier)

	up = record(t, s, "fix bug", "tc_a", technique.OutcomeFailure, "boom")
	assert.Equal(t, 2, up.NewSampleCount)
	assert.InDelta(t, 0.5, up.NewSuccessRate, 1e-9)
	assert.False(t, up.AntiPattern)
}

// Five consecutive failures suppress the composition and add the fixed
// anti-pattern warning; a subsequent success for a different composition
// under the same intent ranks first.
func TestRecommendations_AntiPatternSuppression(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		record(t, s, "debug flake", "tc_bad", technique.OutcomeFailure, "handler exploded")
	}
	up := record(t, s, "debug flake", "tc_good", technique.OutcomeSuccess, "")
	assert.False(t, up.AntiPattern)

	rec, err := s.Recommendations(ctx, "debug flake", nil)
	require.NoError(t, err)

	require.Len(t, rec.SuggestedCompositions, 1)
	assert.Equal(t, "tc_good", rec.SuggestedCompositions[0].CompositionID)
	assert.Contains(t, rec.WarningsFromHistory, AntiPatternWarning)
}

// Recorded failure error strings surface verbatim inside the warnings.
func TestRecommendations_ErrorStringsSurfaced(t *testing.T) {
	s, _ := newTestService(t)

	record(t, s, "find root cause", "tc_x", technique.OutcomeFailure, "connection refused to qdrant")

	rec, err := s.Recommendations(context.Background(), "find root cause", nil)
	require.NoError(t, err)

	found := false
	for _, w := range rec.WarningsFromHistory {
		if strings.Contains(w, "connection refused to qdrant") {
			found = true
		}
	}
	assert.True(t, found, "warnings %v should carry the error verbatim", rec.WarningsFromHistory)
}

// A success after a failure streak resets the streak, lifting suppression.
func TestRecordOutcome_SuccessResetsStreak(t *testing.T) {
	s, _ := newTestService(t)

	for i := 0; i < 4; i++ {
		record(t, s, "refactor", "tc_r", technique.OutcomeFailure, "")
	}
	up := record(t, s, "refactor", "tc_r", technique.OutcomeSuccess, "")
	assert.False(t, up.AntiPattern)

	rec, err := s.Recommendations(context.Background(), "refactor", nil)
	require.NoError(t, err)
	require.Len(t, rec.SuggestedCompositions, 1)
}

// Three successive consolidation calls walk the tier path
// recent → learned → invariant in order, never skipping.
func TestConsolidate_TierProgression(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		record(t, s, "explain code", "tc_t", technique.OutcomeSuccess, "")
	}

	th := Thresholds{
		MinSampleCount:          4,
		MinPredictiveValue:      0.6,
		InvariantMinSamples:     4,
		InvariantMinSuccessRate: 0.9,
	}

	rep, err := s.Consolidate(ctx, th)
	require.NoError(t, err)
	require.Len(t, rep.Promotions, 1)
	assert.Equal(t, TierRecent, rep.Promotions[0].From)
	assert.Equal(t, TierLearned, rep.Promotions[0].To)

	rep, err = s.Consolidate(ctx, th)
	require.NoError(t, err)
	require.Len(t, rep.Promotions, 1)
	assert.Equal(t, TierLearned, rep.Promotions[0].From)
	assert.Equal(t, TierInvariant, rep.Promotions[0].To)

	rep, err = s.Consolidate(ctx, th)
	require.NoError(t, err)
	assert.Empty(t, rep.Promotions, "invariant is terminal; no demotion on stale data")

	rec, err := s.Recommendations(ctx, "explain code", nil)
	require.NoError(t, err)
	require.Len(t, rec.SuggestedCompositions, 1)
	assert.Equal(t, TierInvariant, rec.SuggestedCompositions[0].Tier)
}

// The invariant step is gated by the stricter thresholds even when the
// learned step qualifies.
func TestConsolidate_InvariantRequiresStricterThresholds(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		record(t, s, "triage", "tc_t", technique.OutcomeSuccess, "")
	}

	th := Thresholds{
		MinSampleCount:          4,
		MinPredictiveValue:      0.6,
		InvariantMinSamples:     12,
		InvariantMinSuccessRate: 0.9,
	}

	_, err := s.Consolidate(ctx, th)
	require.NoError(t, err)

	rep, err := s.Consolidate(ctx, th)
	require.NoError(t, err)
	assert.Empty(t, rep.Promotions, "four samples do not reach the invariant bar")
}

// Suggestions rank by tier, then success rate, then sample count.
func TestRecommendations_Ranking(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		record(t, s, "rank me", "tc_learned", technique.OutcomeSuccess, "")
	}
	_, err := s.Consolidate(ctx, Thresholds{MinSampleCount: 4, MinPredictiveValue: 0.6,
		InvariantMinSamples: 12, InvariantMinSuccessRate: 0.9})
	require.NoError(t, err)

	record(t, s, "rank me", "tc_fresh", technique.OutcomeSuccess, "")

	rec, err := s.Recommendations(ctx, "rank me", nil)
	require.NoError(t, err)
	require.Len(t, rec.SuggestedCompositions, 2)
	assert.Equal(t, "tc_learned", rec.SuggestedCompositions[0].CompositionID)
	assert.Equal(t, "tc_fresh", rec.SuggestedCompositions[1].CompositionID)
}

// Effective primitives and reliable sources come from the episode sequences.
func TestRecommendations_PrimitivesAndSources(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.RecordOutcome(ctx, Episode{
		Intent:            "summarize module",
		CompositionID:     "tc_s",
		PrimitiveSequence: []string{"read_file", "summarize"},
		ContextSources:    []string{"call_graph"},
	}, OutcomeReport{Status: technique.OutcomeSuccess})
	require.NoError(t, err)

	_, err = s.RecordOutcome(ctx, Episode{
		Intent:            "summarize module",
		CompositionID:     "tc_s",
		PrimitiveSequence: []string{"read_file", "guess"},
		ContextSources:    []string{"call_graph", "stale_index"},
	}, OutcomeReport{Status: technique.OutcomeFailure, Error: "bad guess"})
	require.NoError(t, err)

	rec, err := s.Recommendations(ctx, "summarize module", nil)
	require.NoError(t, err)
	assert.Contains(t, rec.EffectivePrimitives, "summarize")
	assert.Contains(t, rec.EffectivePrimitives, "read_file")
	assert.NotContains(t, rec.EffectivePrimitives, "guess")
	assert.Contains(t, rec.ReliableContextSources, "call_graph")
	assert.NotContains(t, rec.ReliableContextSources, "stale_index")
}

// Shift detection compares the caller's current embedding statistics against
// recorded snapshots and warns in addition to normal recommendations.
func TestRecommendations_DistributionShift(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.RecordOutcome(ctx, Episode{
		Intent:        "navigate code",
		CompositionID: "tc_n",
		Embedding:     &EmbeddingStats{Mean: 0.10, Variance: 0.02, SampleCount: 500},
	}, OutcomeReport{Status: technique.OutcomeSuccess})
	require.NoError(t, err)

	rec, err := s.Recommendations(ctx, "navigate code", &Query{
		RequireShiftDetection: true,
		Current:               &EmbeddingStats{Mean: 0.60, Variance: 0.02, SampleCount: 500},
	})
	require.NoError(t, err)
	assert.Contains(t, rec.WarningsFromHistory, DistributionShiftWarning)
	assert.Len(t, rec.SuggestedCompositions, 1, "shift warns, it does not suppress")

	rec, err = s.Recommendations(ctx, "navigate code", &Query{
		RequireShiftDetection: true,
		Current:               &EmbeddingStats{Mean: 0.12, Variance: 0.02, SampleCount: 500},
	})
	require.NoError(t, err)
	assert.NotContains(t, rec.WarningsFromHistory, DistributionShiftWarning)
}

// State survives service reconstruction through the StateStore, under the
// schema_version 1 envelope.
func TestService_StatePersistsAcrossRestarts(t *testing.T) {
	store := storage.NewMemoryStore()
	s1, err := New(store, zap.NewNop())
	require.NoError(t, err)

	_, err = s1.RecordOutcome(context.Background(), Episode{
		Intent: "carry over", CompositionID: "tc_c",
	}, OutcomeReport{Status: technique.OutcomeSuccess})
	require.NoError(t, err)

	raw, ok, err := store.GetState(context.Background(), StateKey)
	require.NoError(t, err)
	require.True(t, ok)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.EqualValues(t, 1, envelope["schema_version"])

	s2, err := New(store, zap.NewNop())
	require.NoError(t, err)
	rec, err := s2.Recommendations(context.Background(), "carry over", nil)
	require.NoError(t, err)
	require.Len(t, rec.SuggestedCompositions, 1)
	assert.Equal(t, 1, rec.SuggestedCompositions[0].SampleCount)
}

func TestService_RejectsUnknownSchemaVersion(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.SetState(context.Background(), StateKey, []byte(`{"schema_version":99}`)))

	s, err := New(store, zap.NewNop())
	require.NoError(t, err)
	_, err = s.Recommendations(context.Background(), "anything", nil)
	assert.True(t, errors.Is(err, ErrUnsupportedStateSchema))
}

func TestRecommendations_UnknownIntentIsEmpty(t *testing.T) {
	s, _ := newTestService(t)
	rec, err := s.Recommendations(context.Background(), "never seen", nil)
	require.NoError(t, err)
	assert.Empty(t, rec.SuggestedCompositions)
	assert.Empty(t, rec.WarningsFromHistory)
}
