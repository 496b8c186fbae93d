package learning

import (
	"time"

	"github.com/nateschmiedehaus/librarian/internal/technique"
)

const (
	// StateKey is the fixed StateStore key the whole model lives under.
	StateKey = "librarian/learning-state"

	// SchemaVersion is the persisted state format version.
	SchemaVersion = 1

	// antiPatternStreak is the consecutive-failure count that suppresses a
	// composition from recommendations.
	antiPatternStreak = 5

	// maxRecentErrors bounds the error strings kept per composition.
	maxRecentErrors = 10
)

// Warnings surfaced through Recommendations. Fixed strings so downstream
// consumers can match them.
const (
	AntiPatternWarning       = "This approach has failed consistently"
	DistributionShiftWarning = "Distribution shift detected; patterns may not apply"
)

// Tier is the trust level a composition has earned under one intent.
type Tier string

const (
	// TierRecent is the entry tier for newly observed compositions.
	TierRecent Tier = "recent"

	// TierLearned marks compositions that met the promotion thresholds once.
	TierLearned Tier = "learned"

	// TierInvariant is the top tier, requiring the stricter invariant
	// thresholds.
	TierInvariant Tier = "invariant"
)

// rank orders tiers for recommendation sorting.
func (t Tier) rank() int {
	switch t {
	case TierInvariant:
		return 2
	case TierLearned:
		return 1
	default:
		return 0
	}
}

// next returns the tier one promotion step up.
func (t Tier) next() Tier {
	switch t {
	case TierRecent:
		return TierLearned
	case TierLearned:
		return TierInvariant
	default:
		return t
	}
}

// EmbeddingStats summarizes the codebase embedding distribution at a point
// in time. Captured alongside outcomes and compared on recommendation
// requests to detect distribution shift.
type EmbeddingStats struct {
	Mean        float64 `json:"mean"`
	Variance    float64 `json:"variance"`
	SampleCount int     `json:"sample_count"`
}

// Episode identifies what ran and in what context when an outcome is
// recorded.
type Episode struct {
	// Intent is the task description; normalized before use as a model key.
	Intent string `json:"intent"`

	// CompositionID is the strategy that ran.
	CompositionID string `json:"composition_id"`

	// PrimitiveSequence is the primitive order the run actually took.
	PrimitiveSequence []string `json:"primitive_sequence,omitempty"`

	// ContextSources names the retrieval sources that fed the run.
	ContextSources []string `json:"context_sources,omitempty"`

	// SessionID scopes the episode to a logical run.
	SessionID string `json:"session_id,omitempty"`

	// Embedding snapshots the codebase distribution at outcome time.
	Embedding *EmbeddingStats `json:"embedding,omitempty"`
}

// OutcomeReport is the terminal result being recorded for an episode.
type OutcomeReport struct {
	// Status is the run outcome; only success counts toward success rates.
	Status technique.Outcome `json:"status"`

	// Error carries the failure message, surfaced verbatim in warnings.
	Error string `json:"error,omitempty"`

	// DurationMS is the run duration in milliseconds.
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// ModelUpdate reports the state a RecordOutcome call left behind.
type ModelUpdate struct {
	Intent         string  `json:"intent"`
	CompositionID  string  `json:"composition_id"`
	NewSampleCount int     `json:"new_sample_count"`
	NewSuccessRate float64 `json:"new_success_rate"`
	Tier           Tier    `json:"tier"`
	AntiPattern    bool    `json:"anti_pattern"`
}

// Thresholds governs consolidation and shift detection.
type Thresholds struct {
	// MinSampleCount and MinPredictiveValue gate the recent→learned and
	// learned→invariant promotion steps.
	MinSampleCount     int     `json:"min_sample_count"`
	MinPredictiveValue float64 `json:"min_predictive_value"`

	// InvariantMinSamples and InvariantMinSuccessRate additionally gate the
	// top tier.
	InvariantMinSamples     int     `json:"invariant_min_samples"`
	InvariantMinSuccessRate float64 `json:"invariant_min_success_rate"`

	// ShiftMeanThreshold is the embedding mean divergence that triggers the
	// distribution-shift warning.
	ShiftMeanThreshold float64 `json:"shift_mean_threshold"`
}

// DefaultThresholds returns the default consolidation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSampleCount:          4,
		MinPredictiveValue:      0.6,
		InvariantMinSamples:     12,
		InvariantMinSuccessRate: 0.9,
		ShiftMeanThreshold:      0.25,
	}
}

// Normalize fills zero or out-of-range values from the defaults.
func (t Thresholds) Normalize() Thresholds {
	def := DefaultThresholds()
	if t.MinSampleCount < 1 {
		t.MinSampleCount = def.MinSampleCount
	}
	if t.MinPredictiveValue <= 0 || t.MinPredictiveValue > 1 {
		t.MinPredictiveValue = def.MinPredictiveValue
	}
	if t.InvariantMinSamples < 1 {
		t.InvariantMinSamples = def.InvariantMinSamples
	}
	if t.InvariantMinSuccessRate <= 0 || t.InvariantMinSuccessRate > 1 {
		t.InvariantMinSuccessRate = def.InvariantMinSuccessRate
	}
	if t.ShiftMeanThreshold <= 0 {
		t.ShiftMeanThreshold = def.ShiftMeanThreshold
	}
	return t
}

// CompositionStats is the evolving record for one (intent, composition)
// pair.
type CompositionStats struct {
	SampleCount         int             `json:"sample_count"`
	SuccessCount        int             `json:"success_count"`
	Tier                Tier            `json:"tier"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	RecentErrors        []string        `json:"recent_errors,omitempty"`
	Embedding           *EmbeddingStats `json:"embedding,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// successRate is SuccessCount over SampleCount, zero before any samples.
func (s *CompositionStats) successRate() float64 {
	if s.SampleCount == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.SampleCount)
}

// antiPattern reports whether the composition is under anti-pattern
// suppression. Independent of tier.
func (s *CompositionStats) antiPattern() bool {
	return s.ConsecutiveFailures >= antiPatternStreak
}

// counter tracks sample/success totals for primitives and context sources.
type counter struct {
	Samples   int `json:"samples"`
	Successes int `json:"successes"`
}

func (c *counter) rate() float64 {
	if c.Samples == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Samples)
}

// intentModel is everything learned under one normalized intent.
type intentModel struct {
	Compositions map[string]*CompositionStats `json:"compositions"`
	Primitives   map[string]*counter          `json:"primitives,omitempty"`
	Sources      map[string]*counter          `json:"sources,omitempty"`
}

func newIntentModel() *intentModel {
	return &intentModel{
		Compositions: make(map[string]*CompositionStats),
		Primitives:   make(map[string]*counter),
		Sources:      make(map[string]*counter),
	}
}

// state is the persisted model document.
type state struct {
	SchemaVersion int                     `json:"schema_version"`
	Intents       map[string]*intentModel `json:"intents"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func newState() *state {
	return &state{
		SchemaVersion: SchemaVersion,
		Intents:       make(map[string]*intentModel),
	}
}

// model returns the intent's model, creating it on first use.
func (st *state) model(intent string) *intentModel {
	m, ok := st.Intents[intent]
	if !ok {
		m = newIntentModel()
		st.Intents[intent] = m
	}
	if m.Compositions == nil {
		m.Compositions = make(map[string]*CompositionStats)
	}
	if m.Primitives == nil {
		m.Primitives = make(map[string]*counter)
	}
	if m.Sources == nil {
		m.Sources = make(map[string]*counter)
	}
	return m
}
