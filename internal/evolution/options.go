package evolution

// Default mining thresholds. Evolve clamps caller-supplied options back to
// these when they are zero or out of range.
const (
	DefaultMinPatternFrequency = 2
	DefaultMinSuccessRate      = 0.7
	DefaultMinPatternLength    = 2
	DefaultMaxPatternLength    = 5
	DefaultMaxProposals        = 10

	DefaultMinMutationSamples     = 5
	DefaultMaxMutationSuccessRate = 0.5

	DefaultMinDeprecationSamples     = 5
	DefaultMaxDeprecationSuccessRate = 0.2
	DefaultDeprecationWindowDays     = 30
)

// Options configures one mining pass.
type Options struct {
	// MinPatternFrequency is the minimum number of occurrences a subsequence
	// needs before it counts as a pattern.
	MinPatternFrequency int `json:"min_pattern_frequency"`

	// MinSuccessRate is the minimum success rate (successful occurrences over
	// all occurrences) a pattern needs to survive.
	MinSuccessRate float64 `json:"min_success_rate"`

	// MinPatternLength and MaxPatternLength bound the mined subsequence
	// length in primitives.
	MinPatternLength int `json:"min_pattern_length"`
	MaxPatternLength int `json:"max_pattern_length"`

	// MaxProposals caps the compositions proposed per pass.
	MaxProposals int `json:"max_proposals"`

	// MinMutationSamples and MaxMutationSuccessRate select mutation
	// candidates: compositions with at least that many traces in the window
	// and a success rate at or below the cap.
	MinMutationSamples     int     `json:"min_mutation_samples"`
	MaxMutationSuccessRate float64 `json:"max_mutation_success_rate"`

	// MinDeprecationSamples and MaxDeprecationSuccessRate select deprecation
	// candidates the same way, independently of the mutation thresholds.
	MinDeprecationSamples     int     `json:"min_deprecation_samples"`
	MaxDeprecationSuccessRate float64 `json:"max_deprecation_success_rate"`

	// DeprecationWindowDays restricts mutation/deprecation grouping to a
	// trailing window. Zero or negative means unbounded.
	DeprecationWindowDays int `json:"deprecation_window_days"`
}

// DefaultOptions returns the default mining configuration.
func DefaultOptions() Options {
	return Options{
		MinPatternFrequency:       DefaultMinPatternFrequency,
		MinSuccessRate:            DefaultMinSuccessRate,
		MinPatternLength:          DefaultMinPatternLength,
		MaxPatternLength:          DefaultMaxPatternLength,
		MaxProposals:              DefaultMaxProposals,
		MinMutationSamples:        DefaultMinMutationSamples,
		MaxMutationSuccessRate:    DefaultMaxMutationSuccessRate,
		MinDeprecationSamples:     DefaultMinDeprecationSamples,
		MaxDeprecationSuccessRate: DefaultMaxDeprecationSuccessRate,
		DeprecationWindowDays:     DefaultDeprecationWindowDays,
	}
}

// Normalize clamps invalid values back to defaults and keeps the length
// window coherent (min at least 1, max at least min).
func (o Options) Normalize() Options {
	if o.MinPatternFrequency < 1 {
		o.MinPatternFrequency = DefaultMinPatternFrequency
	}
	if o.MinSuccessRate <= 0 || o.MinSuccessRate > 1 {
		o.MinSuccessRate = DefaultMinSuccessRate
	}
	if o.MinPatternLength < 1 {
		o.MinPatternLength = DefaultMinPatternLength
	}
	if o.MaxPatternLength < o.MinPatternLength {
		o.MaxPatternLength = o.MinPatternLength
	}
	if o.MaxProposals < 1 {
		o.MaxProposals = DefaultMaxProposals
	}
	if o.MinMutationSamples < 1 {
		o.MinMutationSamples = DefaultMinMutationSamples
	}
	if o.MaxMutationSuccessRate <= 0 || o.MaxMutationSuccessRate > 1 {
		o.MaxMutationSuccessRate = DefaultMaxMutationSuccessRate
	}
	if o.MinDeprecationSamples < 1 {
		o.MinDeprecationSamples = DefaultMinDeprecationSamples
	}
	if o.MaxDeprecationSuccessRate <= 0 || o.MaxDeprecationSuccessRate > 1 {
		o.MaxDeprecationSuccessRate = DefaultMaxDeprecationSuccessRate
	}
	return o
}
