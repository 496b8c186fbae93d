package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nateschmiedehaus/librarian/internal/storage"
	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// Errors returned by the learner.
var (
	ErrEmptyIntent            = errors.New("intent cannot be empty")
	ErrEmptyComposition       = errors.New("composition ID cannot be empty")
	ErrUnsupportedStateSchema = errors.New("unsupported learning state schema version")
)

// Promotion records one tier change from a consolidation pass.
type Promotion struct {
	Intent        string `json:"intent"`
	CompositionID string `json:"composition_id"`
	From          Tier   `json:"from"`
	To            Tier   `json:"to"`
}

// ConsolidationReport summarizes one Consolidate call.
type ConsolidationReport struct {
	Evaluated  int         `json:"evaluated"`
	Promotions []Promotion `json:"promotions"`
}

// Suggestion is one ranked composition recommendation.
type Suggestion struct {
	CompositionID string  `json:"composition_id"`
	Tier          Tier    `json:"tier"`
	SampleCount   int     `json:"sample_count"`
	SuccessRate   float64 `json:"success_rate"`
}

// Query tunes a Recommendations call.
type Query struct {
	// Limit bounds suggested compositions. Zero means no limit.
	Limit int

	// RequireShiftDetection compares Current against recorded embedding
	// snapshots and appends the shift warning on divergence.
	RequireShiftDetection bool

	// Current is the caller's present codebase embedding statistics.
	Current *EmbeddingStats
}

// Recommendations is what the learner knows about an intent.
type Recommendations struct {
	SuggestedCompositions  []Suggestion `json:"suggested_compositions"`
	EffectivePrimitives    []string     `json:"effective_primitives"`
	ReliableContextSources []string     `json:"reliable_context_sources"`
	WarningsFromHistory    []string     `json:"warnings_from_history"`
}

// Option configures the Service.
type Option func(*Service)

// WithThresholds sets the default consolidation and shift thresholds.
func WithThresholds(t Thresholds) Option {
	return func(s *Service) { s.thresholds = t.Normalize() }
}

// WithClock overrides the service clock. Test seam.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Thresholds returns the service's configured consolidation thresholds.
func (s *Service) Thresholds() Thresholds {
	return s.thresholds
}

// Service is the closed-loop learner. The model is one logical document per
// workspace: every mutating call holds the single-writer lock, applies its
// update, and persists the whole state before returning.
type Service struct {
	states     storage.StateStore
	logger     *zap.Logger
	thresholds Thresholds
	now        func() time.Time

	mu     sync.Mutex
	loaded bool
	st     *state
}

// New creates a learner over the state store. State is loaded lazily on
// first use.
func New(states storage.StateStore, logger *zap.Logger, opts ...Option) (*Service, error) {
	if states == nil {
		return nil, errors.New("learning: state store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		states:     states,
		logger:     logger,
		thresholds: DefaultThresholds(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// load reads the persisted state on first access. Caller holds s.mu.
func (s *Service) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	raw, ok, err := s.states.GetState(ctx, StateKey)
	if err != nil {
		return fmt.Errorf("learning: loading state: %w", err)
	}
	if !ok {
		s.st = newState()
		s.loaded = true
		return nil
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("learning: decoding state: %w", err)
	}
	if st.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedStateSchema, st.SchemaVersion)
	}
	if st.Intents == nil {
		st.Intents = make(map[string]*intentModel)
	}
	s.st = &st
	s.loaded = true
	return nil
}

// persist writes the whole state document. Caller holds s.mu.
func (s *Service) persist(ctx context.Context) error {
	s.st.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(s.st)
	if err != nil {
		return fmt.Errorf("learning: encoding state: %w", err)
	}
	if err := s.states.SetState(ctx, StateKey, raw); err != nil {
		return fmt.Errorf("learning: persisting state: %w", err)
	}
	return nil
}

// RecordOutcome folds one episode outcome into the model and persists it.
func (s *Service) RecordOutcome(ctx context.Context, ep Episode, outcome OutcomeReport) (*ModelUpdate, error) {
	intent := technique.NormalizeIntent(ep.Intent)
	if intent == "" {
		return nil, ErrEmptyIntent
	}
	if ep.CompositionID == "" {
		return nil, ErrEmptyComposition
	}
	if !outcome.Status.Valid() {
		return nil, fmt.Errorf("learning: %w: %q", technique.ErrInvalidOutcome, outcome.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	m := s.st.model(intent)
	cs, ok := m.Compositions[ep.CompositionID]
	if !ok {
		cs = &CompositionStats{Tier: TierRecent}
		m.Compositions[ep.CompositionID] = cs
	}

	success := outcome.Status.Succeeded()
	cs.SampleCount++
	if success {
		cs.SuccessCount++
		cs.ConsecutiveFailures = 0
	} else {
		cs.ConsecutiveFailures++
		if outcome.Error != "" {
			cs.RecentErrors = append(cs.RecentErrors, outcome.Error)
			if len(cs.RecentErrors) > maxRecentErrors {
				cs.RecentErrors = cs.RecentErrors[len(cs.RecentErrors)-maxRecentErrors:]
			}
		}
	}
	if ep.Embedding != nil {
		snap := *ep.Embedding
		cs.Embedding = &snap
	}
	cs.UpdatedAt = s.now().UTC()

	for _, id := range ep.PrimitiveSequence {
		c := m.Primitives[id]
		if c == nil {
			c = &counter{}
			m.Primitives[id] = c
		}
		c.Samples++
		if success {
			c.Successes++
		}
	}
	for _, src := range ep.ContextSources {
		c := m.Sources[src]
		if c == nil {
			c = &counter{}
			m.Sources[src] = c
		}
		c.Samples++
		if success {
			c.Successes++
		}
	}

	if err := s.persist(ctx); err != nil {
		return nil, err
	}

	s.logger.Debug("outcome recorded",
		zap.String("intent", intent),
		zap.String("composition_id", ep.CompositionID),
		zap.String("status", string(outcome.Status)),
		zap.Int("sample_count", cs.SampleCount))

	return &ModelUpdate{
		Intent:         intent,
		CompositionID:  ep.CompositionID,
		NewSampleCount: cs.SampleCount,
		NewSuccessRate: cs.successRate(),
		Tier:           cs.Tier,
		AntiPattern:    cs.antiPattern(),
	}, nil
}

// Consolidate re-evaluates trust tiers. Each qualifying composition moves at
// most one step up the recent→learned→invariant path per call; tiers are
// monotonic forward, so repeated passes over unchanged evidence never
// demote.
func (s *Service) Consolidate(ctx context.Context, th Thresholds) (*ConsolidationReport, error) {
	th = th.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	report := &ConsolidationReport{}
	for intent, m := range s.st.Intents {
		for id, cs := range m.Compositions {
			report.Evaluated++
			if cs.Tier == TierInvariant {
				continue
			}
			if cs.SampleCount < th.MinSampleCount || cs.successRate() < th.MinPredictiveValue {
				continue
			}
			next := cs.Tier.next()
			if next == TierInvariant &&
				(cs.SampleCount < th.InvariantMinSamples || cs.successRate() < th.InvariantMinSuccessRate) {
				continue
			}
			report.Promotions = append(report.Promotions, Promotion{
				Intent: intent, CompositionID: id, From: cs.Tier, To: next,
			})
			cs.Tier = next
		}
	}
	sort.Slice(report.Promotions, func(i, j int) bool {
		if report.Promotions[i].Intent != report.Promotions[j].Intent {
			return report.Promotions[i].Intent < report.Promotions[j].Intent
		}
		return report.Promotions[i].CompositionID < report.Promotions[j].CompositionID
	})

	if len(report.Promotions) > 0 {
		if err := s.persist(ctx); err != nil {
			return nil, err
		}
	}
	s.logger.Info("consolidation pass complete",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("promotions", len(report.Promotions)))
	return report, nil
}

// Recommendations returns what the learner knows about an intent: ranked
// compositions with anti-patterns suppressed, effective primitives, reliable
// context sources, and warnings from recorded history.
func (s *Service) Recommendations(ctx context.Context, intent string, q *Query) (*Recommendations, error) {
	norm := technique.NormalizeIntent(intent)
	if norm == "" {
		return nil, ErrEmptyIntent
	}
	if q == nil {
		q = &Query{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	rec := &Recommendations{}
	m, ok := s.st.Intents[norm]
	if !ok {
		return rec, nil
	}

	shifted := false
	for id, cs := range m.Compositions {
		if q.RequireShiftDetection && q.Current != nil && cs.Embedding != nil &&
			math.Abs(q.Current.Mean-cs.Embedding.Mean) >= s.thresholds.ShiftMeanThreshold {
			shifted = true
		}
		for _, errStr := range cs.RecentErrors {
			rec.WarningsFromHistory = appendUnique(rec.WarningsFromHistory,
				fmt.Sprintf("%s: %s", id, errStr))
		}
		if cs.antiPattern() {
			rec.WarningsFromHistory = appendUnique(rec.WarningsFromHistory, AntiPatternWarning)
			continue
		}
		rec.SuggestedCompositions = append(rec.SuggestedCompositions, Suggestion{
			CompositionID: id,
			Tier:          cs.Tier,
			SampleCount:   cs.SampleCount,
			SuccessRate:   cs.successRate(),
		})
	}

	sort.Slice(rec.SuggestedCompositions, func(i, j int) bool {
		a, b := rec.SuggestedCompositions[i], rec.SuggestedCompositions[j]
		if a.Tier.rank() != b.Tier.rank() {
			return a.Tier.rank() > b.Tier.rank()
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.SampleCount != b.SampleCount {
			return a.SampleCount > b.SampleCount
		}
		return a.CompositionID < b.CompositionID
	})
	if q.Limit > 0 && len(rec.SuggestedCompositions) > q.Limit {
		rec.SuggestedCompositions = rec.SuggestedCompositions[:q.Limit]
	}

	rec.EffectivePrimitives = rankedKeys(m.Primitives)
	rec.ReliableContextSources = rankedKeys(m.Sources)

	if shifted {
		rec.WarningsFromHistory = appendUnique(rec.WarningsFromHistory, DistributionShiftWarning)
	}
	return rec, nil
}

// rankedKeys returns counter keys with a majority success rate, best first.
func rankedKeys(counters map[string]*counter) []string {
	type ranked struct {
		key  string
		rate float64
		n    int
	}
	rs := make([]ranked, 0, len(counters))
	for k, c := range counters {
		if c.Samples == 0 || c.rate() < 0.5 {
			continue
		}
		rs = append(rs, ranked{key: k, rate: c.rate(), n: c.Samples})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].rate != rs[j].rate {
			return rs[i].rate > rs[j].rate
		}
		if rs[i].n != rs[j].n {
			return rs[i].n > rs[j].n
		}
		return rs[i].key < rs[j].key
	})
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.key
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
