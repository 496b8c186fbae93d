package evolution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nateschmiedehaus/librarian/internal/storage"
	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// proposalIDPrefix prefixes every evolved composition ID.
const proposalIDPrefix = "tc_evolved_"

// patternKeySep joins primitive IDs into a map key. The unit separator
// cannot appear in an ID after intent-style sanitation of the sequence.
const patternKeySep = "\x1f"

// Pattern is a recurring primitive subsequence discovered in the traces.
type Pattern struct {
	// Sequence is the contiguous primitive-ID run.
	Sequence []string `json:"sequence"`

	// Frequency is how many times the run was observed across all traces.
	Frequency int `json:"frequency"`

	// SuccessRate is the share of occurrences from successful traces.
	SuccessRate float64 `json:"success_rate"`

	// Intent is the normalized intent of a representative trace.
	Intent string `json:"intent,omitempty"`

	// Repeats reports whether the run was observed back-to-back within a
	// single trace, which marks it as loop-shaped.
	Repeats bool `json:"repeats"`
}

// Candidate is a composition flagged for mutation or deprecation.
type Candidate struct {
	// CompositionID is the flagged composition.
	CompositionID string `json:"composition_id"`

	// SampleCount is the number of traces in the window.
	SampleCount int `json:"sample_count"`

	// SuccessRate is the composition's success rate in the window.
	SuccessRate float64 `json:"success_rate"`
}

// Report is the result of one mining pass.
type Report struct {
	// DiscoveredPatterns are the subsequences that met the frequency and
	// success thresholds, most frequent first.
	DiscoveredPatterns []Pattern `json:"discovered_patterns"`

	// ProposedCompositions are new compositions synthesized from patterns
	// whose every primitive resolves in the catalog.
	ProposedCompositions []*technique.Composition `json:"proposed_compositions"`

	// SuggestedMutations lists compositions performing at or below the
	// mutation success cap with enough samples.
	SuggestedMutations []Candidate `json:"suggested_mutations"`

	// DeprecationCandidates lists compositions at or below the deprecation
	// success cap with enough samples. Independent of SuggestedMutations.
	DeprecationCandidates []Candidate `json:"deprecation_candidates"`

	// TracesScanned is the number of traces the pass read.
	TracesScanned int `json:"traces_scanned"`
}

// Engine mines execution traces. It only reads from the store; persisting
// proposals is the caller's (or the Scheduler's) decision.
type Engine struct {
	store   storage.Store
	catalog *technique.Catalog
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a mining engine over the trace store and primitive catalog.
func New(store storage.Store, catalog *technique.Catalog, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("evolution: store cannot be nil")
	}
	if catalog == nil {
		return nil, errors.New("evolution: catalog cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, catalog: catalog, logger: logger, now: time.Now}, nil
}

// Evolve runs one mining pass over all stored traces.
func (e *Engine) Evolve(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.Normalize()

	traces, err := e.store.ListExecutionTraces(ctx, storage.TraceFilter{})
	if err != nil {
		return nil, fmt.Errorf("evolution: listing traces: %w", err)
	}

	patterns := minePatterns(traces, opts)
	proposals, err := e.propose(ctx, patterns, opts)
	if err != nil {
		return nil, err
	}
	mutations, deprecations := e.flagCandidates(traces, opts)

	e.logger.Info("evolution pass complete",
		zap.Int("traces_scanned", len(traces)),
		zap.Int("patterns", len(patterns)),
		zap.Int("proposals", len(proposals)),
		zap.Int("mutation_candidates", len(mutations)),
		zap.Int("deprecation_candidates", len(deprecations)))

	return &Report{
		DiscoveredPatterns:    patterns,
		ProposedCompositions:  proposals,
		SuggestedMutations:    mutations,
		DeprecationCandidates: deprecations,
		TracesScanned:         len(traces),
	}, nil
}

// patternStats accumulates per-subsequence counts during the scan.
type patternStats struct {
	sequence  []string
	frequency int
	successes int
	intent    string
	repeats   bool
}

// minePatterns extracts every contiguous subsequence within the length
// window, counts frequency and success per distinct subsequence, and keeps
// those meeting the thresholds.
func minePatterns(traces []*technique.ExecutionTrace, opts Options) []Pattern {
	stats := make(map[string]*patternStats)

	for _, tr := range traces {
		seq := usableSequence(tr.PrimitiveSequence)
		if len(seq) < opts.MinPatternLength {
			continue
		}
		success := tr.Outcome.Succeeded()
		for length := opts.MinPatternLength; length <= opts.MaxPatternLength && length <= len(seq); length++ {
			for off := 0; off+length <= len(seq); off++ {
				window := seq[off : off+length]
				key := strings.Join(window, patternKeySep)
				ps := stats[key]
				if ps == nil {
					ps = &patternStats{sequence: append([]string(nil), window...)}
					stats[key] = ps
				}
				ps.frequency++
				if success {
					ps.successes++
				}
				if ps.intent == "" {
					ps.intent = technique.NormalizeIntent(tr.Intent)
				}
				// Back-to-back recurrence within one trace marks the
				// pattern as loop-shaped.
				if off+2*length <= len(seq) && key == strings.Join(seq[off+length:off+2*length], patternKeySep) {
					ps.repeats = true
				}
			}
		}
	}

	out := make([]Pattern, 0, len(stats))
	for _, ps := range stats {
		rate := float64(ps.successes) / float64(ps.frequency)
		if ps.frequency < opts.MinPatternFrequency || rate < opts.MinSuccessRate {
			continue
		}
		out = append(out, Pattern{
			Sequence:    ps.sequence,
			Frequency:   ps.frequency,
			SuccessRate: rate,
			Intent:      ps.intent,
			Repeats:     ps.repeats,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return strings.Join(out[i].Sequence, patternKeySep) < strings.Join(out[j].Sequence, patternKeySep)
	})
	return out
}

// usableSequence drops empty and whitespace-only primitive IDs. A trace
// reduced to nothing contributes no patterns.
func usableSequence(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		out = append(out, id)
	}
	return out
}

// propose synthesizes compositions from patterns whose every primitive
// resolves in the catalog, capped by MaxProposals. Unknown primitives drop
// the pattern, never substitute.
func (e *Engine) propose(ctx context.Context, patterns []Pattern, opts Options) ([]*technique.Composition, error) {
	proposals := make([]*technique.Composition, 0, opts.MaxProposals)
	taken := make(map[string]struct{})

	for _, p := range patterns {
		if len(proposals) >= opts.MaxProposals {
			break
		}
		if !e.allKnown(p.Sequence) {
			e.logger.Debug("dropping pattern with unknown primitive",
				zap.Strings("sequence", p.Sequence))
			continue
		}

		id, err := e.proposalID(ctx, p.Sequence, taken)
		if err != nil {
			return nil, err
		}
		taken[id] = struct{}{}

		comp, err := buildProposal(id, p)
		if err != nil {
			e.logger.Warn("skipping unbuildable proposal", zap.String("id", id), zap.Error(err))
			continue
		}
		proposals = append(proposals, comp)
	}
	return proposals, nil
}

func (e *Engine) allKnown(ids []string) bool {
	for _, id := range ids {
		if !e.catalog.Has(id) {
			return false
		}
	}
	return true
}

// proposalID derives the deterministic evolved-composition ID and appends a
// numeric suffix while it collides with a stored composition or an ID
// already taken this pass.
func (e *Engine) proposalID(ctx context.Context, sequence []string, taken map[string]struct{}) (string, error) {
	base := proposalIDPrefix + sequenceDigest(sequence)
	id := base
	for n := 2; ; n++ {
		if _, dup := taken[id]; !dup {
			_, err := e.store.GetComposition(ctx, id)
			if errors.Is(err, storage.ErrCompositionNotFound) {
				return id, nil
			}
			if err != nil {
				return "", fmt.Errorf("evolution: checking proposal id %q: %w", id, err)
			}
		}
		id = base + "_" + strconv.Itoa(n)
	}
}

// sequenceDigest hashes the canonical JSON of the primitive-ID sequence to a
// short hex digest.
func sequenceDigest(sequence []string) string {
	canonical, _ := json.Marshal(sequence)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:12]
}

// buildProposal wraps the pattern in a loop operator when it was observed
// repeating, otherwise in a plain sequence.
func buildProposal(id string, p Pattern) (*technique.Composition, error) {
	members := dedupe(p.Sequence)
	comp, err := technique.NewComposition(id, "Evolved: "+strings.Join(p.Sequence, ", "), members)
	if err != nil {
		return nil, err
	}
	comp.Description = fmt.Sprintf("Mined from %d occurrences at %.0f%% success", p.Frequency, p.SuccessRate*100)

	opType := technique.OperatorSequence
	var params map[string]any
	if p.Repeats && len(p.Sequence) >= 2 {
		opType = technique.OperatorLoop
		params = map[string]any{"max_iterations": p.Frequency}
	}
	comp.Operators = []technique.Operator{{
		ID:         "op_1",
		Type:       opType,
		Inputs:     append([]string(nil), p.Sequence...),
		Parameters: params,
	}}
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	return comp, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// flagCandidates groups traces by composition within the trailing window and
// applies the mutation and deprecation thresholds independently.
func (e *Engine) flagCandidates(traces []*technique.ExecutionTrace, opts Options) (mutations, deprecations []Candidate) {
	var cutoff time.Time
	if opts.DeprecationWindowDays > 0 {
		cutoff = e.now().Add(-time.Duration(opts.DeprecationWindowDays) * 24 * time.Hour)
	}

	type group struct {
		samples   int
		successes int
	}
	groups := make(map[string]*group)
	for _, tr := range traces {
		if tr.CompositionID == "" {
			continue
		}
		if !cutoff.IsZero() && tr.Timestamp.Before(cutoff) {
			continue
		}
		g := groups[tr.CompositionID]
		if g == nil {
			g = &group{}
			groups[tr.CompositionID] = g
		}
		g.samples++
		if tr.Outcome.Succeeded() {
			g.successes++
		}
	}

	for id, g := range groups {
		rate := float64(g.successes) / float64(g.samples)
		if g.samples >= opts.MinMutationSamples && rate <= opts.MaxMutationSuccessRate {
			mutations = append(mutations, Candidate{CompositionID: id, SampleCount: g.samples, SuccessRate: rate})
		}
		if g.samples >= opts.MinDeprecationSamples && rate <= opts.MaxDeprecationSuccessRate {
			deprecations = append(deprecations, Candidate{CompositionID: id, SampleCount: g.samples, SuccessRate: rate})
		}
	}
	sortCandidates(mutations)
	sortCandidates(deprecations)
	return mutations, deprecations
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].SuccessRate != cs[j].SuccessRate {
			return cs[i].SuccessRate < cs[j].SuccessRate
		}
		return cs[i].CompositionID < cs[j].CompositionID
	})
}
