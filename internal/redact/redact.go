package redact

import (
	"fmt"
	"regexp"
	"sort"
)

// Replacement is the string substituted for every detected secret.
const Replacement = "[REDACTED]"

// Rule defines a single secret detection pattern.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `koanf:"id"`

	// Pattern is the regex matched against payload values.
	Pattern string `koanf:"pattern"`

	// Keywords, when present, must appear (case-insensitively) in the value
	// before the pattern is tried. Cheap prefilter for expensive patterns.
	Keywords []string `koanf:"keywords"`
}

// Config configures a Redactor.
type Config struct {
	// Enabled controls whether redaction is active.
	Enabled bool `koanf:"enabled"`

	// ExtraRules are appended to the built-in rule set.
	ExtraRules []Rule `koanf:"extra_rules"`

	// AllowList contains regex patterns whose matches are never redacted.
	AllowList []string `koanf:"allow_list"`
}

// DefaultConfig enables redaction with the built-in rules only.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Redactor applies a compiled rule set to strings and payload trees.
// A nil *Redactor is valid and redacts nothing.
type Redactor struct {
	enabled   bool
	rules     []compiledRule
	allowList []*regexp.Regexp
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// span tracks a byte range to redact, so overlapping matches collapse into
// one replacement.
type span struct {
	start, end int
}

// New compiles the built-in rules plus any extras from cfg.
func New(cfg Config) (*Redactor, error) {
	r := &Redactor{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return r, nil
	}

	rules := append(DefaultRules(), cfg.ExtraRules...)
	for _, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("compiling redaction rules: rule ID is required")
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("compiling redaction rule %q: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling redaction rule %q: %w", rule.ID, err)
		}
		cr := compiledRule{id: rule.ID, pattern: pattern}
		for _, kw := range rule.Keywords {
			kwPattern, err := regexp.Compile("(?i)" + regexp.QuoteMeta(kw))
			if err != nil {
				return nil, fmt.Errorf("compiling redaction rule %q keyword %q: %w", rule.ID, kw, err)
			}
			cr.keywords = append(cr.keywords, kwPattern)
		}
		r.rules = append(r.rules, cr)
	}

	for i, pattern := range cfg.AllowList {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling allow_list %d: %w", i, err)
		}
		r.allowList = append(r.allowList, compiled)
	}
	return r, nil
}

// MustNew compiles the configuration, panicking on error. Intended for the
// built-in rule set, which is covered by tests.
func MustNew(cfg Config) *Redactor {
	r, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Enabled reports whether this redactor does any work.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// Redact replaces every secret match in s and returns the scrubbed string
// plus the number of findings.
func (r *Redactor) Redact(s string) (string, int) {
	if !r.Enabled() || s == "" {
		return s, 0
	}

	var spans []span
	findings := 0
	for _, rule := range r.rules {
		if len(rule.keywords) > 0 && !r.hasKeyword(rule, s) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(s, -1) {
			if r.isAllowed(s[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{start: m[0], end: m[1]})
			findings++
		}
	}
	if len(spans) == 0 {
		return s, 0
	}

	merged := mergeSpans(spans)
	// Replace back-to-front so earlier indexes stay valid.
	out := s
	for i := len(merged) - 1; i >= 0; i-- {
		sp := merged[i]
		out = out[:sp.start] + Replacement + out[sp.end:]
	}
	return out, findings
}

func (r *Redactor) hasKeyword(rule compiledRule, s string) bool {
	for _, kw := range rule.keywords {
		if kw.MatchString(s) {
			return true
		}
	}
	return false
}

func (r *Redactor) isAllowed(match string) bool {
	for _, pattern := range r.allowList {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}

// mergeSpans merges overlapping or adjacent spans, returned in ascending
// start order.
func mergeSpans(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}
