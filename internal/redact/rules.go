package redact

// DefaultRules returns the built-in detection rules. The set targets the
// credential shapes that show up in tool arguments and results: cloud keys,
// platform tokens with self-identifying prefixes, connection URLs, and
// key-value assignments of generic secrets.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "aws-access-key-id",
			Pattern:  `(?i)(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`,
			Keywords: []string{"akia", "asia", "aws"},
		},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?([A-Za-z0-9/+=]{40})['"]?`,
			Keywords: []string{"aws", "secret"},
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,64})['"]?`,
			Keywords: []string{"api", "key"},
		},
		{
			ID:       "generic-secret",
			Pattern:  `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?([^\s'"]{8,})['"]?`,
			Keywords: []string{"secret", "password", "passwd", "pwd"},
		},
		{
			ID:      "private-key",
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
		},
		// Prefixes below are self-identifying, no keyword prefilter needed.
		{
			ID:      "github-token",
			Pattern: `(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}`,
		},
		{
			ID:      "github-fine-grained",
			Pattern: `github_pat_[A-Za-z0-9_]{22,}`,
		},
		{
			ID:      "slack-token",
			Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`,
		},
		{
			ID:       "anthropic-api-key",
			Pattern:  `sk-ant-[A-Za-z0-9_\-]{90,}`,
			Keywords: []string{"sk-ant-"},
		},
		{
			ID:       "openai-api-key",
			Pattern:  `sk-[A-Za-z0-9]{48,}`,
			Keywords: []string{"sk-"},
		},
		{
			ID:       "database-url",
			Pattern:  `(?i)(?:postgres|mysql|mongodb|redis|amqp)://[^:]+:[^@]+@[^\s]+`,
			Keywords: []string{"://"},
		},
		{
			ID:      "jwt",
			Pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)(?:authorization|bearer)\s*[:=]\s*['"]?bearer\s+([A-Za-z0-9_\-\.]{20,})['"]?`,
			Keywords: []string{"authorization", "bearer"},
		},
	}
}
