package technique

import (
	"strings"
	"unicode"
)

// maxIntentLength bounds normalized intents so they stay usable as map keys
// and log fields.
const maxIntentLength = 200

// intentPunctuation is the punctuation retained by NormalizeIntent.
const intentPunctuation = ` .,:;!?'"()[]{}<>/\-_+=*&%$#@^~|` + "`"

// NormalizeIntent canonicalizes a free-text intent before it is used as a
// grouping key. Carriage returns, line feeds, tabs, and all other control
// characters are removed, any character outside the allow-list (letters,
// digits, space, common punctuation) is dropped, and the result is truncated
// to 200 characters.
//
// Normalization only removes or truncates, so it is idempotent:
// NormalizeIntent(NormalizeIntent(s)) == NormalizeIntent(s).
func NormalizeIntent(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(intentPunctuation, r) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	runes := []rune(out)
	if len(runes) > maxIntentLength {
		out = string(runes[:maxIntentLength])
	}
	return strings.TrimSpace(out)
}
