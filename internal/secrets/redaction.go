package secrets

import (
	"regexp"
	"strings"
)

const replacement = "[REDACTED]"

// Redactor scrubs credentials from text that may end up in logs or errors
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor for bearer tokens, JWTs and signing material
func NewRedactor() *Redactor {
	defaultPatterns := []string{
		// JWT tokens
		`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
		`(?i)bearer\s+[a-zA-Z0-9\-\._~\+/]+=*`,
		// key=value and "key":"value" forms
		`(?i)(token|secret|signature|private[_-]?key|d_value)["']?\s*[:=]\s*["']?[^\s"',}]+`,
	}

	patterns := make([]*regexp.Regexp, len(defaultPatterns))
	for i, pattern := range defaultPatterns {
		patterns[i] = regexp.MustCompile(pattern)
	}
	return &Redactor{patterns: patterns}
}

// RedactString replaces every sensitive match in input
func (r *Redactor) RedactString(input string) string {
	out := input
	for _, p := range r.patterns {
		out = p.ReplaceAllString(out, replacement)
	}
	return out
}

// RedactBytes is RedactString for byte slices
func (r *Redactor) RedactBytes(input []byte) string {
	return r.RedactString(string(input))
}

var defaultRedactor = NewRedactor()

// Redact scrubs input with the default patterns
func Redact(input string) string {
	return defaultRedactor.RedactString(input)
}

// Mask keeps the first four characters of a secret so operators can tell
// which credential is loaded
func Mask(secret string) string {
	switch {
	case secret == "":
		return "<unset>"
	case len(secret) <= 8:
		return strings.Repeat("*", len(secret))
	default:
		return secret[:4] + "..." + replacement
	}
}
