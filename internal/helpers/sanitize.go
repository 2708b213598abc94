package helpers

import (
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// Redacted replaces any model output span matching a forbidden pattern.
const Redacted = "[REDACTED]"

// forbiddenPatterns catches leaked internals in model output: SQL
// fragments, credentials, tokens, PII, connection strings. Go's RE2 has
// no lookahead, so the user_id rule redacts every numeric assignment.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(drop\s+table|select\s+\*|delete\s+from|insert\s+into|update\s+set|--)`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]+`),
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|token)\s*[:=]\s*['"]?[^\s'"]+`),
	regexp.MustCompile(`(?i)(bearer|authorization)\s+[a-zA-Z0-9\-._~+/]+=*`),
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`\b(?:\d{1,5}[:-]){3}\d{1,5}\b`),
	regexp.MustCompile(`(?i)(credit\s+card|cc|cvv|ssn|social\s+security)\s*[:=]\s*[^\s]+`),
	regexp.MustCompile(`(?i)(database|db)\s+(password|uri|connection)\s*[:=]\s*[^\s]+`),
	regexp.MustCompile(`(?i)(private\s+key|private_key)\s*[:=]`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`sk-or-v1-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`postgres://[^\s]*:[^\s]*@`),
	regexp.MustCompile(`(?i)user_id\s*[:=]\s*["']?\d+["']?`),
}

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

func strictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// RedactOutput replaces forbidden spans in successful model output.
// Error-path text (the fixed apology, error events) never goes through
// here since it contains nothing user-derived.
func RedactOutput(output string, logger *log.Logger) string {
	for _, pattern := range forbiddenPatterns {
		if pattern.MatchString(output) {
			if logger != nil {
				logger.Printf("forbidden pattern detected in model output: %s", pattern.String())
			}
			output = pattern.ReplaceAllString(output, Redacted)
		}
	}
	return output
}

// StripHTML removes every HTML element from s, leaving plain text.
// Model output is rendered in a browser client, so raw tags the model
// emits are dropped rather than passed through.
func StripHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(strictHTMLPolicy().Sanitize(s))
}
