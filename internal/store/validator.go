package store

import (
	"fmt"
	"regexp"
	"strings"
)

// SQLValidationError marks a query rejected before reaching the database.
type SQLValidationError struct {
	Reason string
}

func (e *SQLValidationError) Error() string {
	return "sql validation failed: " + e.Reason
}

var forbiddenKeywords = []string{
	"UPDATE", "DELETE", "INSERT", "DROP", "ALTER", "TRUNCATE", "CREATE", "REPLACE", "GRANT", "REVOKE",
}

var forbiddenPatterns = func() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(forbiddenKeywords))
	for i, kw := range forbiddenKeywords {
		patterns[i] = regexp.MustCompile(`\b` + kw + `\b`)
	}
	return patterns
}()

// ValidateSQL rejects anything that is not a single read-only statement.
// Every query passes through here before execution, including the
// hand-written ones; the check is the hard gate, not a convention.
func ValidateSQL(query string) error {
	upper := strings.ToUpper(strings.TrimSpace(query))

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return &SQLValidationError{Reason: "only SELECT and WITH statements are allowed"}
	}
	for i, pattern := range forbiddenPatterns {
		if pattern.MatchString(upper) {
			return &SQLValidationError{Reason: fmt.Sprintf("forbidden SQL operation detected: %s", forbiddenKeywords[i])}
		}
	}
	if strings.Contains(strings.TrimRight(query, ";"), ";") {
		return &SQLValidationError{Reason: "multiple statements are not allowed"}
	}
	return nil
}
