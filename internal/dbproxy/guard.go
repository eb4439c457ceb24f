// internal/dbproxy/guard.go
package dbproxy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrPolicyBlocked is returned when a statement would mutate data. The
// statement is rejected before any of it executes.
var ErrPolicyBlocked = errors.New("mutation queries are not allowed")

// ErrUnknownTarget is returned for target names not present in the
// configuration.
var ErrUnknownTarget = errors.New("unknown database target")

// identRegex is the only shape a table identifier may take. Anything else
// is rejected before it gets near a query string.
var identRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// mutating keywords, checked as whole words anywhere in the statement.
var blockedKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "ATTACH", "MERGE",
	"REPLACE", "VACUUM", "PRAGMA",
}

// readVerbs are the statement kinds allowed to lead a query.
var readVerbs = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"EXPLAIN":  true,
	"DESC":     true,
	"DESCRIBE": true,
}

var wordRegex = regexp.MustCompile(`[A-Za-z_]+`)

// Guard vets SQL statements for the read-only query interface.
type Guard struct{}

// Check rejects any statement that is not a plain read. Both tests run:
// the leading verb must be a read verb, and no mutating keyword may appear
// anywhere in the statement, including inside CTEs and subqueries.
func (Guard) Check(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("%w: empty query", ErrPolicyBlocked)
	}

	// one statement at a time: a trailing semicolon is fine, stacked
	// statements are not
	if i := strings.Index(trimmed, ";"); i >= 0 && strings.TrimSpace(trimmed[i+1:]) != "" {
		return fmt.Errorf("%w: multiple statements", ErrPolicyBlocked)
	}

	words := wordRegex.FindAllString(strings.ToUpper(trimmed), -1)
	if len(words) == 0 || !readVerbs[words[0]] {
		return fmt.Errorf("%w: statement must start with a read verb", ErrPolicyBlocked)
	}
	for _, word := range words {
		for _, blocked := range blockedKeywords {
			if word == blocked {
				return fmt.Errorf("%w: found %s", ErrPolicyBlocked, blocked)
			}
		}
	}
	return nil
}

// CheckIdent validates a table name against the identifier shape. Callers
// must still verify it against the live catalog before interpolating it.
func (Guard) CheckIdent(name string) error {
	if !identRegex.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}
