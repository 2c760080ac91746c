// Package validation provides centralized input validation for the
// feature store.
//
// Group names become storage keys and directory names, feature and entity
// column names become record and parquet column names, so all of them share
// one conservative character set.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// DefaultNameRules returns the rules for group, feature and column names.
func DefaultNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateGroupName validates a feature group name.
func ValidateGroupName(name string) error {
	if err := ValidateName(name, DefaultNameRules()); err != nil {
		return fmt.Errorf("group name %q: %w", name, err)
	}
	return nil
}

// ValidateFeatureName validates a feature name.
func ValidateFeatureName(name string) error {
	if err := ValidateName(name, DefaultNameRules()); err != nil {
		return fmt.Errorf("feature name %q: %w", name, err)
	}
	return nil
}

// ValidateEntityColumns validates a group's entity columns: non-empty,
// valid names, no duplicates, and not colliding with reserved columns.
func ValidateEntityColumns(columns []string, reserved ...string) error {
	if len(columns) == 0 {
		return fmt.Errorf("entity_columns must not be empty")
	}

	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if err := ValidateName(c, DefaultNameRules()); err != nil {
			return fmt.Errorf("entity column %q: %w", c, err)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate entity column %q", c)
		}
		for _, r := range reserved {
			if c == r {
				return fmt.Errorf("entity column %q is reserved", c)
			}
		}
		seen[c] = struct{}{}
	}
	return nil
}

// ValidateEntityKey validates the rendered value of an entity key.
func ValidateEntityKey(key string) error {
	if key == "" {
		return fmt.Errorf("entity key cannot be empty")
	}
	for i, r := range key {
		if r < 32 || r == 127 {
			return fmt.Errorf("entity key cannot contain control characters at position %d", i)
		}
	}
	return nil
}

// =============================================================================
// SQL Helpers
// =============================================================================

var sqlLikeMetaChars = regexp.MustCompile(`[%_\[\]\\]`)

// EscapeLikePattern escapes special characters in a LIKE pattern.
// Use with ESCAPE '\'.
func EscapeLikePattern(pattern string) string {
	return sqlLikeMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeLikePrefix creates a safe LIKE prefix pattern.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}

// QuoteIdentifier quotes a SQL identifier for DuckDB.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral quotes a SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
