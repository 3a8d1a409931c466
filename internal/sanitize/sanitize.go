// Package sanitize masks sensitive values in result rows before they leave the server.
package sanitize

import (
	"fmt"
	"regexp"
)

// Rule is the sanitizer's own rule type. Columns, when set, is a
// case-insensitive regex over the column name and limits the rule to
// matching columns.
type Rule struct {
	Pattern     string
	Replacement string
	Columns     string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
	columns     *regexp.Regexp
}

func (r compiledRule) appliesTo(column string) bool {
	return r.columns == nil || r.columns.MatchString(column)
}

// Sanitizer applies regex-based sanitization to result row field values.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer creates a new Sanitizer. Returns an error on invalid regex patterns.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %w", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement}
		if r.Columns != "" {
			cols, err := regexp.Compile("(?i)" + r.Columns)
			if err != nil {
				return nil, fmt.Errorf("sanitize: invalid column pattern %q: %w", r.Columns, err)
			}
			compiled[i].columns = cols
		}
	}
	return &Sanitizer{rules: compiled}, nil
}

// HasRules returns true if the sanitizer has any rules configured.
func (s *Sanitizer) HasRules() bool {
	return len(s.rules) > 0
}

// SanitizeRows rewrites string values in place, rule by rule in order.
// Non-string values (numbers, booleans, times, NULL) pass through.
func (s *Sanitizer) SanitizeRows(rows []map[string]any) []map[string]any {
	for _, row := range rows {
		for col, v := range row {
			row[col] = s.sanitizeValue(col, v)
		}
	}
	return rows
}

func (s *Sanitizer) sanitizeValue(column string, v any) any {
	str, ok := v.(string)
	if !ok {
		return v
	}
	for _, rule := range s.rules {
		if rule.appliesTo(column) {
			str = rule.pattern.ReplaceAllString(str, rule.replacement)
		}
	}
	return str
}
