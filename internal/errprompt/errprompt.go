// Package errprompt attaches operator-written guidance to error messages.
package errprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is the error prompt matcher's own rule type. Kind limits the rule to
// errors of one category (for example "validation_rejected" or "circuit_open");
// an empty Kind matches every category.
type Rule struct {
	Pattern string
	Message string
	Kind    string
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
	kind    string
}

// Matcher checks error messages against patterns and returns guidance prompts.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher creates a new Matcher. Returns an error on invalid regex patterns.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("errprompt: invalid regex pattern %q: %w", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message, kind: r.Kind}
	}
	return &Matcher{rules: compiled}, nil
}

// Match checks an error of the given kind against all rules (top to bottom)
// and returns the matching messages joined with newlines, or "".
func (m *Matcher) Match(kind, errMsg string) string {
	var matches []string
	for _, rule := range m.matching(kind, errMsg) {
		matches = append(matches, rule.message)
	}
	return strings.Join(matches, "\n")
}

// MatchedPatterns returns the patterns that matched, for logging.
func (m *Matcher) MatchedPatterns(kind, errMsg string) []string {
	var patterns []string
	for _, rule := range m.matching(kind, errMsg) {
		patterns = append(patterns, rule.pattern.String())
	}
	return patterns
}

func (m *Matcher) matching(kind, errMsg string) []compiledRule {
	var out []compiledRule
	for _, rule := range m.rules {
		if rule.kind != "" && rule.kind != kind {
			continue
		}
		if rule.pattern.MatchString(errMsg) {
			out = append(out, rule)
		}
	}
	return out
}
