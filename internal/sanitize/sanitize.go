// Package sanitize applies regex-based masking to result values before they
// leave the server. An agent-facing read-only surface still leaks secrets
// without it.
package sanitize

import (
	"fmt"
	"regexp"
)

// Rule replaces matches of Pattern with Replacement in string values.
type Rule struct {
	Pattern     string
	Replacement string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Sanitizer masks string cells in result rows, recursing into JSONB-style
// nested maps and arrays.
type Sanitizer struct {
	rules []compiledRule
}

// New compiles the rules. Returns an error on an invalid pattern.
func New(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid pattern %q: %w", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement}
	}
	return &Sanitizer{rules: compiled}, nil
}

// HasRules reports whether any rules are configured.
func (s *Sanitizer) HasRules() bool {
	return len(s.rules) > 0
}

// Apply masks every cell of rows in place and returns rows.
func (s *Sanitizer) Apply(rows [][]any) [][]any {
	if len(s.rules) == 0 {
		return rows
	}
	for _, row := range rows {
		for i, v := range row {
			row[i] = s.value(v)
		}
	}
	return rows
}

func (s *Sanitizer) value(v any) any {
	switch val := v.(type) {
	case string:
		for _, rule := range s.rules {
			val = rule.pattern.ReplaceAllString(val, rule.replacement)
		}
		return val
	case map[string]any:
		for k, inner := range val {
			val[k] = s.value(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = s.value(inner)
		}
		return val
	default:
		// Numbers, bools, nil, time values: nothing to mask.
		return v
	}
}
