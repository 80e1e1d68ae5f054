// Package timeout resolves per-statement execution timeouts from
// regex-based rules with a configured default.
package timeout

import (
	"fmt"
	"regexp"
	"time"
)

// Rule maps a SQL pattern to a timeout.
type Rule struct {
	Pattern string
	Timeout time.Duration
}

type compiledRule struct {
	pattern *regexp.Regexp
	timeout time.Duration
}

// Manager resolves statement timeouts. First matching rule wins; statements
// matching no rule get the default.
type Manager struct {
	rules          []compiledRule
	defaultTimeout time.Duration
}

// New compiles the rules. Returns an error on an invalid pattern or a
// non-positive timeout, since rules come from operator configuration.
func New(defaultTimeout time.Duration, rules []Rule) (*Manager, error) {
	if defaultTimeout <= 0 {
		return nil, fmt.Errorf("timeout: default timeout must be > 0, got %v", defaultTimeout)
	}
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		if r.Timeout <= 0 {
			return nil, fmt.Errorf("timeout: rule %q has non-positive timeout %v", r.Pattern, r.Timeout)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("timeout: invalid pattern %q: %w", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, timeout: r.Timeout}
	}
	return &Manager{rules: compiled, defaultTimeout: defaultTimeout}, nil
}

// Resolve returns the timeout for sql and the pattern of the matching rule,
// or "" when the default applies.
func (m *Manager) Resolve(sql string) (time.Duration, string) {
	for _, rule := range m.rules {
		if rule.pattern.MatchString(sql) {
			return rule.timeout, rule.pattern.String()
		}
	}
	return m.defaultTimeout, ""
}
