// Package errprompt matches error messages against operator-configured
// patterns and returns guidance text to append, steering the agent toward a
// fix instead of letting it retry blindly.
package errprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule maps an error message pattern to a guidance message.
type Rule struct {
	Pattern string
	Message string
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
}

// Matcher evaluates error messages against all rules in order.
type Matcher struct {
	rules []compiledRule
}

// New compiles the rules. Returns an error on an invalid pattern.
func New(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("errprompt: invalid pattern %q: %w", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message}
	}
	return &Matcher{rules: compiled}, nil
}

// Match returns the guidance for errMsg (all matching messages joined with
// newlines, "" when nothing matches) and the patterns that matched, for
// logging.
func (m *Matcher) Match(errMsg string) (prompt string, matched []string) {
	var messages []string
	for _, rule := range m.rules {
		if rule.pattern.MatchString(errMsg) {
			messages = append(messages, rule.message)
			matched = append(matched, rule.pattern.String())
		}
	}
	return strings.Join(messages, "\n"), matched
}
