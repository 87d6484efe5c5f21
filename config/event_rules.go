package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Access level constants
const (
	AccessReject = "REJECT"
	AccessAllow  = "ALLOW"
)

// EventRule decides whether peers may originate broadcasts of an event
type EventRule struct {
	Event  string `yaml:"event"`  // Pattern: literal string or /regexp/
	Source string `yaml:"source"` // Optional pattern on the originating peer id; empty matches any
	Access string `yaml:"access"` // REJECT or ALLOW
}

// PatternMatcher matches strings either exactly or via regexp
type PatternMatcher interface {
	Match(s string) bool
}

// literalMatcher performs exact string matching
type literalMatcher string

func (m literalMatcher) Match(s string) bool {
	return string(m) == s
}

type anyMatcher struct{}

func (anyMatcher) Match(string) bool { return true }

// regexpMatcher performs regex matching
type regexpMatcher struct {
	re *regexp.Regexp
}

func (m *regexpMatcher) Match(s string) bool {
	return m.re.MatchString(s)
}

// parsePattern returns a matcher for literal strings or /regexp/ patterns.
// Regexp patterns are auto-anchored to match the full string.
func parsePattern(pattern string) (PatternMatcher, error) {
	if strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) > 1 {
		regexStr := "^(?:" + pattern[1:len(pattern)-1] + ")$"
		re, err := regexp.Compile(regexStr)
		if err != nil {
			return nil, err
		}
		return &regexpMatcher{re: re}, nil
	}
	return literalMatcher(pattern), nil
}

type compiledRule struct {
	event  PatternMatcher
	source PatternMatcher
	access string
}

// EventFilter checks broadcasts against EventRules
type EventFilter struct {
	rules []*compiledRule
}

// NewEventFilter compiles rules. Returns an error if any rule has an invalid
// pattern or access level.
func NewEventFilter(rules []EventRule) (*EventFilter, error) {
	f := &EventFilter{rules: make([]*compiledRule, 0, len(rules))}

	for i, rule := range rules {
		if rule.Event == "" {
			return nil, fmt.Errorf("event rule %d: event pattern is required", i)
		}
		compiled := &compiledRule{access: rule.Access, source: anyMatcher{}}
		var err error

		compiled.event, err = parsePattern(rule.Event)
		if err != nil {
			return nil, fmt.Errorf("invalid event pattern in rule %d: %w", i, err)
		}
		if rule.Source != "" {
			compiled.source, err = parsePattern(rule.Source)
			if err != nil {
				return nil, fmt.Errorf("invalid source pattern in rule %d: %w", i, err)
			}
		}

		switch rule.Access {
		case AccessReject, AccessAllow:
		default:
			return nil, fmt.Errorf("invalid access level in rule %d: %q", i, rule.Access)
		}

		f.rules = append(f.rules, compiled)
	}

	return f, nil
}

// CheckBroadcast returns nil if source may broadcast event. Rules are evaluated
// top to bottom; an event no rule matches is rejected. A nil filter allows
// everything.
func (f *EventFilter) CheckBroadcast(source, event string) error {
	if f == nil {
		return nil
	}
	for _, rule := range f.rules {
		if rule.event.Match(event) && rule.source.Match(source) {
			if rule.access == AccessAllow {
				return nil
			}
			break
		}
	}
	return fmt.Errorf("broadcast of event %q by peer %q is not allowed", event, source)
}
