// Package interceptor implements the network interception engine: per
// session routing rules (mock, abort, continue), a bounded request log, and
// network condition emulation.
package interceptor

import (
	"fmt"
	"regexp"
	"time"

	"github.com/gobwas/glob"

	"github.com/davrell/pagectl/api/schemas"
)

// RuleType is the routing outcome a matching rule applies.
type RuleType string

const (
	RuleMock     RuleType = "mock"
	RuleAbort    RuleType = "abort"
	RuleContinue RuleType = "continue"
)

// RuleSpec describes an intercept rule to add. Pattern is glob syntax by
// default; set Regex for a regular expression matcher. Mock rules must
// carry a response.
type RuleSpec struct {
	Pattern  string
	Regex    bool
	Type     RuleType
	Response *schemas.MockResponse
}

// Rule is the stored form, returned by management calls.
type Rule struct {
	ID       string
	Pattern  string
	Regex    bool
	Type     RuleType
	Response *schemas.MockResponse
}

type urlMatcher interface {
	match(url string) bool
}

type globMatcher struct{ g glob.Glob }

func (m globMatcher) match(url string) bool { return m.g.Match(url) }

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) match(url string) bool { return m.re.MatchString(url) }

func compileMatcher(spec RuleSpec) (urlMatcher, error) {
	if spec.Pattern == "" {
		return nil, fmt.Errorf("intercept rule requires a url pattern")
	}
	if spec.Regex {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid rule regex %q: %w", spec.Pattern, err)
		}
		return regexMatcher{re: re}, nil
	}
	g, err := glob.Compile(spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid rule glob %q: %w", spec.Pattern, err)
	}
	return globMatcher{g: g}, nil
}

func validateSpec(spec RuleSpec) error {
	switch spec.Type {
	case RuleMock:
		if spec.Response == nil {
			return fmt.Errorf("mock rule requires a response")
		}
		if spec.Response.Status < 100 || spec.Response.Status > 599 {
			return fmt.Errorf("mock response status %d out of range", spec.Response.Status)
		}
	case RuleAbort, RuleContinue:
	default:
		return fmt.Errorf("unknown rule type %q", spec.Type)
	}
	return nil
}

// LogEntry is one record of the bounded request log. Every observed
// request is logged, matched or not.
type LogEntry struct {
	ID          string    `json:"id"`
	TargetID    string    `json:"target_id"`
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	Timestamp   time.Time `json:"timestamp"`
	Intercepted bool      `json:"intercepted"`
	RuleID      string    `json:"rule_id,omitempty"`
	Outcome     RuleType  `json:"outcome"`
}

// LogFilter narrows GetRequestLog output. Zero values mean "no filter".
type LogFilter struct {
	TargetID        string
	Method          string
	URLPattern      string // glob
	InterceptedOnly bool
	Limit           int
}
