// Package policy implements the safety gate consulted before every
// side-effecting browser action. Policies are typed, priority-ordered rules;
// the gate evaluates them against an action context and returns an explicit
// decision the caller must honor.
package policy

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/davrell/pagectl/api/schemas"
)

// Verdict is what a matching policy does to the action.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictAsk   Verdict = "ask"
	VerdictLog   Verdict = "log"
	VerdictDelay Verdict = "delay"
)

// Type discriminates the rule variants the gate knows how to evaluate.
type Type string

const (
	TypeURLAllowlist      Type = "url_allowlist"
	TypeURLBlocklist      Type = "url_blocklist"
	TypeDomainAllowlist   Type = "domain_allowlist"
	TypeDomainBlocklist   Type = "domain_blocklist"
	TypeRateLimit         Type = "rate_limit"
	TypeContentFilter     Type = "content_filter"
	TypeActionRestriction Type = "action_restriction"
	TypeRegionProtection  Type = "region_protection"
	TypeSensitiveInput    Type = "sensitive_input"
)

// SafetyLevel is the coarse override applied before per-policy evaluation.
type SafetyLevel string

const (
	LevelUnrestricted SafetyLevel = "unrestricted"
	LevelNormal       SafetyLevel = "normal"
	LevelCautious     SafetyLevel = "cautious"
	LevelStrict       SafetyLevel = "strict"
	LevelReadonly     SafetyLevel = "readonly"
)

// ParseSafetyLevel validates a level name from configuration.
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch SafetyLevel(s) {
	case LevelUnrestricted, LevelNormal, LevelCautious, LevelStrict, LevelReadonly:
		return SafetyLevel(s), nil
	}
	return "", fmt.Errorf("unknown safety level %q", s)
}

// DefaultPriority is assigned when a spec omits one. Lower numbers are
// evaluated first.
const DefaultPriority = 500

// Spec is the caller-facing description of a policy. Exactly one Config
// variant must be set; its type determines the policy type.
type Spec struct {
	ID       string
	Priority int
	Verdict  Verdict
	Enabled  *bool // nil means enabled
	Config   Config
	// Delay applies to delay-verdict policies; zero uses the default.
	Delay time.Duration
}

// Config is implemented by the typed per-policy configuration variants.
// Implementations validate themselves at AddPolicy time so evaluation never
// sees a malformed rule.
type Config interface {
	Type() Type
	validate() error
}

// URLPatterns configures URL allow/blocklists. Patterns are glob-style
// (gobwas/glob syntax). MatchHost restricts matching to the URL host,
// turning the rule into a domain list.
type URLPatterns struct {
	Patterns  []string
	MatchHost bool
	Blocklist bool
}

func (c URLPatterns) Type() Type {
	switch {
	case c.MatchHost && c.Blocklist:
		return TypeDomainBlocklist
	case c.MatchHost:
		return TypeDomainAllowlist
	case c.Blocklist:
		return TypeURLBlocklist
	}
	return TypeURLAllowlist
}

func (c URLPatterns) validate() error {
	if len(c.Patterns) == 0 {
		return fmt.Errorf("url policy requires at least one pattern")
	}
	for _, p := range c.Patterns {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("invalid url pattern %q: %w", p, err)
		}
	}
	return nil
}

// RateLimit denies once more than MaxActions checks land inside a fixed
// window. Windows are tracked per (session, policy) pair.
type RateLimit struct {
	MaxActions int
	Window     time.Duration
}

func (c RateLimit) Type() Type { return TypeRateLimit }

func (c RateLimit) validate() error {
	if c.MaxActions <= 0 {
		return fmt.Errorf("rate limit requires max actions > 0, got %d", c.MaxActions)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit requires a positive window, got %v", c.Window)
	}
	return nil
}

// ContentFilter matches substrings against the action's content payload
// (typed text, evaluated script, and so on). Matching is case-insensitive.
type ContentFilter struct {
	Patterns []string
}

func (c ContentFilter) Type() Type { return TypeContentFilter }

func (c ContentFilter) validate() error {
	if len(c.Patterns) == 0 {
		return fmt.Errorf("content filter requires at least one pattern")
	}
	return nil
}

// ActionRestriction denies a fixed set of action types.
type ActionRestriction struct {
	Restricted []schemas.ActionType
}

func (c ActionRestriction) Type() Type { return TypeActionRestriction }

func (c ActionRestriction) validate() error {
	if len(c.Restricted) == 0 {
		return fmt.Errorf("action restriction requires at least one action type")
	}
	return nil
}

// RegionProtection denies actions targeting coordinates inside any of the
// registered rectangles.
type RegionProtection struct {
	Regions []schemas.BoundingBox
}

func (c RegionProtection) Type() Type { return TypeRegionProtection }

func (c RegionProtection) validate() error {
	if len(c.Regions) == 0 {
		return fmt.Errorf("region protection requires at least one region")
	}
	for i, r := range c.Regions {
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("region %d has non-positive dimensions", i)
		}
	}
	return nil
}

// defaultSensitiveKeywords flags input that looks credential-shaped.
var defaultSensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"credit card", "ssn", "private key",
}

// SensitiveInput allows text-input actions but requires human confirmation
// when the text matches a sensitive keyword. An empty Keywords slice uses
// the built-in set.
type SensitiveInput struct {
	Keywords []string
}

func (c SensitiveInput) Type() Type { return TypeSensitiveInput }

func (c SensitiveInput) validate() error { return nil }

func (c SensitiveInput) keywords() []string {
	if len(c.Keywords) > 0 {
		return c.Keywords
	}
	return defaultSensitiveKeywords
}

// Policy is the stored form of a rule, returned by management calls.
type Policy struct {
	ID       string
	Type     Type
	Priority int
	Enabled  bool
	Verdict  Verdict
	Config   Config
}

// Violation is one recorded denial, kept in a bounded history.
type Violation struct {
	At       time.Time
	PolicyID string
	Type     Type
	Action   schemas.ActionType
	URL      string
	Reason   string
}

// Stats is a snapshot of the gate's counters.
type Stats struct {
	TotalChecks int64
	Allowed     int64
	Denied      int64
}
