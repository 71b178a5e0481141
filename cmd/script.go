package cmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/interceptor"
	"github.com/davrell/pagectl/internal/policy"
)

// scriptFile is the on-disk replay script. Actions run in order; policies
// and intercept rules are installed before the first action.
type scriptFile struct {
	Session       string                  `yaml:"session"`
	StartURL      string                  `yaml:"start_url"`
	Actions       []schemas.ActionRequest `yaml:"actions"`
	Policies      []scriptPolicy          `yaml:"policies"`
	Rules         []scriptRule            `yaml:"rules"`
	Breakpoints   []int                   `yaml:"breakpoints"`
	NetworkPreset string                  `yaml:"network_preset"`
	Speed         float64                 `yaml:"speed"`
}

// scriptPolicy is the flattened YAML form of a policy spec. Type selects
// the variant; only the fields that variant reads are consulted.
type scriptPolicy struct {
	ID         string                `yaml:"id"`
	Type       string                `yaml:"type"`
	Priority   int                   `yaml:"priority"`
	Verdict    string                `yaml:"verdict"`
	Delay      time.Duration         `yaml:"delay"`
	Patterns   []string              `yaml:"patterns"`
	MaxActions int                   `yaml:"max_actions"`
	Window     time.Duration         `yaml:"window"`
	Restricted []string              `yaml:"restricted"`
	Keywords   []string              `yaml:"keywords"`
	Regions    []schemas.BoundingBox `yaml:"regions"`
}

type scriptRule struct {
	Pattern  string                `yaml:"pattern"`
	Regex    bool                  `yaml:"regex"`
	Type     string                `yaml:"type"`
	Response *schemas.MockResponse `yaml:"response"`
}

func loadScript(path string) (*scriptFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %q: %w", path, err)
	}
	var script scriptFile
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script %q: %w", path, err)
	}
	if len(script.Actions) == 0 {
		return nil, fmt.Errorf("script %q contains no actions", path)
	}
	return &script, nil
}

func (p scriptPolicy) toSpec() (policy.Spec, error) {
	spec := policy.Spec{
		ID:       p.ID,
		Priority: p.Priority,
		Verdict:  policy.Verdict(p.Verdict),
		Delay:    p.Delay,
	}
	switch policy.Type(p.Type) {
	case policy.TypeURLAllowlist:
		spec.Config = policy.URLPatterns{Patterns: p.Patterns}
	case policy.TypeURLBlocklist:
		spec.Config = policy.URLPatterns{Patterns: p.Patterns, Blocklist: true}
	case policy.TypeDomainAllowlist:
		spec.Config = policy.URLPatterns{Patterns: p.Patterns, MatchHost: true}
	case policy.TypeDomainBlocklist:
		spec.Config = policy.URLPatterns{Patterns: p.Patterns, MatchHost: true, Blocklist: true}
	case policy.TypeRateLimit:
		spec.Config = policy.RateLimit{MaxActions: p.MaxActions, Window: p.Window}
	case policy.TypeContentFilter:
		spec.Config = policy.ContentFilter{Patterns: p.Patterns}
	case policy.TypeActionRestriction:
		restricted := make([]schemas.ActionType, 0, len(p.Restricted))
		for _, r := range p.Restricted {
			restricted = append(restricted, schemas.ActionType(r))
		}
		spec.Config = policy.ActionRestriction{Restricted: restricted}
	case policy.TypeRegionProtection:
		spec.Config = policy.RegionProtection{Regions: p.Regions}
	case policy.TypeSensitiveInput:
		spec.Config = policy.SensitiveInput{Keywords: p.Keywords}
	default:
		return policy.Spec{}, fmt.Errorf("unknown policy type %q", p.Type)
	}
	return spec, nil
}

func (r scriptRule) toSpec() interceptor.RuleSpec {
	return interceptor.RuleSpec{
		Pattern:  r.Pattern,
		Regex:    r.Regex,
		Type:     interceptor.RuleType(r.Type),
		Response: r.Response,
	}
}
