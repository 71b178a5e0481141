package policy

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/config"
	"github.com/davrell/pagectl/internal/events"
)

// defaultDelay is applied by delay-verdict policies that do not configure
// their own duration.
const defaultDelay = time.Second

// Gate evaluates prioritized policies against intended actions. All methods
// are safe for concurrent use; the policy list, rate windows, and pending
// confirmations are mutated only under the gate's lock.
type Gate struct {
	logger *zap.Logger
	bus    *events.Bus
	clock  schemas.Clock

	mu            sync.Mutex
	enabled       bool
	level         SafetyLevel
	policies      []*compiledPolicy
	seq           int
	windows       map[windowKey]*rateWindow
	pending       map[string]*pendingConfirmation
	confirmTTL    time.Duration
	maxViolations int
	violations    []Violation
	stats         Stats
}

type compiledPolicy struct {
	Policy
	order int // insertion sequence, tie-break for equal priorities
	globs []glob.Glob
	delay time.Duration
}

type windowKey struct {
	sessionID string
	policyID  string
}

type rateWindow struct {
	start time.Time
	count int
}

// NewGate constructs a gate from configuration. bus and clock may be nil;
// a nop bus and the system clock are substituted.
func NewGate(cfg config.GateConfig, logger *zap.Logger, bus *events.Bus, clock schemas.Clock) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.New(logger)
	}
	if clock == nil {
		clock = schemas.SystemClock{}
	}
	level := LevelNormal
	if cfg.Level != "" {
		var err error
		level, err = ParseSafetyLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
	}
	confirmTTL := cfg.ConfirmationTimeout
	if confirmTTL <= 0 {
		confirmTTL = 30 * time.Second
	}
	maxViolations := cfg.MaxViolations
	if maxViolations <= 0 {
		maxViolations = 200
	}
	return &Gate{
		logger:        logger.Named("gate"),
		bus:           bus,
		clock:         clock,
		enabled:       cfg.Enabled,
		level:         level,
		windows:       make(map[windowKey]*rateWindow),
		pending:       make(map[string]*pendingConfirmation),
		confirmTTL:    confirmTTL,
		maxViolations: maxViolations,
	}, nil
}

// AddPolicy validates and stores a policy. A missing ID is generated; a
// duplicate ID overwrites the existing policy. Priority 0 means "use the
// default" (500); verdict defaults to deny, except sensitive-input policies
// which default to ask.
func (g *Gate) AddPolicy(spec Spec) (Policy, error) {
	if spec.Config == nil {
		return Policy{}, fmt.Errorf("policy spec requires a config variant")
	}
	if err := spec.Config.validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid %s policy: %w", spec.Config.Type(), err)
	}

	p := Policy{
		ID:       spec.ID,
		Type:     spec.Config.Type(),
		Priority: spec.Priority,
		Enabled:  spec.Enabled == nil || *spec.Enabled,
		Verdict:  spec.Verdict,
		Config:   spec.Config,
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	if p.Verdict == "" {
		if p.Type == TypeSensitiveInput {
			p.Verdict = VerdictAsk
		} else {
			p.Verdict = VerdictDeny
		}
	}
	switch p.Verdict {
	case VerdictAllow, VerdictDeny, VerdictAsk, VerdictLog, VerdictDelay:
	default:
		return Policy{}, fmt.Errorf("unknown policy verdict %q", p.Verdict)
	}

	cp := &compiledPolicy{Policy: p, delay: defaultDelay}
	if spec.Delay > 0 {
		cp.delay = spec.Delay
	}
	if up, ok := p.Config.(URLPatterns); ok {
		cp.globs = make([]glob.Glob, 0, len(up.Patterns))
		for _, pat := range up.Patterns {
			// Validated above; Compile cannot fail here.
			cg, err := glob.Compile(pat)
			if err != nil {
				return Policy{}, fmt.Errorf("invalid url pattern %q: %w", pat, err)
			}
			cp.globs = append(cp.globs, cg)
		}
	}

	g.mu.Lock()
	replaced := false
	for i, existing := range g.policies {
		if existing.ID == p.ID {
			cp.order = existing.order
			g.policies[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		g.seq++
		cp.order = g.seq
		g.policies = append(g.policies, cp)
	}
	sort.SliceStable(g.policies, func(i, j int) bool {
		if g.policies[i].Priority != g.policies[j].Priority {
			return g.policies[i].Priority < g.policies[j].Priority
		}
		return g.policies[i].order < g.policies[j].order
	})
	g.mu.Unlock()

	g.logger.Info("Policy added.",
		zap.String("policy_id", p.ID),
		zap.String("type", string(p.Type)),
		zap.Int("priority", p.Priority))
	g.bus.Publish(events.PolicyAdded, map[string]any{"policy_id": p.ID, "type": string(p.Type)})
	return p, nil
}

// RemovePolicy deletes a policy by ID, reporting whether it existed.
func (g *Gate) RemovePolicy(id string) bool {
	g.mu.Lock()
	removed := false
	for i, p := range g.policies {
		if p.ID == id {
			g.policies = append(g.policies[:i], g.policies[i+1:]...)
			removed = true
			break
		}
	}
	g.mu.Unlock()
	if removed {
		g.bus.Publish(events.PolicyRemoved, map[string]any{"policy_id": id})
	}
	return removed
}

// SetPolicyEnabled toggles a policy without removing it.
func (g *Gate) SetPolicyEnabled(id string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.policies {
		if p.ID == id {
			p.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("no policy with id %q", id)
}

// Policies returns a snapshot of the stored policies in evaluation order.
func (g *Gate) Policies() []Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Policy, len(g.policies))
	for i, p := range g.policies {
		out[i] = p.Policy
	}
	return out
}

// SetEnabled toggles the gate globally. A disabled gate allows everything.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
}

// SetLevel changes the coarse safety level.
func (g *Gate) SetLevel(level SafetyLevel) error {
	if _, err := ParseSafetyLevel(string(level)); err != nil {
		return err
	}
	g.mu.Lock()
	old := g.level
	g.level = level
	g.mu.Unlock()
	if old != level {
		g.bus.Publish(events.LevelChanged, map[string]any{"from": string(old), "to": string(level)})
	}
	return nil
}

// Level returns the current safety level.
func (g *Gate) Level() SafetyLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// Check evaluates the action context against the safety level and the
// enabled policies in ascending priority order. The first triggering
// non-allow policy determines the outcome; no trigger means allow.
func (g *Gate) Check(actx schemas.ActionContext) schemas.PolicyDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.TotalChecks++

	if !g.enabled || g.level == LevelUnrestricted {
		g.stats.Allowed++
		return schemas.PolicyDecision{Allowed: true, Reason: "gate disabled"}
	}

	now := g.clock.Now()

	// The readonly override runs before any per-policy evaluation.
	if g.level == LevelReadonly && !actx.Action.IsReadOnly() {
		return g.denyLocked(actx, now, "", "", "readonly safety level denies non-read actions")
	}

	for _, p := range g.policies {
		if !p.Enabled {
			continue
		}
		triggered, reason := g.evaluate(p, actx, now)
		if !triggered {
			continue
		}
		switch p.Verdict {
		case VerdictAllow:
			// Allow-verdict matches never alter the default-allow outcome.
			continue
		case VerdictLog:
			g.recordViolationLocked(actx, now, p, reason)
			continue
		case VerdictAsk:
			g.stats.Allowed++
			return schemas.PolicyDecision{
				Allowed:              true,
				Reason:               reason,
				MatchedPolicyID:      p.ID,
				RequiresConfirmation: true,
			}
		case VerdictDelay:
			g.stats.Allowed++
			return schemas.PolicyDecision{
				Allowed:         true,
				Reason:          reason,
				MatchedPolicyID: p.ID,
				Delay:           p.delay,
			}
		default: // VerdictDeny
			return g.denyLocked(actx, now, p.ID, p.Type, reason)
		}
	}

	decision := schemas.PolicyDecision{Allowed: true}
	if (g.level == LevelCautious || g.level == LevelStrict) && isSensitiveText(actx, defaultSensitiveKeywords) {
		decision.RequiresConfirmation = true
		decision.Reason = "sensitive input requires confirmation"
	}
	if g.level == LevelStrict && !actx.Action.IsReadOnly() {
		decision.RequiresConfirmation = true
		if decision.Reason == "" {
			decision.Reason = "strict safety level requires confirmation"
		}
	}
	g.stats.Allowed++
	return decision
}

func (g *Gate) denyLocked(actx schemas.ActionContext, now time.Time, policyID string, ptype Type, reason string) schemas.PolicyDecision {
	g.stats.Denied++
	v := Violation{
		At:       now,
		PolicyID: policyID,
		Type:     ptype,
		Action:   actx.Action,
		URL:      actx.URL,
		Reason:   reason,
	}
	g.appendViolationLocked(v)
	g.logger.Warn("Action denied by policy.",
		zap.String("policy_id", policyID),
		zap.String("action", string(actx.Action)),
		zap.String("reason", reason))
	g.bus.Publish(events.PolicyViolation, map[string]any{
		"policy_id": policyID,
		"action":    string(actx.Action),
		"reason":    reason,
	})
	return schemas.PolicyDecision{Allowed: false, Reason: reason, MatchedPolicyID: policyID}
}

func (g *Gate) recordViolationLocked(actx schemas.ActionContext, now time.Time, p *compiledPolicy, reason string) {
	g.appendViolationLocked(Violation{
		At:       now,
		PolicyID: p.ID,
		Type:     p.Type,
		Action:   actx.Action,
		URL:      actx.URL,
		Reason:   reason,
	})
	g.logger.Info("Log policy matched.", zap.String("policy_id", p.ID), zap.String("reason", reason))
}

func (g *Gate) appendViolationLocked(v Violation) {
	g.violations = append(g.violations, v)
	if over := len(g.violations) - g.maxViolations; over > 0 {
		g.violations = g.violations[over:]
	}
}

// evaluate reports whether the policy triggers for the context. A panic in
// a matcher is swallowed and treated as "no match"; overall safety comes
// from default-deny policies, not from failing rules closed.
func (g *Gate) evaluate(p *compiledPolicy, actx schemas.ActionContext, now time.Time) (triggered bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("Policy matcher panicked; treating as no match.",
				zap.String("policy_id", p.ID), zap.Any("panic", r))
			triggered = false
		}
	}()

	switch cfg := p.Config.(type) {
	case URLPatterns:
		subject := actx.URL
		if cfg.MatchHost {
			if u, err := url.Parse(actx.URL); err == nil {
				subject = u.Host
			}
		}
		if subject == "" {
			return false, ""
		}
		matched := false
		for _, gl := range p.globs {
			if gl.Match(subject) {
				matched = true
				break
			}
		}
		if cfg.Blocklist && matched {
			return true, fmt.Sprintf("%q matches blocklist", subject)
		}
		if !cfg.Blocklist && !matched {
			return true, fmt.Sprintf("%q is not on the allowlist", subject)
		}
		return false, ""

	case RateLimit:
		key := windowKey{sessionID: actx.SessionID, policyID: p.ID}
		w := g.windows[key]
		if w == nil || now.Sub(w.start) >= cfg.Window {
			w = &rateWindow{start: now}
			g.windows[key] = w
		}
		w.count++
		if w.count > cfg.MaxActions {
			return true, fmt.Sprintf("rate limit exceeded: %d actions within %v", w.count, cfg.Window)
		}
		return false, ""

	case ContentFilter:
		content := strings.ToLower(actx.Content)
		if content == "" {
			return false, ""
		}
		for _, pat := range cfg.Patterns {
			if strings.Contains(content, strings.ToLower(pat)) {
				return true, fmt.Sprintf("content matches filter pattern %q", pat)
			}
		}
		return false, ""

	case ActionRestriction:
		for _, a := range cfg.Restricted {
			if a == actx.Action {
				return true, fmt.Sprintf("action %q is restricted", actx.Action)
			}
		}
		return false, ""

	case RegionProtection:
		if actx.Target == nil {
			return false, ""
		}
		for _, r := range cfg.Regions {
			if r.Contains(*actx.Target) {
				return true, fmt.Sprintf("target (%.0f,%.0f) falls inside a protected region", actx.Target.X, actx.Target.Y)
			}
		}
		return false, ""

	case SensitiveInput:
		if isSensitiveText(actx, cfg.keywords()) {
			return true, "input text matches a sensitive keyword"
		}
		return false, ""
	}

	return false, ""
}

func isSensitiveText(actx schemas.ActionContext, keywords []string) bool {
	if actx.Action != schemas.ActionTypeText || actx.Content == "" {
		return false
	}
	content := strings.ToLower(actx.Content)
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

// Violations returns the most recent denials, newest last. limit <= 0
// returns the full retained history.
func (g *Gate) Violations(limit int) []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.violations)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Violation, n)
	copy(out, g.violations[len(g.violations)-n:])
	return out
}

// Stats returns a snapshot of the check counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
