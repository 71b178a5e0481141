package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/config"
	"github.com/davrell/pagectl/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.advance(d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func defaultGateConfig() config.GateConfig {
	return config.GateConfig{
		Enabled:             true,
		Level:               "normal",
		ConfirmationTimeout: 30 * time.Second,
		MaxViolations:       200,
	}
}

func newTestGate(t *testing.T, cfg config.GateConfig, clock schemas.Clock) *Gate {
	t.Helper()
	g, err := NewGate(cfg, zaptest.NewLogger(t), nil, clock)
	require.NoError(t, err)
	return g
}

func clickAt(sessionID, url string) schemas.ActionContext {
	return schemas.ActionContext{SessionID: sessionID, Action: schemas.ActionClick, URL: url}
}

func typeText(sessionID, text string) schemas.ActionContext {
	return schemas.ActionContext{SessionID: sessionID, Action: schemas.ActionTypeText, Content: text}
}

func TestNewGate_RejectsUnknownLevel(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.Level = "paranoid"
	_, err := NewGate(cfg, zaptest.NewLogger(t), nil, newFakeClock())
	assert.Error(t, err)
}

func TestCheck_DisabledGateAllowsEverything(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.Enabled = false
	g := newTestGate(t, cfg, newFakeClock())
	_, err := g.AddPolicy(Spec{Config: ActionRestriction{Restricted: []schemas.ActionType{schemas.ActionClick}}})
	require.NoError(t, err)

	decision := g.Check(clickAt("s1", "https://example.com"))
	assert.True(t, decision.Allowed)
}

func TestCheck_DefaultAllowWithNoPolicies(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	decision := g.Check(clickAt("s1", "https://example.com"))
	assert.True(t, decision.Allowed)
	assert.False(t, decision.RequiresConfirmation)
}

func TestCheck_URLBlocklistDenies(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	p, err := g.AddPolicy(Spec{
		ID:     "block-internal",
		Config: URLPatterns{Patterns: []string{"https://internal.corp/*"}, Blocklist: true},
	})
	require.NoError(t, err)

	denied := g.Check(clickAt("s1", "https://internal.corp/admin"))
	assert.False(t, denied.Allowed)
	assert.Equal(t, p.ID, denied.MatchedPolicyID)
	assert.Contains(t, denied.Reason, "blocklist")

	allowed := g.Check(clickAt("s1", "https://example.com/"))
	assert.True(t, allowed.Allowed)
}

func TestCheck_URLAllowlistDeniesOffList(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{Config: URLPatterns{Patterns: []string{"https://example.com/*"}}})
	require.NoError(t, err)

	assert.True(t, g.Check(clickAt("s1", "https://example.com/checkout")).Allowed)

	off := g.Check(clickAt("s1", "https://evil.example.net/"))
	assert.False(t, off.Allowed)
	assert.Contains(t, off.Reason, "not on the allowlist")
}

func TestCheck_DomainBlocklistMatchesHostOnly(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{
		Config: URLPatterns{Patterns: []string{"*.tracker.io"}, MatchHost: true, Blocklist: true},
	})
	require.NoError(t, err)

	assert.False(t, g.Check(clickAt("s1", "https://ads.tracker.io/pixel")).Allowed)
	// The pattern appearing in the path must not trigger a host match.
	assert.True(t, g.Check(clickAt("s1", "https://example.com/ads.tracker.io")).Allowed)
}

func TestCheck_EmptyURLSkipsURLPolicies(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{Config: URLPatterns{Patterns: []string{"https://example.com/*"}}})
	require.NoError(t, err)

	// Actions without a URL (scroll, screenshot) sail past URL policies.
	decision := g.Check(schemas.ActionContext{SessionID: "s1", Action: schemas.ActionScroll})
	assert.True(t, decision.Allowed)
}

func TestCheck_RateLimitFixedWindow(t *testing.T) {
	clock := newFakeClock()
	g := newTestGate(t, defaultGateConfig(), clock)
	_, err := g.AddPolicy(Spec{
		ID:     "rl",
		Config: RateLimit{MaxActions: 2, Window: time.Minute},
	})
	require.NoError(t, err)

	assert.True(t, g.Check(clickAt("s1", "https://example.com")).Allowed)
	assert.True(t, g.Check(clickAt("s1", "https://example.com")).Allowed)

	third := g.Check(clickAt("s1", "https://example.com"))
	assert.False(t, third.Allowed)
	assert.Contains(t, third.Reason, "rate limit exceeded")

	// A different session has its own window.
	assert.True(t, g.Check(clickAt("s2", "https://example.com")).Allowed)

	// The window resets after it elapses.
	clock.advance(61 * time.Second)
	assert.True(t, g.Check(clickAt("s1", "https://example.com")).Allowed)
}

func TestCheck_ContentFilter(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{Config: ContentFilter{Patterns: []string{"drop table"}}})
	require.NoError(t, err)

	assert.False(t, g.Check(typeText("s1", "Robert'); DROP TABLE students;--")).Allowed)
	assert.True(t, g.Check(typeText("s1", "hello world")).Allowed)
}

func TestCheck_ActionRestriction(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{
		Config: ActionRestriction{Restricted: []schemas.ActionType{schemas.ActionEvaluate}},
	})
	require.NoError(t, err)

	evalCtx := schemas.ActionContext{SessionID: "s1", Action: schemas.ActionEvaluate, Content: "1+1"}
	assert.False(t, g.Check(evalCtx).Allowed)
	assert.True(t, g.Check(clickAt("s1", "https://example.com")).Allowed)
}

func TestCheck_RegionProtection(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{
		Config: RegionProtection{Regions: []schemas.BoundingBox{{X: 0, Y: 0, Width: 100, Height: 50}}},
	})
	require.NoError(t, err)

	inside := clickAt("s1", "https://example.com")
	inside.Target = &schemas.Point{X: 50, Y: 25}
	assert.False(t, g.Check(inside).Allowed)

	outside := clickAt("s1", "https://example.com")
	outside.Target = &schemas.Point{X: 500, Y: 500}
	assert.True(t, g.Check(outside).Allowed)

	// No coordinates, nothing to protect.
	assert.True(t, g.Check(clickAt("s1", "https://example.com")).Allowed)
}

func TestCheck_SensitiveInputDefaultsToAsk(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{Config: SensitiveInput{}})
	require.NoError(t, err)

	decision := g.Check(typeText("s1", "my password is hunter2"))
	assert.True(t, decision.Allowed)
	assert.True(t, decision.RequiresConfirmation)

	plain := g.Check(typeText("s1", "just a plain note"))
	assert.True(t, plain.Allowed)
	assert.False(t, plain.RequiresConfirmation)
}

func TestCheck_PriorityOrderDecides(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	// Low-priority blocklist would deny, but a higher-priority (lower
	// number) ask policy on the same URL wins.
	_, err := g.AddPolicy(Spec{
		ID:       "deny-all",
		Priority: 900,
		Config:   URLPatterns{Patterns: []string{"https://example.com/*"}, Blocklist: true},
	})
	require.NoError(t, err)
	_, err = g.AddPolicy(Spec{
		ID:       "ask-first",
		Priority: 100,
		Verdict:  VerdictAsk,
		Config:   URLPatterns{Patterns: []string{"https://example.com/*"}, Blocklist: true},
	})
	require.NoError(t, err)

	decision := g.Check(clickAt("s1", "https://example.com/page"))
	assert.True(t, decision.Allowed)
	assert.True(t, decision.RequiresConfirmation)
	assert.Equal(t, "ask-first", decision.MatchedPolicyID)
}

func TestCheck_EqualPriorityInsertionOrder(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{
		ID:      "first",
		Verdict: VerdictAsk,
		Config:  URLPatterns{Patterns: []string{"https://example.com/*"}, Blocklist: true},
	})
	require.NoError(t, err)
	_, err = g.AddPolicy(Spec{
		ID:     "second",
		Config: URLPatterns{Patterns: []string{"https://example.com/*"}, Blocklist: true},
	})
	require.NoError(t, err)

	decision := g.Check(clickAt("s1", "https://example.com/page"))
	assert.Equal(t, "first", decision.MatchedPolicyID)
}

func TestCheck_AllowVerdictNeverOverrides(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{
		ID:       "allow-early",
		Priority: 1,
		Verdict:  VerdictAllow,
		Config:   URLPatterns{Patterns: []string{"https://example.com/*"}, Blocklist: true},
	})
	require.NoError(t, err)
	_, err = g.AddPolicy(Spec{
		ID:       "deny-late",
		Priority: 999,
		Config:   URLPatterns{Patterns: []string{"https://example.com/*"}, Blocklist: true},
	})
	require.NoError(t, err)

	// The allow match does not short-circuit the later deny.
	decision := g.Check(clickAt("s1", "https://example.com/page"))
	assert.False(t, decision.Allowed)
	assert.Equal(t, "deny-late", decision.MatchedPolicyID)
}

func TestCheck_LogVerdictRecordsAndContinues(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{
		ID:      "log-only",
		Verdict: VerdictLog,
		Config:  URLPatterns{Patterns: []string{"https://example.com/*"}, Blocklist: true},
	})
	require.NoError(t, err)

	decision := g.Check(clickAt("s1", "https://example.com/page"))
	assert.True(t, decision.Allowed)

	violations := g.Violations(0)
	require.Len(t, violations, 1)
	assert.Equal(t, "log-only", violations[0].PolicyID)
}

func TestCheck_DelayVerdict(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{
		ID:      "slow-down",
		Verdict: VerdictDelay,
		Delay:   2 * time.Second,
		Config:  URLPatterns{Patterns: []string{"https://example.com/*"}, Blocklist: true},
	})
	require.NoError(t, err)

	decision := g.Check(clickAt("s1", "https://example.com/page"))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 2*time.Second, decision.Delay)
}

func TestCheck_ReadonlyLevel(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.Level = "readonly"
	g := newTestGate(t, cfg, newFakeClock())

	assert.False(t, g.Check(clickAt("s1", "https://example.com")).Allowed)
	assert.True(t, g.Check(schemas.ActionContext{Action: schemas.ActionScreenshot}).Allowed)
	assert.True(t, g.Check(schemas.ActionContext{Action: schemas.ActionScroll}).Allowed)
}

func TestCheck_StrictLevelForcesConfirmation(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.Level = "strict"
	g := newTestGate(t, cfg, newFakeClock())

	decision := g.Check(clickAt("s1", "https://example.com"))
	assert.True(t, decision.Allowed)
	assert.True(t, decision.RequiresConfirmation)

	read := g.Check(schemas.ActionContext{Action: schemas.ActionScreenshot})
	assert.False(t, read.RequiresConfirmation)
}

func TestCheck_CautiousLevelFlagsSensitiveText(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.Level = "cautious"
	g := newTestGate(t, cfg, newFakeClock())

	sensitive := g.Check(typeText("s1", "here is my api_key value"))
	assert.True(t, sensitive.Allowed)
	assert.True(t, sensitive.RequiresConfirmation)

	plain := g.Check(typeText("s1", "ordinary text"))
	assert.False(t, plain.RequiresConfirmation)
}

func TestCheck_UnrestrictedSkipsPolicies(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.Level = "unrestricted"
	g := newTestGate(t, cfg, newFakeClock())
	_, err := g.AddPolicy(Spec{Config: ActionRestriction{Restricted: []schemas.ActionType{schemas.ActionClick}}})
	require.NoError(t, err)

	assert.True(t, g.Check(clickAt("s1", "https://example.com")).Allowed)
}

func TestAddPolicy_Validation(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())

	_, err := g.AddPolicy(Spec{})
	assert.Error(t, err, "missing config variant")

	_, err = g.AddPolicy(Spec{Config: URLPatterns{}})
	assert.Error(t, err, "no patterns")

	_, err = g.AddPolicy(Spec{Config: URLPatterns{Patterns: []string{"["}}})
	assert.Error(t, err, "malformed glob")

	_, err = g.AddPolicy(Spec{Config: RateLimit{MaxActions: 0, Window: time.Minute}})
	assert.Error(t, err)

	_, err = g.AddPolicy(Spec{Verdict: "maybe", Config: ContentFilter{Patterns: []string{"x"}}})
	assert.Error(t, err, "unknown verdict")
}

func TestAddPolicy_DefaultsAndOverwrite(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())

	p, err := g.AddPolicy(Spec{Config: ContentFilter{Patterns: []string{"x"}}})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID, "missing ID is generated")
	assert.Equal(t, DefaultPriority, p.Priority)
	assert.Equal(t, VerdictDeny, p.Verdict)

	sens, err := g.AddPolicy(Spec{Config: SensitiveInput{}})
	require.NoError(t, err)
	assert.Equal(t, VerdictAsk, sens.Verdict, "sensitive input defaults to ask")

	// Same ID overwrites in place rather than duplicating.
	_, err = g.AddPolicy(Spec{ID: p.ID, Priority: 7, Config: ContentFilter{Patterns: []string{"y"}}})
	require.NoError(t, err)
	count := 0
	for _, stored := range g.Policies() {
		if stored.ID == p.ID {
			count++
			assert.Equal(t, 7, stored.Priority)
		}
	}
	assert.Equal(t, 1, count)
}

func TestRemoveAndTogglePolicy(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	p, err := g.AddPolicy(Spec{Config: ActionRestriction{Restricted: []schemas.ActionType{schemas.ActionClick}}})
	require.NoError(t, err)

	require.NoError(t, g.SetPolicyEnabled(p.ID, false))
	assert.True(t, g.Check(clickAt("s1", "https://example.com")).Allowed, "disabled policy must not trigger")

	require.NoError(t, g.SetPolicyEnabled(p.ID, true))
	assert.False(t, g.Check(clickAt("s1", "https://example.com")).Allowed)

	assert.True(t, g.RemovePolicy(p.ID))
	assert.False(t, g.RemovePolicy(p.ID), "second remove reports absence")
	assert.True(t, g.Check(clickAt("s1", "https://example.com")).Allowed)

	assert.Error(t, g.SetPolicyEnabled("missing", true))
}

func TestViolations_BoundedAndOrdered(t *testing.T) {
	cfg := defaultGateConfig()
	cfg.MaxViolations = 3
	g := newTestGate(t, cfg, newFakeClock())
	_, err := g.AddPolicy(Spec{Config: ActionRestriction{Restricted: []schemas.ActionType{schemas.ActionClick}}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		g.Check(clickAt("s1", "https://example.com"))
	}

	assert.Len(t, g.Violations(0), 3)
	assert.Len(t, g.Violations(2), 2)
}

func TestStats(t *testing.T) {
	g := newTestGate(t, defaultGateConfig(), newFakeClock())
	_, err := g.AddPolicy(Spec{Config: ActionRestriction{Restricted: []schemas.ActionType{schemas.ActionEvaluate}}})
	require.NoError(t, err)

	g.Check(clickAt("s1", "https://example.com"))
	g.Check(schemas.ActionContext{SessionID: "s1", Action: schemas.ActionEvaluate})

	stats := g.Stats()
	assert.Equal(t, int64(2), stats.TotalChecks)
	assert.Equal(t, int64(1), stats.Allowed)
	assert.Equal(t, int64(1), stats.Denied)
}

func TestSetLevel_PublishesChange(t *testing.T) {
	bus := events.New(zaptest.NewLogger(t))
	g, err := NewGate(defaultGateConfig(), zaptest.NewLogger(t), bus, newFakeClock())
	require.NoError(t, err)

	var got events.Event
	unsub := bus.Subscribe(events.LevelChanged, func(ev events.Event) { got = ev })
	defer unsub()

	require.NoError(t, g.SetLevel(LevelStrict))
	assert.Equal(t, LevelStrict, g.Level())
	assert.Equal(t, "normal", got.Fields["from"])
	assert.Equal(t, "strict", got.Fields["to"])

	assert.Error(t, g.SetLevel("bogus"))
}
