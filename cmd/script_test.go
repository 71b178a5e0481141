package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/interceptor"
	"github.com/davrell/pagectl/internal/policy"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScript(t *testing.T) {
	path := writeScript(t, `
session: checkout-42
start_url: https://shop.example.com/
speed: 2.0
network_preset: fast-3g
breakpoints: [1]
actions:
  - type: navigate
    url: https://shop.example.com/cart
  - type: click
    target:
      text: "Place order"
      role: button
  - type: type
    target:
      selector: "#promo"
    text: SAVE10
policies:
  - id: block-tracking
    type: url_blocklist
    verdict: deny
    patterns: ["*analytics*"]
rules:
  - pattern: "*/ads/*"
    type: abort
`)

	script, err := loadScript(path)
	require.NoError(t, err)

	assert.Equal(t, "checkout-42", script.Session)
	assert.Equal(t, "https://shop.example.com/", script.StartURL)
	assert.Equal(t, 2.0, script.Speed)
	assert.Equal(t, "fast-3g", script.NetworkPreset)
	assert.Equal(t, []int{1}, script.Breakpoints)

	require.Len(t, script.Actions, 3)
	assert.Equal(t, schemas.ActionNavigate, script.Actions[0].Type)
	require.NotNil(t, script.Actions[1].Target)
	assert.Equal(t, "Place order", script.Actions[1].Target.Text)
	assert.Equal(t, schemas.ActionTypeText, script.Actions[2].Type)
	assert.Equal(t, "SAVE10", script.Actions[2].Text)

	require.Len(t, script.Policies, 1)
	require.Len(t, script.Rules, 1)
}

func TestLoadScript_Errors(t *testing.T) {
	_, err := loadScript(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "failed to read script")

	_, err = loadScript(writeScript(t, "actions: [\n"))
	require.ErrorContains(t, err, "failed to parse script")

	_, err = loadScript(writeScript(t, "session: empty\n"))
	require.ErrorContains(t, err, "contains no actions")
}

func TestScriptPolicyToSpec(t *testing.T) {
	spec, err := scriptPolicy{
		ID:       "no-internal",
		Type:     "domain_blocklist",
		Priority: 5,
		Verdict:  "deny",
		Patterns: []string{"*.internal.example.com"},
	}.toSpec()
	require.NoError(t, err)
	assert.Equal(t, "no-internal", spec.ID)
	assert.Equal(t, policy.VerdictDeny, spec.Verdict)
	cfg, ok := spec.Config.(policy.URLPatterns)
	require.True(t, ok)
	assert.True(t, cfg.Blocklist)
	assert.True(t, cfg.MatchHost)

	spec, err = scriptPolicy{
		ID:         "throttle",
		Type:       "rate_limit",
		Verdict:    "deny",
		MaxActions: 10,
		Window:     time.Minute,
	}.toSpec()
	require.NoError(t, err)
	rl, ok := spec.Config.(policy.RateLimit)
	require.True(t, ok)
	assert.Equal(t, 10, rl.MaxActions)
	assert.Equal(t, time.Minute, rl.Window)

	spec, err = scriptPolicy{
		ID:         "no-eval",
		Type:       "action_restriction",
		Verdict:    "deny",
		Restricted: []string{"evaluate", "screenshot"},
	}.toSpec()
	require.NoError(t, err)
	ar, ok := spec.Config.(policy.ActionRestriction)
	require.True(t, ok)
	assert.Equal(t, []schemas.ActionType{schemas.ActionEvaluate, schemas.ActionScreenshot}, ar.Restricted)

	_, err = scriptPolicy{ID: "x", Type: "geo_fence"}.toSpec()
	require.ErrorContains(t, err, `unknown policy type "geo_fence"`)
}

func TestScriptRuleToSpec(t *testing.T) {
	spec := scriptRule{
		Pattern:  "*/api/session",
		Type:     "mock",
		Response: &schemas.MockResponse{Status: 200, Body: `{"ok":true}`},
	}.toSpec()

	assert.Equal(t, "*/api/session", spec.Pattern)
	assert.Equal(t, interceptor.RuleMock, spec.Type)
	require.NotNil(t, spec.Response)
	assert.Equal(t, 200, spec.Response.Status)
}
