package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/config"
	"github.com/davrell/pagectl/internal/events"
)

// ErrUnknownCondition is returned for an unrecognized preset name. The text
// is stable; callers match on it.
var ErrUnknownCondition = errors.New("Unknown network condition")

type compiledRule struct {
	Rule
	matcher urlMatcher
}

type sessionState struct {
	session   schemas.NetworkSession
	installed bool
}

type waiter struct {
	fragment string
	targetID string
	ch       chan LogEntry
}

type responseWaiter struct {
	fragment string
	targetID string
	ch       chan schemas.ResponseEvent
}

// Interceptor owns the rule table, the bounded request log, and the
// per-session route installation. Rules are global; installation and
// network conditions are per session. Safe for concurrent use.
type Interceptor struct {
	logger *zap.Logger
	bus    *events.Bus
	clock  schemas.Clock

	maxLog int

	mu          sync.Mutex
	rules       []*compiledRule
	sessions    map[string]*sessionState
	log         []LogEntry
	reqWaiters  []*waiter
	respWaiters []*responseWaiter
}

// New constructs an interceptor. bus and clock may be nil.
func New(cfg config.InterceptorConfig, logger *zap.Logger, bus *events.Bus, clock schemas.Clock) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.New(logger)
	}
	if clock == nil {
		clock = schemas.SystemClock{}
	}
	maxLog := cfg.MaxLogEntries
	if maxLog <= 0 {
		maxLog = 1000
	}
	return &Interceptor{
		logger:   logger.Named("interceptor"),
		bus:      bus,
		clock:    clock,
		maxLog:   maxLog,
		sessions: make(map[string]*sessionState),
	}
}

// AddRule validates, compiles, and appends a rule. Rules are evaluated in
// insertion order; the first match wins.
func (n *Interceptor) AddRule(spec RuleSpec) (Rule, error) {
	if err := validateSpec(spec); err != nil {
		return Rule{}, err
	}
	matcher, err := compileMatcher(spec)
	if err != nil {
		return Rule{}, err
	}
	r := Rule{
		ID:       uuid.New().String(),
		Pattern:  spec.Pattern,
		Regex:    spec.Regex,
		Type:     spec.Type,
		Response: spec.Response,
	}
	n.mu.Lock()
	n.rules = append(n.rules, &compiledRule{Rule: r, matcher: matcher})
	n.mu.Unlock()
	n.bus.Publish(events.RuleAdded, map[string]any{"rule_id": r.ID, "pattern": r.Pattern, "type": string(r.Type)})
	return r, nil
}

// RemoveRule deletes a rule by ID, reporting whether it existed.
func (n *Interceptor) RemoveRule(id string) bool {
	n.mu.Lock()
	removed := false
	for i, r := range n.rules {
		if r.ID == id {
			n.rules = append(n.rules[:i], n.rules[i+1:]...)
			removed = true
			break
		}
	}
	n.mu.Unlock()
	if removed {
		n.bus.Publish(events.RuleRemoved, map[string]any{"rule_id": id})
	}
	return removed
}

// Rules returns the rule table in evaluation order.
func (n *Interceptor) Rules() []Rule {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Rule, len(n.rules))
	for i, r := range n.rules {
		out[i] = r.Rule
	}
	return out
}

// RegisterSession associates a network session handle with its target ID.
// Must be called before EnableInterception or SetNetworkCondition.
func (n *Interceptor) RegisterSession(targetID string, session schemas.NetworkSession) {
	n.mu.Lock()
	n.sessions[targetID] = &sessionState{session: session}
	n.mu.Unlock()
}

// UnregisterSession removes interception from the session and forgets it.
func (n *Interceptor) UnregisterSession(targetID string) {
	_ = n.DisableInterception(targetID)
	n.mu.Lock()
	delete(n.sessions, targetID)
	n.mu.Unlock()
}

// EnableInterception installs the catch-all route handler on the session.
// Idempotent: a second call is a no-op.
func (n *Interceptor) EnableInterception(targetID string) error {
	n.mu.Lock()
	st, ok := n.sessions[targetID]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("no registered session %q", targetID)
	}
	if st.installed {
		n.mu.Unlock()
		return nil
	}
	st.installed = true
	n.mu.Unlock()

	handler := func(req schemas.InterceptedRequest) schemas.RouteDecision {
		return n.route(targetID, req)
	}
	if err := st.session.SetRouteHandler(handler); err != nil {
		n.mu.Lock()
		st.installed = false
		n.mu.Unlock()
		return fmt.Errorf("failed to install route handler: %w", err)
	}
	if err := st.session.SetResponseHandler(n.handleResponse); err != nil {
		n.logger.Warn("Failed to install response handler.", zap.Error(err))
	}
	n.logger.Info("Interception enabled.", zap.String("target_id", targetID))
	return nil
}

// DisableInterception removes the route handler from the session.
func (n *Interceptor) DisableInterception(targetID string) error {
	n.mu.Lock()
	st, ok := n.sessions[targetID]
	if !ok || !st.installed {
		n.mu.Unlock()
		return nil
	}
	st.installed = false
	n.mu.Unlock()

	if err := st.session.SetRouteHandler(nil); err != nil {
		return fmt.Errorf("failed to remove route handler: %w", err)
	}
	_ = st.session.SetResponseHandler(nil)
	n.logger.Info("Interception disabled.", zap.String("target_id", targetID))
	return nil
}

// route evaluates the rules for one request, logs it, and returns the
// transport decision.
func (n *Interceptor) route(targetID string, req schemas.InterceptedRequest) schemas.RouteDecision {
	n.mu.Lock()
	var matched *compiledRule
	for _, r := range n.rules {
		if r.matcher.match(req.URL) {
			matched = r
			break
		}
	}

	entry := LogEntry{
		ID:        req.ID,
		TargetID:  targetID,
		URL:       req.URL,
		Method:    req.Method,
		Timestamp: n.clock.Now(),
		Outcome:   RuleContinue,
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	decision := schemas.RouteDecision{Action: schemas.RouteContinue}
	if matched != nil {
		entry.RuleID = matched.ID
		entry.Outcome = matched.Type
		switch matched.Type {
		case RuleMock:
			entry.Intercepted = true
			decision = schemas.RouteDecision{Action: schemas.RouteFulfill, Response: matched.Response}
		case RuleAbort:
			entry.Intercepted = true
			decision = schemas.RouteDecision{Action: schemas.RouteAbort}
		case RuleContinue:
			// Explicit pass-through still counts as a rule match.
		}
	}

	n.log = append(n.log, entry)
	if over := len(n.log) - n.maxLog; over > 0 {
		n.log = n.log[over:]
	}
	waiters := n.matchRequestWaitersLocked(entry)
	n.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.ch <- entry:
		default:
		}
	}
	if entry.Intercepted {
		n.bus.Publish(events.RequestIntercepted, map[string]any{
			"url":     entry.URL,
			"rule_id": entry.RuleID,
			"outcome": string(entry.Outcome),
		})
	}
	return decision
}

func (n *Interceptor) matchRequestWaitersLocked(entry LogEntry) []*waiter {
	var fired []*waiter
	remaining := n.reqWaiters[:0]
	for _, w := range n.reqWaiters {
		if (w.targetID == "" || w.targetID == entry.TargetID) && strings.Contains(entry.URL, w.fragment) {
			fired = append(fired, w)
			continue
		}
		remaining = append(remaining, w)
	}
	n.reqWaiters = remaining
	return fired
}

func (n *Interceptor) handleResponse(ev schemas.ResponseEvent) {
	n.mu.Lock()
	var fired []*responseWaiter
	remaining := n.respWaiters[:0]
	for _, w := range n.respWaiters {
		if (w.targetID == "" || w.targetID == ev.TargetID) && strings.Contains(ev.URL, w.fragment) {
			fired = append(fired, w)
			continue
		}
		remaining = append(remaining, w)
	}
	n.respWaiters = remaining
	n.mu.Unlock()

	for _, w := range fired {
		select {
		case w.ch <- ev:
		default:
		}
	}
}

// WaitForRequest blocks until a request whose URL contains fragment is
// observed, or the timeout elapses.
func (n *Interceptor) WaitForRequest(ctx context.Context, fragment string, timeout time.Duration) (LogEntry, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &waiter{fragment: fragment, ch: make(chan LogEntry, 1)}
	n.mu.Lock()
	n.reqWaiters = append(n.reqWaiters, w)
	n.mu.Unlock()
	defer n.dropRequestWaiter(w)

	timedOut, stopTimer := schemas.After(ctx, n.clock, timeout)
	defer stopTimer()
	select {
	case entry := <-w.ch:
		return entry, nil
	case <-timedOut:
		return LogEntry{}, fmt.Errorf("timed out after %v waiting for request matching %q", timeout, fragment)
	case <-ctx.Done():
		return LogEntry{}, ctx.Err()
	}
}

// WaitForResponse blocks until a response whose URL contains fragment
// completes, or the timeout elapses.
func (n *Interceptor) WaitForResponse(ctx context.Context, fragment string, timeout time.Duration) (schemas.ResponseEvent, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &responseWaiter{fragment: fragment, ch: make(chan schemas.ResponseEvent, 1)}
	n.mu.Lock()
	n.respWaiters = append(n.respWaiters, w)
	n.mu.Unlock()
	defer n.dropResponseWaiter(w)

	timedOut, stopTimer := schemas.After(ctx, n.clock, timeout)
	defer stopTimer()
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timedOut:
		return schemas.ResponseEvent{}, fmt.Errorf("timed out after %v waiting for response matching %q", timeout, fragment)
	case <-ctx.Done():
		return schemas.ResponseEvent{}, ctx.Err()
	}
}

func (n *Interceptor) dropRequestWaiter(w *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, x := range n.reqWaiters {
		if x == w {
			n.reqWaiters = append(n.reqWaiters[:i], n.reqWaiters[i+1:]...)
			return
		}
	}
}

func (n *Interceptor) dropResponseWaiter(w *responseWaiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, x := range n.respWaiters {
		if x == w {
			n.respWaiters = append(n.respWaiters[:i], n.respWaiters[i+1:]...)
			return
		}
	}
}

// SetNetworkCondition applies a named preset to the session.
func (n *Interceptor) SetNetworkCondition(ctx context.Context, targetID, preset string) error {
	nc, ok := ConditionPreset(preset)
	if !ok {
		return ErrUnknownCondition
	}
	return n.ApplyNetworkConditions(ctx, targetID, nc)
}

// ApplyNetworkConditions applies explicit emulation values to the session.
func (n *Interceptor) ApplyNetworkConditions(ctx context.Context, targetID string, nc schemas.NetworkConditions) error {
	n.mu.Lock()
	st, ok := n.sessions[targetID]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("no registered session %q", targetID)
	}
	return st.session.EmulateNetworkConditions(ctx, nc)
}

// ResetNetworkCondition restores unthrottled behavior for the session.
func (n *Interceptor) ResetNetworkCondition(ctx context.Context, targetID string) error {
	return n.ApplyNetworkConditions(ctx, targetID, Unthrottled)
}

// GetRequestLog returns logged requests matching the filter, oldest first.
func (n *Interceptor) GetRequestLog(filter LogFilter) ([]LogEntry, error) {
	var urlGlob glob.Glob
	if filter.URLPattern != "" {
		g, err := glob.Compile(filter.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid url filter %q: %w", filter.URLPattern, err)
		}
		urlGlob = g
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	var out []LogEntry
	for _, e := range n.log {
		if filter.TargetID != "" && e.TargetID != filter.TargetID {
			continue
		}
		if filter.Method != "" && !strings.EqualFold(filter.Method, e.Method) {
			continue
		}
		if filter.InterceptedOnly && !e.Intercepted {
			continue
		}
		if urlGlob != nil && !urlGlob.Match(e.URL) {
			continue
		}
		out = append(out, e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// ClearRequestLog drops the retained log.
func (n *Interceptor) ClearRequestLog() {
	n.mu.Lock()
	n.log = nil
	n.mu.Unlock()
}

// ExportLog writes the full request log as JSON.
func (n *Interceptor) ExportLog(w io.Writer) error {
	n.mu.Lock()
	entries := make([]LogEntry, len(n.log))
	copy(entries, n.log)
	n.mu.Unlock()

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
