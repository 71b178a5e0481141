// Package replay sequences recorded action scripts through an explicit
// state machine. Each queued action passes the policy gate before the
// resilient executor runs it; playback supports pausing, stepping,
// breakpoints, and speed control.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/config"
	"github.com/davrell/pagectl/internal/events"
	"github.com/davrell/pagectl/internal/policy"
	"github.com/davrell/pagectl/internal/recovery"
)

// State is the controller's finite machine state.
type State string

const (
	StateIdle      State = "idle"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateStepping  State = "stepping"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// State-machine violations carry fixed messages; callers and tests match
// on the text.
var (
	ErrCannotLoadWhilePlaying = errors.New("Cannot load while playing")
	ErrAlreadyPlaying         = errors.New("Already playing")
	ErrNoActionsLoaded        = errors.New("No actions loaded")
	ErrNotPlaying             = errors.New("Not playing")
	ErrNotPaused              = errors.New("Not paused")
	ErrStepState              = errors.New("Can only step when paused or idle")
	ErrInvalidIndex           = errors.New("Invalid index")
	ErrSpeedNotPositive       = errors.New("Speed must be positive")
)

// ActionRunner performs one resolved action against the page. The default
// implementation lives in runner.go; tests substitute fakes.
type ActionRunner interface {
	Run(ctx context.Context, action schemas.ActionRequest) error
}

// StepResult reports a single-step outcome.
type StepResult struct {
	Success bool
	Index   int
	Reason  string
}

// StopResult reports a stop outcome; stop is idempotent.
type StopResult struct {
	Success bool
	Reason  string
}

// Progress is a snapshot for host UIs.
type Progress struct {
	State   State
	Index   int
	Total   int
	Elapsed time.Duration
}

type session struct {
	id          string
	actions     []schemas.ActionRequest
	index       int
	breakpoints map[int]struct{}
	hit         map[int]bool
	speed       float64
	startedAt   time.Time
	pausedAt    time.Time
	pausedAccum time.Duration
}

// Controller drives one replay session at a time. All state transitions
// happen under its lock; actions execute strictly in queue order with no
// concurrency between steps.
type Controller struct {
	logger *zap.Logger
	bus    *events.Bus
	clock  schemas.Clock
	gate   *policy.Gate
	exec   *recovery.Executor
	runner ActionRunner

	interval    time.Duration
	stopOnError bool

	mu         sync.Mutex
	state      State
	sess       *session
	limiter    *rate.Limiter
	loopActive bool
	runCancel  context.CancelFunc
	loopDone   chan struct{}
}

// NewController wires the controller to its collaborators. gate, bus, and
// clock may be nil; exec and runner are required.
func NewController(cfg config.ReplayConfig, runner ActionRunner, gate *policy.Gate, exec *recovery.Executor, logger *zap.Logger, bus *events.Bus, clock schemas.Clock) (*Controller, error) {
	if runner == nil {
		return nil, fmt.Errorf("replay controller requires an action runner")
	}
	if exec == nil {
		return nil, fmt.Errorf("replay controller requires an executor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.New(logger)
	}
	if clock == nil {
		clock = schemas.SystemClock{}
	}
	interval := cfg.ActionInterval
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	speed := cfg.Speed
	if speed <= 0 {
		speed = 1.0
	}
	c := &Controller{
		logger:      logger.Named("replay"),
		bus:         bus,
		clock:       clock,
		gate:        gate,
		exec:        exec,
		runner:      runner,
		interval:    interval,
		stopOnError: cfg.StopOnError,
		state:       StateIdle,
	}
	c.limiter = rate.NewLimiter(paceLimit(interval, speed), 1)
	c.sess = &session{speed: speed}
	return c, nil
}

func paceLimit(interval time.Duration, speed float64) rate.Limit {
	return rate.Limit(speed / interval.Seconds())
}

// Load replaces the session wholesale: new queue, cursor at zero, cleared
// breakpoint-hit history. Valid only when not actively playing.
func (c *Controller) Load(actions []schemas.ActionRequest, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle, StateCompleted, StateError:
	default:
		return ErrCannotLoadWhilePlaying
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	speed := c.sess.speed
	c.sess = &session{
		id:          sessionID,
		actions:     append([]schemas.ActionRequest(nil), actions...),
		breakpoints: make(map[int]struct{}),
		hit:         make(map[int]bool),
		speed:       speed,
	}
	c.state = StateIdle
	c.logger.Info("Session loaded.", zap.String("session_id", sessionID), zap.Int("actions", len(actions)))
	return nil
}

// Play starts or continues automatic playback from the current cursor.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePlaying, StateStepping:
		return ErrAlreadyPlaying
	case StateIdle, StatePaused:
	default:
		return fmt.Errorf("cannot play from state %q; load a session first", c.state)
	}
	if len(c.sess.actions) == 0 {
		return ErrNoActionsLoaded
	}
	if c.state == StatePaused {
		c.accumulatePauseLocked()
	}
	if c.sess.startedAt.IsZero() {
		c.sess.startedAt = c.clock.Now()
	}
	c.state = StatePlaying
	c.startLoopLocked()
	c.bus.Publish(events.ReplayStarted, map[string]any{"session_id": c.sess.id, "index": c.sess.index})
	return nil
}

// startLoopLocked spawns the playback goroutine unless one is still
// draining; a draining loop observes the Playing state and continues.
func (c *Controller) startLoopLocked() {
	if c.loopActive {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.loopActive = true
	done := make(chan struct{})
	c.loopDone = done
	go c.runLoop(runCtx, done)
}

func (c *Controller) runLoop(ctx context.Context, done chan struct{}) {
	for {
		if c.runPass(ctx) {
			continue
		}
		// A pass winds down after publishing its event, so a Resume (or
		// Play) issued from a bus handler can land while loopActive is
		// still set and no new goroutine was spawned. Re-check before
		// retiring: if the machine is Playing again, this goroutine keeps
		// driving it.
		c.mu.Lock()
		if c.state == StatePlaying && ctx.Err() == nil {
			c.mu.Unlock()
			continue
		}
		c.loopActive = false
		c.mu.Unlock()
		close(done)
		return
	}
}

// runPass drives one loop iteration. It returns false when playback should
// wind down: pause, completion, cancellation, or halt on error.
func (c *Controller) runPass(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return false
	}
	idx := c.sess.index
	if idx >= len(c.sess.actions) {
		c.state = StateCompleted
		id := c.sess.id
		c.mu.Unlock()
		c.logger.Info("Replay completed.", zap.String("session_id", id))
		c.bus.Publish(events.ReplayCompleted, map[string]any{"session_id": id})
		return false
	}
	if _, isBp := c.sess.breakpoints[idx]; isBp && !c.sess.hit[idx] {
		c.sess.hit[idx] = true
		c.state = StatePaused
		c.sess.pausedAt = c.clock.Now()
		id := c.sess.id
		c.mu.Unlock()
		c.logger.Info("Breakpoint hit.", zap.String("session_id", id), zap.Int("index", idx))
		c.bus.Publish(events.BreakpointHit, map[string]any{"session_id": id, "index": idx})
		return false
	}
	action := c.sess.actions[idx]
	c.mu.Unlock()

	// Inter-action pacing; stop() aborts the wait via ctx.
	if err := c.limiter.Wait(ctx); err != nil {
		return false
	}

	// A pause that landed during the pacing wait must take effect before
	// the action runs.
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	err := c.executeAction(ctx, action)

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.sess.index = idx + 1
	if err != nil && c.stopOnError {
		c.state = StateError
		id := c.sess.id
		c.mu.Unlock()
		c.logger.Error("Replay halted on action failure.",
			zap.String("session_id", id), zap.Int("index", idx), zap.Error(err))
		c.bus.Publish(events.ReplayFailed, map[string]any{"session_id": id, "index": idx, "error": err.Error()})
		return false
	}
	if err != nil {
		c.logger.Warn("Action failed; continuing.", zap.Int("index", idx), zap.Error(err))
	}
	c.mu.Unlock()
	return true
}

// executeAction runs the gate check, optional confirmation and delay, then
// the operation under the resilient executor.
func (c *Controller) executeAction(ctx context.Context, action schemas.ActionRequest) error {
	actx := c.buildContext(action)

	if c.gate != nil {
		decision := c.gate.Check(actx)
		if !decision.Allowed {
			return fmt.Errorf("action denied by policy: %s", decision.Reason)
		}
		if decision.RequiresConfirmation {
			approved, err := c.gate.RequestConfirmation(ctx, action.Type, map[string]any{"text": action.Text}, actx)
			if err != nil {
				return fmt.Errorf("confirmation aborted: %w", err)
			}
			if !approved {
				return fmt.Errorf("action rejected by confirmation")
			}
		}
		if decision.Delay > 0 {
			if err := c.clock.Sleep(ctx, decision.Delay); err != nil {
				return err
			}
		}
	}

	res := c.exec.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, c.runner.Run(ctx, action)
	})
	if !res.Success {
		return fmt.Errorf("action %q failed after %d attempt(s): %w", action.Type, res.Attempts, res.Err)
	}
	return nil
}

func (c *Controller) buildContext(action schemas.ActionRequest) schemas.ActionContext {
	c.mu.Lock()
	id := c.sess.id
	c.mu.Unlock()
	actx := schemas.ActionContext{
		SessionID: id,
		Action:    action.Type,
		URL:       action.URL,
		Content:   action.Text,
	}
	if actx.Content == "" {
		actx.Content = action.Script
	}
	if action.Target != nil && action.Target.Coordinates != nil {
		actx.Target = action.Target.Coordinates
	}
	return actx
}

// Pause suspends playback after the in-flight action completes.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePlaying {
		return ErrNotPlaying
	}
	c.state = StatePaused
	c.sess.pausedAt = c.clock.Now()
	c.bus.Publish(events.ReplayPaused, map[string]any{"session_id": c.sess.id, "index": c.sess.index})
	return nil
}

// Resume continues playback from a pause.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return ErrNotPaused
	}
	c.accumulatePauseLocked()
	c.state = StatePlaying
	c.startLoopLocked()
	c.bus.Publish(events.ReplayResumed, map[string]any{"session_id": c.sess.id, "index": c.sess.index})
	return nil
}

func (c *Controller) accumulatePauseLocked() {
	if !c.sess.pausedAt.IsZero() {
		c.sess.pausedAccum += c.clock.Now().Sub(c.sess.pausedAt)
		c.sess.pausedAt = time.Time{}
	}
}

// Step executes exactly one action and advances the cursor. Past the end
// of the queue it reports failure without an error.
func (c *Controller) Step(ctx context.Context) (StepResult, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StatePaused, StateCompleted:
	default:
		c.mu.Unlock()
		return StepResult{}, ErrStepState
	}
	if len(c.sess.actions) == 0 {
		c.mu.Unlock()
		return StepResult{}, ErrNoActionsLoaded
	}
	idx := c.sess.index
	if idx >= len(c.sess.actions) {
		c.mu.Unlock()
		return StepResult{Success: false, Index: idx, Reason: "No more actions"}, nil
	}
	prev := c.state
	c.state = StateStepping
	action := c.sess.actions[idx]
	c.mu.Unlock()

	err := c.executeAction(ctx, action)

	c.mu.Lock()
	c.sess.index = idx + 1
	switch {
	case err != nil && c.stopOnError:
		c.state = StateError
	case c.sess.index >= len(c.sess.actions):
		c.state = StateCompleted
	default:
		c.state = prev
	}
	c.mu.Unlock()

	if err != nil {
		return StepResult{Success: false, Index: idx + 1, Reason: err.Error()}, nil
	}
	return StepResult{Success: true, Index: idx + 1}, nil
}

// Stop aborts any in-flight wait and returns to Idle with the cursor
// reset. Idempotent.
func (c *Controller) Stop() StopResult {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return StopResult{Success: true, Reason: "Already stopped"}
	}
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	done := c.loopDone
	c.state = StateIdle
	c.sess.index = 0
	c.sess.hit = make(map[int]bool)
	c.sess.startedAt = time.Time{}
	c.sess.pausedAt = time.Time{}
	c.sess.pausedAccum = 0
	id := c.sess.id
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	c.bus.Publish(events.ReplayStopped, map[string]any{"session_id": id})
	return StopResult{Success: true}
}

// JumpTo moves the cursor. Valid only while not playing; an out-of-range
// index is rejected without mutating the cursor.
func (c *Controller) JumpTo(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePlaying || c.state == StateStepping {
		return ErrAlreadyPlaying
	}
	if index < 0 || index >= len(c.sess.actions) {
		return ErrInvalidIndex
	}
	c.sess.index = index
	return nil
}

// SetSpeed changes the playback speed multiplier.
func (c *Controller) SetSpeed(multiplier float64) error {
	if multiplier <= 0 {
		return ErrSpeedNotPositive
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.speed = multiplier
	c.limiter.SetLimit(paceLimit(c.interval, multiplier))
	return nil
}

// SetBreakpoint pauses playback before the action at index runs.
func (c *Controller) SetBreakpoint(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.sess.actions) {
		return ErrInvalidIndex
	}
	c.sess.breakpoints[index] = struct{}{}
	return nil
}

// RemoveBreakpoint deletes one breakpoint.
func (c *Controller) RemoveBreakpoint(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sess.breakpoints, index)
}

// ClearBreakpoints deletes all breakpoints.
func (c *Controller) ClearBreakpoints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.breakpoints = make(map[int]struct{})
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentIndex returns the cursor position.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.index
}

// Progress returns a snapshot for host UIs. Elapsed excludes paused time.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := Progress{State: c.state, Index: c.sess.index, Total: len(c.sess.actions)}
	if !c.sess.startedAt.IsZero() {
		elapsed := c.clock.Now().Sub(c.sess.startedAt) - c.sess.pausedAccum
		if !c.sess.pausedAt.IsZero() {
			elapsed -= c.clock.Now().Sub(c.sess.pausedAt)
		}
		if elapsed > 0 {
			p.Elapsed = elapsed
		}
	}
	return p
}
