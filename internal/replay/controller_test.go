package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/config"
	"github.com/davrell/pagectl/internal/events"
	"github.com/davrell/pagectl/internal/policy"
	"github.com/davrell/pagectl/internal/recovery"
)

const waitTimeout = 5 * time.Second

// fakeRunner records executed actions and can fail selected indices.
type fakeRunner struct {
	mu     sync.Mutex
	ran    []schemas.ActionRequest
	failAt map[int]error
	block  chan struct{} // non-nil: Run blocks until closed or ctx done
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{failAt: make(map[int]error)}
}

func (r *fakeRunner) Run(ctx context.Context, action schemas.ActionRequest) error {
	r.mu.Lock()
	idx := len(r.ran)
	r.ran = append(r.ran, action)
	block := r.block
	err := r.failAt[idx]
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

func fastReplayConfig() config.ReplayConfig {
	return config.ReplayConfig{
		Speed:          100, // effectively unpaced for tests
		ActionInterval: time.Millisecond,
		StopOnError:    true,
	}
}

func newTestController(t *testing.T, cfg config.ReplayConfig, runner ActionRunner, gate *policy.Gate) (*Controller, *events.Bus) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := events.New(logger)
	exec := recovery.NewExecutor(config.RecoveryConfig{MaxRetries: 0, EnableAutoRecovery: false}, logger, bus, nil, nil)
	c, err := NewController(cfg, runner, gate, exec, logger, bus, nil)
	require.NoError(t, err)
	return c, bus
}

func clicks(n int) []schemas.ActionRequest {
	actions := make([]schemas.ActionRequest, n)
	for i := range actions {
		actions[i] = schemas.ActionRequest{
			Type:   schemas.ActionClick,
			Target: &schemas.TargetDescriptor{Coordinates: &schemas.Point{X: float64(i), Y: 0}},
		}
	}
	return actions
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		waitTimeout, time.Millisecond, "never reached state %s (at %s)", want, c.State())
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	logger := zaptest.NewLogger(t)
	exec := recovery.NewExecutor(config.RecoveryConfig{}, logger, nil, nil, nil)

	_, err := NewController(fastReplayConfig(), nil, nil, exec, logger, nil, nil)
	assert.Error(t, err)

	_, err = NewController(fastReplayConfig(), newFakeRunner(), nil, nil, logger, nil, nil)
	assert.Error(t, err)
}

func TestPlay_RunsAllActionsToCompletion(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)

	require.NoError(t, c.Load(clicks(3), "s1"))
	require.NoError(t, c.Play())

	waitForState(t, c, StateCompleted)
	assert.Equal(t, 3, runner.count())
	assert.Equal(t, 3, c.CurrentIndex())
}

func TestPlay_ErrorsWithoutActions(t *testing.T) {
	c, _ := newTestController(t, fastReplayConfig(), newFakeRunner(), nil)
	assert.ErrorIs(t, c.Play(), ErrNoActionsLoaded)
	assert.EqualError(t, ErrNoActionsLoaded, "No actions loaded")
}

func TestPlay_RejectedWhilePlaying(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)

	require.NoError(t, c.Load(clicks(2), "s1"))
	require.NoError(t, c.Play())
	defer close(runner.block)
	defer c.Stop()

	assert.ErrorIs(t, c.Play(), ErrAlreadyPlaying)
	assert.EqualError(t, ErrAlreadyPlaying, "Already playing")
}

func TestLoad_RejectedWhilePlaying(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)

	require.NoError(t, c.Load(clicks(2), "s1"))
	require.NoError(t, c.Play())
	defer close(runner.block)
	defer c.Stop()

	err := c.Load(clicks(1), "s2")
	assert.ErrorIs(t, err, ErrCannotLoadWhilePlaying)
	assert.EqualError(t, err, "Cannot load while playing")
}

func TestLoad_AllowedAfterCompletion(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)

	require.NoError(t, c.Load(clicks(1), "s1"))
	require.NoError(t, c.Play())
	waitForState(t, c, StateCompleted)

	require.NoError(t, c.Load(clicks(2), "s2"))
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, c.CurrentIndex())
}

func TestBreakpoint_ResumeFromHandlerContinuesPlayback(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := newFakeRunner()
	c, bus := newTestController(t, fastReplayConfig(), runner, nil)

	// Auto-continue: resuming from inside the handler lands while the
	// playback goroutine is still winding down, so it must keep driving
	// the run instead of leaving the machine Playing with no loop.
	resumeErr := make(chan error, 1)
	unsub := bus.Subscribe(events.BreakpointHit, func(ev events.Event) {
		select {
		case resumeErr <- c.Resume():
		default:
		}
	})
	defer unsub()

	require.NoError(t, c.Load(clicks(3), "s1"))
	require.NoError(t, c.SetBreakpoint(1))
	require.NoError(t, c.Play())

	waitForState(t, c, StateCompleted)
	require.NoError(t, <-resumeErr)
	assert.Equal(t, 3, runner.count())
	assert.Equal(t, 3, c.CurrentIndex())
}

func TestPause_DuringPacingWaitHoldsNextAction(t *testing.T) {
	runner := newFakeRunner()
	cfg := fastReplayConfig()
	cfg.Speed = 1
	cfg.ActionInterval = 300 * time.Millisecond
	c, _ := newTestController(t, cfg, runner, nil)

	require.NoError(t, c.Load(clicks(3), "s1"))
	require.NoError(t, c.Play())
	require.Eventually(t, func() bool { return runner.count() == 1 }, waitTimeout, time.Millisecond)

	// The loop now sits in the inter-action pacing wait.
	require.NoError(t, c.Pause())
	waitForState(t, c, StatePaused)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, runner.count(), "action after the pause must not run")
	assert.Equal(t, StatePaused, c.State())
}

func TestBreakpoint_PausesBeforeAction(t *testing.T) {
	runner := newFakeRunner()
	c, bus := newTestController(t, fastReplayConfig(), runner, nil)

	hit := make(chan events.Event, 1)
	unsub := bus.Subscribe(events.BreakpointHit, func(ev events.Event) {
		select {
		case hit <- ev:
		default:
		}
	})
	defer unsub()

	require.NoError(t, c.Load(clicks(3), "s1"))
	require.NoError(t, c.SetBreakpoint(1))
	require.NoError(t, c.Play())

	select {
	case ev := <-hit:
		assert.Equal(t, 1, ev.Fields["index"])
	case <-time.After(waitTimeout):
		t.Fatal("breakpoint never hit")
	}
	waitForState(t, c, StatePaused)

	// Paused before index 1 ran: only action 0 executed.
	assert.Equal(t, 1, runner.count())
	assert.Equal(t, 1, c.CurrentIndex())

	// Resume does not re-trip the same breakpoint.
	require.NoError(t, c.Resume())
	waitForState(t, c, StateCompleted)
	assert.Equal(t, 3, runner.count())
}

func TestBreakpoint_HitHistoryClearedByLoad(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)

	require.NoError(t, c.Load(clicks(2), "s1"))
	require.NoError(t, c.SetBreakpoint(0))
	require.NoError(t, c.Play())
	waitForState(t, c, StatePaused)
	require.NoError(t, c.Resume())
	waitForState(t, c, StateCompleted)

	// A fresh load re-arms breakpoints from scratch.
	require.NoError(t, c.Load(clicks(2), "s1"))
	require.NoError(t, c.SetBreakpoint(0))
	require.NoError(t, c.Play())
	waitForState(t, c, StatePaused)
	assert.Equal(t, 2, runner.count(), "nothing ran after the re-armed breakpoint")
}

func TestBreakpoint_InvalidIndex(t *testing.T) {
	c, _ := newTestController(t, fastReplayConfig(), newFakeRunner(), nil)
	require.NoError(t, c.Load(clicks(2), "s1"))

	assert.ErrorIs(t, c.SetBreakpoint(-1), ErrInvalidIndex)
	assert.ErrorIs(t, c.SetBreakpoint(2), ErrInvalidIndex)
	assert.NoError(t, c.SetBreakpoint(1))
	c.RemoveBreakpoint(1)
	c.ClearBreakpoints()
}

func TestPauseResume(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)

	require.NoError(t, c.Load(clicks(3), "s1"))

	assert.ErrorIs(t, c.Pause(), ErrNotPlaying)
	assert.ErrorIs(t, c.Resume(), ErrNotPaused)

	require.NoError(t, c.Play())
	require.NoError(t, c.Pause())
	assert.Equal(t, StatePaused, c.State())

	close(runner.block)
	require.NoError(t, c.Resume())
	waitForState(t, c, StateCompleted)
	assert.Equal(t, 3, runner.count())
}

func TestStep_OneActionAtATime(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)
	require.NoError(t, c.Load(clicks(2), "s1"))

	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, 1, runner.count())
	assert.Equal(t, StateIdle, c.State())

	res, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StateCompleted, c.State())

	// Past the end: failure result, no error, fixed reason.
	res, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "No more actions", res.Reason)
	assert.Equal(t, 2, runner.count())
}

func TestStep_RequiresPausedOrIdle(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)
	require.NoError(t, c.Load(clicks(2), "s1"))
	require.NoError(t, c.Play())
	defer close(runner.block)
	defer c.Stop()

	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, ErrStepState)
	assert.EqualError(t, err, "Can only step when paused or idle")
}

func TestStep_NoActions(t *testing.T) {
	c, _ := newTestController(t, fastReplayConfig(), newFakeRunner(), nil)
	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, ErrNoActionsLoaded)
}

func TestStop_IdempotentAndResetsCursor(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := newFakeRunner()
	runner.block = make(chan struct{})
	defer close(runner.block)
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)

	require.NoError(t, c.Load(clicks(3), "s1"))
	require.NoError(t, c.Play())

	res := c.Stop()
	assert.True(t, res.Success)
	assert.Empty(t, res.Reason)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, c.CurrentIndex())

	again := c.Stop()
	assert.True(t, again.Success)
	assert.Equal(t, "Already stopped", again.Reason)
}

func TestStop_AbortsInFlightAction(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	defer close(runner.block)
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)

	require.NoError(t, c.Load(clicks(3), "s1"))
	require.NoError(t, c.Play())
	require.Eventually(t, func() bool { return runner.count() == 1 }, waitTimeout, time.Millisecond)

	done := make(chan StopResult, 1)
	go func() { done <- c.Stop() }()

	select {
	case res := <-done:
		assert.True(t, res.Success)
	case <-time.After(waitTimeout):
		t.Fatal("stop blocked on the in-flight action")
	}
	// The interrupted action does not advance the cursor or fail playback.
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, c.CurrentIndex())
}

func TestJumpTo(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)
	require.NoError(t, c.Load(clicks(3), "s1"))

	require.NoError(t, c.JumpTo(2))
	assert.Equal(t, 2, c.CurrentIndex())

	// Out-of-range rejections leave the cursor untouched.
	assert.ErrorIs(t, c.JumpTo(3), ErrInvalidIndex)
	assert.ErrorIs(t, c.JumpTo(-1), ErrInvalidIndex)
	assert.Equal(t, 2, c.CurrentIndex())

	require.NoError(t, c.Play())
	waitForState(t, c, StateCompleted)
	assert.Equal(t, 1, runner.count(), "only the action at the jumped-to index runs")
}

func TestSetSpeed(t *testing.T) {
	c, _ := newTestController(t, fastReplayConfig(), newFakeRunner(), nil)
	assert.ErrorIs(t, c.SetSpeed(0), ErrSpeedNotPositive)
	assert.ErrorIs(t, c.SetSpeed(-1), ErrSpeedNotPositive)
	assert.EqualError(t, ErrSpeedNotPositive, "Speed must be positive")
	assert.NoError(t, c.SetSpeed(2.5))
}

func TestStopOnError_TransitionsToErrorState(t *testing.T) {
	runner := newFakeRunner()
	runner.failAt[1] = errors.New("synthetic failure")
	c, bus := newTestController(t, fastReplayConfig(), runner, nil)

	failed := make(chan events.Event, 1)
	unsub := bus.Subscribe(events.ReplayFailed, func(ev events.Event) {
		select {
		case failed <- ev:
		default:
		}
	})
	defer unsub()

	require.NoError(t, c.Load(clicks(3), "s1"))
	require.NoError(t, c.Play())
	waitForState(t, c, StateError)

	select {
	case ev := <-failed:
		assert.Equal(t, 1, ev.Fields["index"])
	case <-time.After(waitTimeout):
		t.Fatal("failure event never published")
	}
	assert.Equal(t, 2, runner.count(), "playback halts after the failing action")
}

func TestContinueOnError(t *testing.T) {
	runner := newFakeRunner()
	runner.failAt[0] = errors.New("synthetic failure")
	cfg := fastReplayConfig()
	cfg.StopOnError = false
	c, _ := newTestController(t, cfg, runner, nil)

	require.NoError(t, c.Load(clicks(3), "s1"))
	require.NoError(t, c.Play())
	waitForState(t, c, StateCompleted)
	assert.Equal(t, 3, runner.count())
}

func TestGateDenialFailsAction(t *testing.T) {
	logger := zaptest.NewLogger(t)
	gate, err := policy.NewGate(config.GateConfig{Enabled: true, Level: "normal"}, logger, nil, nil)
	require.NoError(t, err)
	_, err = gate.AddPolicy(policy.Spec{
		Config: policy.ActionRestriction{Restricted: []schemas.ActionType{schemas.ActionClick}},
	})
	require.NoError(t, err)

	runner := newFakeRunner()
	c, _ := newTestController(t, fastReplayConfig(), runner, gate)
	require.NoError(t, c.Load(clicks(1), "s1"))

	res, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "denied by policy")
	assert.Equal(t, 0, runner.count(), "denied actions never reach the page")
}

func TestProgress_TracksElapsedExcludingPauses(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestController(t, fastReplayConfig(), runner, nil)
	require.NoError(t, c.Load(clicks(2), "s1"))

	p := c.Progress()
	assert.Equal(t, StateIdle, p.State)
	assert.Equal(t, 2, p.Total)
	assert.Zero(t, p.Elapsed)

	require.NoError(t, c.Play())
	waitForState(t, c, StateCompleted)
	p = c.Progress()
	assert.Equal(t, StateCompleted, p.State)
	assert.Equal(t, 2, p.Index)
}
