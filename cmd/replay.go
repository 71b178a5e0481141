package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/browser/cdp"
	"github.com/davrell/pagectl/internal/config"
	"github.com/davrell/pagectl/internal/events"
	"github.com/davrell/pagectl/internal/interceptor"
	"github.com/davrell/pagectl/internal/observability"
	"github.com/davrell/pagectl/internal/policy"
	"github.com/davrell/pagectl/internal/recovery"
	"github.com/davrell/pagectl/internal/replay"
	"github.com/davrell/pagectl/internal/resolver"
)

var (
	flagAutoApprove bool
	flagSafetyLevel string
)

var replayCmd = &cobra.Command{
	Use:   "replay <script.yaml>",
	Short: "Replay a recorded action script against a live browser.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&flagAutoApprove, "auto-approve", false, "approve confirmation prompts without asking")
	replayCmd.Flags().StringVar(&flagSafetyLevel, "safety-level", "", "override the configured safety level")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	script, err := loadScript(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	page, cleanup, err := launchBrowser(ctx, cfg.Browser)
	if err != nil {
		return err
	}
	defer cleanup()

	sessionID := script.Session
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	bus := events.New(logger)
	clock := schemas.SystemClock{}

	gate, err := policy.NewGate(cfg.Gate, logger, bus, clock)
	if err != nil {
		return fmt.Errorf("failed to build policy gate: %w", err)
	}
	if flagSafetyLevel != "" {
		level, err := policy.ParseSafetyLevel(flagSafetyLevel)
		if err != nil {
			return err
		}
		if err := gate.SetLevel(level); err != nil {
			return err
		}
	}
	for _, sp := range script.Policies {
		spec, err := sp.toSpec()
		if err != nil {
			return fmt.Errorf("invalid policy in script: %w", err)
		}
		if _, err := gate.AddPolicy(spec); err != nil {
			return fmt.Errorf("failed to add policy: %w", err)
		}
	}

	exec := recovery.NewExecutor(cfg.Recovery, logger, bus, clock, page)
	res := resolver.New(cfg.Resolver, sessionID, page, logger, clock)
	runner := replay.NewRunner(page, res, logger, clock)

	icp := interceptor.New(cfg.Interceptor, logger, bus, clock)
	icp.RegisterSession(sessionID, page)
	for _, rs := range script.Rules {
		if _, err := icp.AddRule(rs.toSpec()); err != nil {
			return fmt.Errorf("failed to add intercept rule: %w", err)
		}
	}
	if len(script.Rules) > 0 {
		if err := icp.EnableInterception(sessionID); err != nil {
			return fmt.Errorf("failed to enable interception: %w", err)
		}
	}
	if script.NetworkPreset != "" {
		if err := icp.SetNetworkCondition(ctx, sessionID, script.NetworkPreset); err != nil {
			return err
		}
	}

	ctrl, err := replay.NewController(cfg.Replay, runner, gate, exec, logger, bus, clock)
	if err != nil {
		return fmt.Errorf("failed to build replay controller: %w", err)
	}

	// Terminal confirmation prompt. With --auto-approve every request is
	// granted immediately.
	unsubConfirm := bus.Subscribe(events.ConfirmationRequired, func(ev events.Event) {
		id, _ := ev.Fields["confirmation_id"].(string)
		action, _ := ev.Fields["action"].(string)
		go answerConfirmation(gate, logger, id, action)
	})
	defer unsubConfirm()

	if script.StartURL != "" {
		if err := page.Navigate(ctx, script.StartURL); err != nil {
			return err
		}
	}

	if err := ctrl.Load(script.Actions, sessionID); err != nil {
		return err
	}
	for _, bp := range script.Breakpoints {
		if err := ctrl.SetBreakpoint(bp); err != nil {
			return err
		}
	}
	if script.Speed > 0 {
		if err := ctrl.SetSpeed(script.Speed); err != nil {
			return err
		}
	}

	done := make(chan events.Event, 1)
	for _, name := range []string{events.ReplayCompleted, events.ReplayFailed, events.ReplayStopped} {
		unsub := bus.Subscribe(name, func(ev events.Event) {
			select {
			case done <- ev:
			default:
			}
		})
		defer unsub()
	}

	if err := ctrl.Play(); err != nil {
		return err
	}

	var outcome events.Event
	select {
	case outcome = <-done:
	case <-ctx.Done():
		logger.Info("Interrupted, stopping replay.")
		ctrl.Stop()
		outcome = events.Event{Name: events.ReplayStopped}
	}

	progress := ctrl.Progress()
	logger.Info("Replay finished.",
		zap.String("outcome", outcome.Name),
		zap.Int("actions_executed", progress.Index),
		zap.Int("actions_total", progress.Total),
		zap.Duration("elapsed", progress.Elapsed))
	printSummary(cmd, icp, gate, res, outcome.Name, progress)

	if outcome.Name == events.ReplayFailed {
		if msg, ok := outcome.Fields["error"].(string); ok {
			return fmt.Errorf("replay failed: %s", msg)
		}
		return fmt.Errorf("replay failed")
	}
	return nil
}

// launchBrowser starts a headless (or headful) Chrome target and wraps it
// in the page adapter. The returned cleanup tears down the whole allocator.
func launchBrowser(ctx context.Context, cfg config.BrowserConfig) (*cdp.Adapter, func(), error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	cleanup := func() {
		cancelTask()
		cancelAlloc()
	}

	// Force the browser process to start before any action runs.
	if err := chromedp.Run(taskCtx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	targetID := uuid.NewString()
	return cdp.New(taskCtx, targetID, observability.GetLogger()), cleanup, nil
}

func answerConfirmation(gate *policy.Gate, logger *zap.Logger, id, action string) {
	if flagAutoApprove {
		if err := gate.RespondToConfirmation(id, true); err != nil {
			logger.Warn("Failed to auto-approve confirmation.", zap.Error(err))
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Confirm %s action? [y/N]: ", action)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	approved := err == nil && strings.EqualFold(strings.TrimSpace(line), "y")
	if err := gate.RespondToConfirmation(id, approved); err != nil {
		logger.Warn("Failed to resolve confirmation.", zap.Error(err))
	}
}

func printSummary(cmd *cobra.Command, icp *interceptor.Interceptor, gate *policy.Gate, res *resolver.Resolver, outcome string, progress replay.Progress) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Outcome:   %s\n", outcome)
	fmt.Fprintf(out, "Actions:   %d/%d\n", progress.Index, progress.Total)
	fmt.Fprintf(out, "Elapsed:   %s\n", progress.Elapsed.Round(time.Millisecond))

	gateStats := gate.Stats()
	fmt.Fprintf(out, "Checks:    %d (%d denied)\n", gateStats.TotalChecks, gateStats.Denied)

	resStats := res.Stats()
	fmt.Fprintf(out, "Resolver:  %d detections, %.0f%% cache hit rate\n",
		resStats.TotalDetections, resStats.HitRate()*100)

	if entries, err := icp.GetRequestLog(interceptor.LogFilter{}); err == nil && len(entries) > 0 {
		fmt.Fprintf(out, "Requests:  %d observed\n", len(entries))
	}
}
