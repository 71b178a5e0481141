package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/config"
	"github.com/davrell/pagectl/internal/events"
)

// Strategy names one recovery approach applied after a classified failure.
type Strategy string

const (
	StrategyRetry              Strategy = "retry"
	StrategyExponentialBackoff Strategy = "exponential_backoff"
	StrategyRefreshAndRetry    Strategy = "refresh_and_retry"
	StrategyAlternativeAction  Strategy = "alternative_action"
	StrategyAbort              Strategy = "abort"
)

// Operation is the unit of work the executor runs and retries.
type Operation func(ctx context.Context) (any, error)

// Options tunes a single Execute call.
type Options struct {
	// Alternative is run once when an AlternativeAction strategy fires.
	// Nil degrades that strategy to Abort.
	Alternative Operation
}

// Result is the outcome of an Execute call.
type Result struct {
	Success   bool
	Value     any
	Err       error
	ErrorType ErrorType
	Attempts  int
	Recovered bool
}

// Attempt is one entry of the bounded recovery history.
type Attempt struct {
	At            time.Time
	AttemptNumber int
	ErrorType     ErrorType
	Strategy      Strategy
	Outcome       string // "recovered", "retrying", "aborted", "exhausted"
	Elapsed       time.Duration
}

// Stats is a snapshot of the executor's counters.
type Stats struct {
	TotalErrors  int64
	Recovered    int64
	ByType       map[ErrorType]int64
	RecoveryRate float64
}

// defaultStrategies is the conservative out-of-the-box strategy table.
func defaultStrategies() map[ErrorType][]Strategy {
	return map[ErrorType][]Strategy{
		ErrorElementNotFound:  {StrategyRetry, StrategyRefreshAndRetry, StrategyAbort},
		ErrorTimeout:          {StrategyExponentialBackoff, StrategyRefreshAndRetry, StrategyAbort},
		ErrorNetwork:          {StrategyExponentialBackoff, StrategyAbort},
		ErrorPermissionDenied: {StrategyAbort},
		ErrorUnknown:          {StrategyRetry, StrategyAbort},
	}
}

// Executor runs operations with classification-driven, bounded recovery.
// Safe for concurrent use.
type Executor struct {
	logger *zap.Logger
	bus    *events.Bus
	clock  schemas.Clock
	page   schemas.Page // used by RefreshAndRetry; may be nil

	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	autoRecover bool
	maxHistory  int

	mu         sync.Mutex
	strategies map[ErrorType][]Strategy
	history    []Attempt
	stats      struct {
		totalErrors int64
		recovered   int64
		byType      map[ErrorType]int64
	}
}

// NewExecutor constructs an executor. page may be nil, in which case
// RefreshAndRetry degrades to a plain delayed retry. bus and clock may be
// nil.
func NewExecutor(cfg config.RecoveryConfig, logger *zap.Logger, bus *events.Bus, clock schemas.Clock, page schemas.Page) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.New(logger)
	}
	if clock == nil {
		clock = schemas.SystemClock{}
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	e := &Executor{
		logger:      logger.Named("recovery"),
		bus:         bus,
		clock:       clock,
		page:        page,
		maxRetries:  cfg.MaxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		autoRecover: cfg.EnableAutoRecovery,
		maxHistory:  maxHistory,
		strategies:  defaultStrategies(),
	}
	e.stats.byType = make(map[ErrorType]int64)
	return e
}

// SetStrategies replaces the strategy list for one error type.
func (e *Executor) SetStrategies(et ErrorType, strategies []Strategy) error {
	if len(strategies) == 0 {
		return fmt.Errorf("strategy list for %s must not be empty", et)
	}
	for _, s := range strategies {
		switch s {
		case StrategyRetry, StrategyExponentialBackoff, StrategyRefreshAndRetry, StrategyAlternativeAction, StrategyAbort:
		default:
			return fmt.Errorf("unknown recovery strategy %q", s)
		}
	}
	e.mu.Lock()
	e.strategies[et] = append([]Strategy(nil), strategies...)
	e.mu.Unlock()
	return nil
}

// Execute runs op with the default options.
func (e *Executor) Execute(ctx context.Context, op Operation) Result {
	return e.ExecuteWithOptions(ctx, op, Options{})
}

// ExecuteWithOptions runs op, classifying failures and applying the
// configured strategy list across at most maxRetries+1 total attempts.
func (e *Executor) ExecuteWithOptions(ctx context.Context, op Operation, opts Options) Result {
	value, err := op(ctx)
	if err == nil {
		return Result{Success: true, Value: value, Attempts: 1}
	}

	if !e.autoRecover {
		// No classification, no retries: surface the first error unchanged.
		return Result{Err: err, Attempts: 1}
	}

	e.recordError(err)
	maxAttempts := e.maxRetries + 1

	for attempt := 1; attempt < maxAttempts; attempt++ {
		errType := Classify(err)
		strategy := e.strategyFor(errType, attempt)

		if strategy == StrategyAbort {
			e.recordAttempt(attempt, errType, strategy, "aborted", 0)
			return Result{Err: err, ErrorType: errType, Attempts: attempt}
		}

		start := e.clock.Now()
		if applyErr := e.applyStrategy(ctx, strategy, attempt); applyErr != nil {
			// Strategy application fails only on context cancellation.
			e.recordAttempt(attempt, errType, strategy, "aborted", e.clock.Now().Sub(start))
			return Result{Err: applyErr, ErrorType: errType, Attempts: attempt}
		}

		next := op
		if strategy == StrategyAlternativeAction {
			if opts.Alternative == nil {
				e.recordAttempt(attempt, errType, strategy, "aborted", e.clock.Now().Sub(start))
				return Result{Err: err, ErrorType: errType, Attempts: attempt}
			}
			next = opts.Alternative
		}

		value, err = next(ctx)
		elapsed := e.clock.Now().Sub(start)
		if err == nil {
			e.recordAttempt(attempt, errType, strategy, "recovered", elapsed)
			e.recordRecovered()
			return Result{Success: true, Value: value, Attempts: attempt + 1, Recovered: true}
		}
		e.recordAttempt(attempt, errType, strategy, "retrying", elapsed)
		e.recordError(err)
	}

	errType := Classify(err)
	e.recordAttempt(maxAttempts, errType, "", "exhausted", 0)
	return Result{Err: err, ErrorType: errType, Attempts: maxAttempts}
}

// strategyFor picks the strategy for the given attempt: attempt n uses
// entry min(n-1, len-1) of the type's list.
func (e *Executor) strategyFor(et ErrorType, attempt int) Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.strategies[et]
	if len(list) == 0 {
		list = e.strategies[ErrorUnknown]
	}
	if len(list) == 0 {
		return StrategyAbort
	}
	idx := attempt - 1
	if idx >= len(list) {
		idx = len(list) - 1
	}
	return list[idx]
}

func (e *Executor) applyStrategy(ctx context.Context, s Strategy, attempt int) error {
	switch s {
	case StrategyExponentialBackoff:
		delay := e.baseDelay << (attempt - 1)
		if delay > e.maxDelay || delay <= 0 {
			delay = e.maxDelay
		}
		return e.clock.Sleep(ctx, delay)
	case StrategyRefreshAndRetry:
		if e.page != nil {
			if err := e.page.Reload(ctx); err != nil {
				// Reload failures are swallowed; the retry itself decides.
				e.logger.Debug("Page reload during recovery failed.", zap.Error(err))
			}
		}
		return e.clock.Sleep(ctx, e.baseDelay)
	case StrategyAlternativeAction:
		return nil
	default: // StrategyRetry
		return e.clock.Sleep(ctx, e.baseDelay)
	}
}

// ManualRecover exposes the strategy implementations for out-of-band
// invocation by an operator.
func (e *Executor) ManualRecover(ctx context.Context, s Strategy) error {
	switch s {
	case StrategyRetry, StrategyExponentialBackoff, StrategyRefreshAndRetry:
		return e.applyStrategy(ctx, s, 1)
	case StrategyAbort:
		return nil
	case StrategyAlternativeAction:
		return fmt.Errorf("alternative action requires an operation; use ExecuteWithOptions")
	}
	return fmt.Errorf("unknown recovery strategy %q", s)
}

func (e *Executor) recordError(err error) {
	et := Classify(err)
	e.mu.Lock()
	e.stats.totalErrors++
	e.stats.byType[et]++
	e.mu.Unlock()
}

func (e *Executor) recordRecovered() {
	e.mu.Lock()
	e.stats.recovered++
	e.mu.Unlock()
}

func (e *Executor) recordAttempt(n int, et ErrorType, s Strategy, outcome string, elapsed time.Duration) {
	a := Attempt{
		At:            e.clock.Now(),
		AttemptNumber: n,
		ErrorType:     et,
		Strategy:      s,
		Outcome:       outcome,
		Elapsed:       elapsed,
	}
	e.mu.Lock()
	e.history = append(e.history, a)
	if over := len(e.history) - e.maxHistory; over > 0 {
		e.history = e.history[over:]
	}
	e.mu.Unlock()
	e.bus.Publish(events.RecoveryAttempted, map[string]any{
		"attempt":    n,
		"error_type": string(et),
		"strategy":   string(s),
		"outcome":    outcome,
	})
}

// History returns the retained recovery attempts, oldest first.
func (e *Executor) History() []Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Attempt, len(e.history))
	copy(out, e.history)
	return out
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	byType := make(map[ErrorType]int64, len(e.stats.byType))
	for k, v := range e.stats.byType {
		byType[k] = v
	}
	rate := 0.0
	if e.stats.totalErrors > 0 {
		rate = float64(e.stats.recovered) / float64(e.stats.totalErrors)
	}
	return Stats{
		TotalErrors:  e.stats.totalErrors,
		Recovered:    e.stats.recovered,
		ByType:       byType,
		RecoveryRate: rate,
	}
}

// Reset zeroes the counters and clears the attempt history.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.totalErrors = 0
	e.stats.recovered = 0
	e.stats.byType = make(map[ErrorType]int64)
	e.history = nil
}
