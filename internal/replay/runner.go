package replay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/resolver"
)

// Runner is the default ActionRunner: it resolves targets through the
// element resolver and drives the page handle.
type Runner struct {
	page     schemas.Page
	resolver *resolver.Resolver
	logger   *zap.Logger
	clock    schemas.Clock
}

// NewRunner binds a runner to its page and resolver.
func NewRunner(page schemas.Page, res *resolver.Resolver, logger *zap.Logger, clock schemas.Clock) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = schemas.SystemClock{}
	}
	return &Runner{page: page, resolver: res, logger: logger.Named("runner"), clock: clock}
}

var _ ActionRunner = (*Runner)(nil)

// Run executes one action. Target-bearing actions resolve first; a
// resolution miss surfaces as an element-not-found error so the executor
// classifies it correctly.
func (r *Runner) Run(ctx context.Context, a schemas.ActionRequest) error {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	switch a.Type {
	case schemas.ActionNavigate:
		if a.URL == "" {
			return fmt.Errorf("navigate action requires a url")
		}
		return r.page.Navigate(ctx, a.URL)

	case schemas.ActionClick:
		p, err := r.resolveTarget(ctx, a)
		if err != nil {
			return err
		}
		return r.page.Click(ctx, p)

	case schemas.ActionTypeText:
		p, err := r.resolveTarget(ctx, a)
		if err != nil {
			return err
		}
		return r.page.Type(ctx, p, a.Text)

	case schemas.ActionScroll:
		return r.page.Scroll(ctx, a.DeltaX, a.DeltaY)

	case schemas.ActionEvaluate:
		if a.Script == "" {
			return fmt.Errorf("evaluate action requires a script")
		}
		return r.page.Evaluate(ctx, a.Script, nil)

	case schemas.ActionScreenshot:
		_, err := r.page.Screenshot(ctx)
		return err

	case schemas.ActionWait:
		if a.Target != nil {
			res := r.resolver.WaitFor(ctx, *a.Target, a.Timeout, 0)
			if !res.Success {
				return fmt.Errorf("wait failed: %s", res.Reason)
			}
			return nil
		}
		d := a.Timeout
		if d <= 0 {
			d = time.Second
		}
		return r.clock.Sleep(ctx, d)
	}

	return fmt.Errorf("unsupported action type %q", a.Type)
}

func (r *Runner) resolveTarget(ctx context.Context, a schemas.ActionRequest) (schemas.Point, error) {
	if a.Target == nil {
		return schemas.Point{}, fmt.Errorf("%s action requires a target", a.Type)
	}
	res := r.resolver.Detect(ctx, *a.Target)
	if !res.Success {
		return schemas.Point{}, fmt.Errorf("no element found for %s: %s", a.Target.String(), res.Reason)
	}
	r.logger.Debug("Target resolved.",
		zap.String("target", a.Target.String()),
		zap.String("strategy", string(res.Resolution.Strategy)),
		zap.Float64("confidence", res.Resolution.Confidence))
	return res.Resolution.Box.Center(), nil
}
