// Package cdp adapts a chromedp target to the collaborator interfaces the
// core consumes: the page handle, the element query surface, and the
// per-session network control surface.
package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cdpproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/davrell/pagectl/api/schemas"
)

const (
	inputTimeout = 10 * time.Second
	evalTimeout  = 20 * time.Second
	navTimeout   = 45 * time.Second
)

// Adapter drives one chromedp target. It implements schemas.Page,
// schemas.ElementQuerier, and schemas.NetworkSession.
type Adapter struct {
	ctx      context.Context // chromedp target context, owns the tab lifetime
	logger   *zap.Logger
	targetID string

	mu           sync.Mutex
	routeHandler schemas.RouteHandler
	respHandler  func(schemas.ResponseEvent)
}

var (
	_ schemas.Page           = (*Adapter)(nil)
	_ schemas.ElementQuerier = (*Adapter)(nil)
	_ schemas.NetworkSession = (*Adapter)(nil)
)

// New wraps an existing chromedp target context. The caller owns the
// context; closing it tears the tab down.
func New(ctx context.Context, targetID string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{ctx: ctx, targetID: targetID, logger: logger.Named("cdp")}
	a.installListeners()
	return a
}

// TargetID returns the identifier the adapter was registered under.
func (a *Adapter) TargetID() string { return a.targetID }

// installListeners registers the CDP event hooks once. chromedp offers no
// unregistration, so the hooks consult the current handlers under the lock.
func (a *Adapter) installListeners() {
	chromedp.ListenTarget(a.ctx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			a.mu.Lock()
			handler := a.routeHandler
			a.mu.Unlock()
			if handler == nil {
				go a.continueRequest(e.RequestID)
				return
			}
			req := schemas.InterceptedRequest{
				ID:       string(e.RequestID),
				TargetID: a.targetID,
				URL:      e.Request.URL,
				Method:   e.Request.Method,
				Headers:  flattenHeaders(e.Request.Headers),
			}
			decision := handler(req)
			go a.applyDecision(e.RequestID, decision)

		case *network.EventResponseReceived:
			a.mu.Lock()
			handler := a.respHandler
			a.mu.Unlock()
			if handler == nil {
				return
			}
			handler(schemas.ResponseEvent{
				RequestID: string(e.RequestID),
				TargetID:  a.targetID,
				URL:       e.Response.URL,
				Status:    int(e.Response.Status),
			})
		}
	})
}

func (a *Adapter) execCtx() context.Context {
	c := chromedp.FromContext(a.ctx)
	return cdpproto.WithExecutor(a.ctx, c.Target)
}

func (a *Adapter) continueRequest(id fetch.RequestID) {
	if err := fetch.ContinueRequest(id).Do(a.execCtx()); err != nil {
		a.logger.Debug("Failed to continue request.", zap.Error(err))
	}
}

func (a *Adapter) applyDecision(id fetch.RequestID, d schemas.RouteDecision) {
	ctx := a.execCtx()
	switch d.Action {
	case schemas.RouteFulfill:
		resp := d.Response
		if resp == nil {
			a.continueRequest(id)
			return
		}
		p := fetch.FulfillRequest(id, int64(resp.Status))
		if len(resp.Headers) > 0 {
			headers := make([]*fetch.HeaderEntry, 0, len(resp.Headers))
			for k, v := range resp.Headers {
				headers = append(headers, &fetch.HeaderEntry{Name: k, Value: v})
			}
			p = p.WithResponseHeaders(headers)
		}
		if resp.Body != "" {
			p = p.WithBody(base64.StdEncoding.EncodeToString([]byte(resp.Body)))
		}
		if err := p.Do(ctx); err != nil {
			a.logger.Debug("Failed to fulfill request.", zap.Error(err))
		}
	case schemas.RouteAbort:
		if err := fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(ctx); err != nil {
			a.logger.Debug("Failed to abort request.", zap.Error(err))
		}
	default:
		a.continueRequest(id)
	}
}

// -- schemas.Page --

func (a *Adapter) Navigate(ctx context.Context, url string) error {
	opCtx, cancel := a.opContext(ctx, navTimeout)
	defer cancel()
	if err := chromedp.Run(opCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %q failed: %w", url, err)
	}
	return nil
}

func (a *Adapter) Reload(ctx context.Context) error {
	opCtx, cancel := a.opContext(ctx, navTimeout)
	defer cancel()
	if err := chromedp.Run(opCtx, chromedp.Reload()); err != nil {
		return fmt.Errorf("page reload failed: %w", err)
	}
	return nil
}

func (a *Adapter) Click(ctx context.Context, p schemas.Point) error {
	opCtx, cancel := a.opContext(ctx, inputTimeout)
	defer cancel()
	err := chromedp.Run(opCtx,
		input.DispatchMouseEvent(input.MousePressed, p.X, p.Y).
			WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, p.X, p.Y).
			WithButton(input.Left).WithClickCount(1),
	)
	if err != nil {
		return fmt.Errorf("click at (%.0f,%.0f) failed: %w", p.X, p.Y, err)
	}
	return nil
}

func (a *Adapter) Type(ctx context.Context, p schemas.Point, text string) error {
	if err := a.Click(ctx, p); err != nil {
		return err
	}
	opCtx, cancel := a.opContext(ctx, inputTimeout)
	defer cancel()
	if err := chromedp.Run(opCtx, input.InsertText(text)); err != nil {
		return fmt.Errorf("typing failed: %w", err)
	}
	return nil
}

func (a *Adapter) Scroll(ctx context.Context, dx, dy float64) error {
	opCtx, cancel := a.opContext(ctx, inputTimeout)
	defer cancel()
	err := chromedp.Run(opCtx,
		input.DispatchMouseEvent(input.MouseWheel, 0, 0).WithDeltaX(dx).WithDeltaY(dy),
	)
	if err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

func (a *Adapter) Evaluate(ctx context.Context, script string, out any) error {
	opCtx, cancel := a.opContext(ctx, evalTimeout)
	defer cancel()

	var raw json.RawMessage
	err := chromedp.Run(opCtx,
		chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		}),
	)
	if err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal evaluation result: %w", err)
	}
	return nil
}

func (a *Adapter) Screenshot(ctx context.Context) ([]byte, error) {
	opCtx, cancel := a.opContext(ctx, evalTimeout)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(opCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (a *Adapter) URL() string {
	opCtx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
	defer cancel()
	var loc string
	if err := chromedp.Run(opCtx, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

// opContext combines the tab lifetime with the per-call context and a
// ceiling timeout.
func (a *Adapter) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	opCtx, cancel1 := context.WithTimeout(a.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel1)
	return opCtx, func() {
		stop()
		cancel1()
	}
}

// -- schemas.ElementQuerier --

// candidateScript snapshots the interactive elements, tagging each with a
// stable ref attribute so exact re-lookup works without re-scoring.
const candidateScript = `
(function() {
  const sel = 'a,button,input,select,textarea,[role],[onclick],[tabindex]';
  const out = [];
  let seq = 0;
  for (const node of document.querySelectorAll(sel)) {
    const rect = node.getBoundingClientRect();
    const style = window.getComputedStyle(node);
    const visible = rect.width > 0 && rect.height > 0 &&
      style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0';
    let ref = node.getAttribute('data-pagectl-ref');
    if (!ref) {
      ref = 'pc-' + Date.now().toString(36) + '-' + (seq++);
      node.setAttribute('data-pagectl-ref', ref);
    }
    out.push({
      ref: ref,
      box: {x: rect.left, y: rect.top, width: rect.width, height: rect.height},
      text: (node.innerText || node.value || '').trim().slice(0, 200),
      label: (node.getAttribute('aria-label') || node.getAttribute('placeholder') ||
              node.getAttribute('title') || node.getAttribute('name') || '').trim(),
      role: node.getAttribute('role') || node.tagName.toLowerCase(),
      visible: visible
    });
  }
  return out;
})()`

func (a *Adapter) Candidates(ctx context.Context) ([]schemas.Element, error) {
	var out []schemas.Element
	if err := a.Evaluate(ctx, candidateScript, &out); err != nil {
		return nil, fmt.Errorf("candidate query failed: %w", err)
	}
	return out, nil
}

func (a *Adapter) QuerySelector(ctx context.Context, selector string) (*schemas.Element, error) {
	script := fmt.Sprintf(`
(function(sel) {
  const node = document.querySelector(sel);
  if (!node) return null;
  const rect = node.getBoundingClientRect();
  const style = window.getComputedStyle(node);
  return {
    ref: node.getAttribute('data-pagectl-ref') || '',
    box: {x: rect.left, y: rect.top, width: rect.width, height: rect.height},
    text: (node.innerText || node.value || '').trim().slice(0, 200),
    label: (node.getAttribute('aria-label') || '').trim(),
    role: node.getAttribute('role') || node.tagName.toLowerCase(),
    visible: rect.width > 0 && rect.height > 0 &&
      style.display !== 'none' && style.visibility !== 'hidden'
  };
})(%s)`, jsString(selector))

	var el schemas.Element
	raw := json.RawMessage{}
	if err := a.Evaluate(ctx, script, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &el); err != nil {
		return nil, fmt.Errorf("failed to unmarshal element: %w", err)
	}
	return &el, nil
}

func (a *Adapter) QueryRef(ctx context.Context, ref string) (*schemas.Element, error) {
	return a.QuerySelector(ctx, fmt.Sprintf(`[data-pagectl-ref=%q]`, ref))
}

func (a *Adapter) Viewport(ctx context.Context) (schemas.BoundingBox, error) {
	var vp schemas.BoundingBox
	err := a.Evaluate(ctx, `({x: 0, y: 0, width: window.innerWidth, height: window.innerHeight})`, &vp)
	if err != nil {
		return schemas.BoundingBox{}, fmt.Errorf("viewport query failed: %w", err)
	}
	return vp, nil
}

// -- schemas.NetworkSession --

func (a *Adapter) SetRouteHandler(h schemas.RouteHandler) error {
	a.mu.Lock()
	a.routeHandler = h
	a.mu.Unlock()

	opCtx, cancel := context.WithTimeout(a.ctx, inputTimeout)
	defer cancel()
	if h == nil {
		return chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return fetch.Disable().Do(ctx)
		}))
	}
	return chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return fetch.Enable().Do(ctx)
	}))
}

func (a *Adapter) SetResponseHandler(h func(schemas.ResponseEvent)) error {
	a.mu.Lock()
	a.respHandler = h
	a.mu.Unlock()
	if h == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(a.ctx, inputTimeout)
	defer cancel()
	return chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.Enable().Do(ctx)
	}))
}

func (a *Adapter) EmulateNetworkConditions(ctx context.Context, nc schemas.NetworkConditions) error {
	opCtx, cancel := a.opContext(ctx, inputTimeout)
	defer cancel()
	return chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.EmulateNetworkConditions(nc.Offline, nc.LatencyMs, nc.DownloadThroughput, nc.UploadThroughput).Do(ctx)
	}))
}

func flattenHeaders(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func jsString(v string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
