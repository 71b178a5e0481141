package schemas

import (
	"context"
	"time"
)

// Page is the browser session handle the core drives. Concrete bindings
// (CDP, a proxy-backed pure Go session, a test double) live outside the
// core packages.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Click(ctx context.Context, p Point) error
	Type(ctx context.Context, p Point, text string) error
	Scroll(ctx context.Context, dx, dy float64) error
	Evaluate(ctx context.Context, script string, out any) error
	Screenshot(ctx context.Context) ([]byte, error)
	URL() string
}

// ElementQuerier surfaces candidate elements for the resolver's matching
// step. Implementations are expected to be cheap enough to call per detect.
type ElementQuerier interface {
	// QuerySelector resolves a CSS selector to a single element, or a nil
	// element when nothing matches.
	QuerySelector(ctx context.Context, selector string) (*Element, error)
	// QueryRef resolves a previously issued stable element reference.
	QueryRef(ctx context.Context, ref string) (*Element, error)
	// Candidates returns the interactive elements currently on the page.
	Candidates(ctx context.Context) ([]Element, error)
	// Viewport returns the visible area of the page.
	Viewport(ctx context.Context) (BoundingBox, error)
}

// InterceptedRequest is a network request observed by the interception
// engine before a routing decision is taken.
type InterceptedRequest struct {
	ID       string
	TargetID string
	URL      string
	Method   string
	Headers  map[string]string
}

// RouteAction is the outcome of evaluating intercept rules for a request.
type RouteAction string

const (
	RouteContinue RouteAction = "continue"
	RouteAbort    RouteAction = "abort"
	RouteFulfill  RouteAction = "fulfill"
)

// MockResponse is the canned reply served for fulfilled requests.
type MockResponse struct {
	Status  int               `json:"status" yaml:"status"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
}

// RouteDecision tells the transport what to do with a paused request.
type RouteDecision struct {
	Action   RouteAction
	Response *MockResponse
}

// RouteHandler decides the fate of a single intercepted request. Handlers
// must not block; the transport holds the request paused while they run.
type RouteHandler func(req InterceptedRequest) RouteDecision

// ResponseEvent is surfaced by the transport when a response completes.
type ResponseEvent struct {
	RequestID string
	TargetID  string
	URL       string
	Status    int
}

// NetworkConditions mirrors the browser's network emulation knobs. A
// throughput of -1 means unthrottled.
type NetworkConditions struct {
	Offline            bool    `json:"offline" yaml:"offline"`
	LatencyMs          float64 `json:"latency_ms" yaml:"latency_ms"`
	DownloadThroughput float64 `json:"download_throughput" yaml:"download_throughput"`
	UploadThroughput   float64 `json:"upload_throughput" yaml:"upload_throughput"`
}

// NetworkSession is the per-target network control surface the interceptor
// installs itself on.
type NetworkSession interface {
	// SetRouteHandler installs the single catch-all route handler for the
	// session. Passing nil removes it.
	SetRouteHandler(h RouteHandler) error
	// SetResponseHandler registers a callback for completed responses.
	// Passing nil removes it.
	SetResponseHandler(h func(ResponseEvent)) error
	// EmulateNetworkConditions applies throttling/offline emulation.
	EmulateNetworkConditions(ctx context.Context, nc NetworkConditions) error
}

// Clock abstracts time for components that schedule delays or expire
// entries, so tests can run against a fake.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the production Clock backed by the runtime timer.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Clock = SystemClock{}

// After returns a channel that closes once d has elapsed on the clock.
// The cancel func releases the waiting goroutine early; callers must
// invoke it.
func After(ctx context.Context, c Clock, d time.Duration) (<-chan struct{}, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan struct{})
	go func() {
		if err := c.Sleep(ctx, d); err == nil {
			close(ch)
		}
	}()
	return ch, cancel
}
