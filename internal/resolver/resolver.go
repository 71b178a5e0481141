// Package resolver turns fuzzy target descriptors into concrete screen
// coordinates. Resolution walks a short-circuiting strategy cascade: TTL
// cache, exact selector/ref lookup, then confidence-scored fuzzy matching
// over the page's candidate elements.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davrell/pagectl/api/schemas"
	"github.com/davrell/pagectl/internal/config"
)

// Result is a detect outcome. Absence of a match is a result, not an
// error; callers decide whether it is fatal.
type Result struct {
	Success    bool
	Resolution schemas.TargetResolution
	Element    *schemas.Element
	Reason     string
}

// Stats is a snapshot of the resolver's counters.
type Stats struct {
	TotalDetections int64
	CacheHits       int64
	CacheMisses     int64
}

// HitRate returns cacheHits/(hits+misses), or zero before any lookup.
func (s Stats) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Summary aggregates a DetectMultiple call.
type Summary struct {
	Total     int
	Succeeded int
	Results   []Result
}

// Resolver resolves target descriptors for one logical session. Safe for
// concurrent use.
type Resolver struct {
	logger    *zap.Logger
	clock     schemas.Clock
	querier   schemas.ElementQuerier
	sessionID string

	threshold   float64
	cacheTTL    time.Duration
	enableCache bool
	cache       *resolutionCache

	mu    sync.Mutex
	stats Stats
}

// New constructs a resolver bound to a session and its element querier.
func New(cfg config.ResolverConfig, sessionID string, querier schemas.ElementQuerier, logger *zap.Logger, clock schemas.Clock) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = schemas.SystemClock{}
	}
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		logger:      logger.Named("resolver"),
		clock:       clock,
		querier:     querier,
		sessionID:   sessionID,
		threshold:   threshold,
		cacheTTL:    ttl,
		enableCache: cfg.EnableCache,
		cache:       newResolutionCache(cfg.MaxCacheEntries),
	}
}

// Detect resolves a descriptor to a target resolution, short-circuiting on
// the first successful strategy.
func (r *Resolver) Detect(ctx context.Context, d schemas.TargetDescriptor) Result {
	r.mu.Lock()
	r.stats.TotalDetections++
	r.mu.Unlock()

	if d.IsZero() {
		return Result{Reason: "empty target descriptor"}
	}

	now := r.clock.Now()
	key := cacheKey{sessionID: r.sessionID, fingerprint: d.Fingerprint()}

	if r.enableCache {
		if res, ok := r.cache.get(key, now); ok {
			r.mu.Lock()
			r.stats.CacheHits++
			r.mu.Unlock()
			res.Strategy = schemas.StrategyCached
			res.Source = schemas.SourceCached
			return Result{Success: true, Resolution: res}
		}
		r.mu.Lock()
		r.stats.CacheMisses++
		r.mu.Unlock()
	}

	result := r.detectFresh(ctx, d, now)
	if result.Success && r.enableCache {
		r.cache.put(key, result.Resolution, r.cacheTTL, now)
	}
	return result
}

func (r *Resolver) detectFresh(ctx context.Context, d schemas.TargetDescriptor, now time.Time) Result {
	// Raw coordinates need no lookup at all.
	if d.Coordinates != nil {
		return Result{
			Success: true,
			Resolution: schemas.TargetResolution{
				Strategy:   schemas.StrategyExact,
				Box:        schemas.BoundingBox{X: d.Coordinates.X, Y: d.Coordinates.Y},
				Confidence: 1,
				ResolvedAt: now,
				Source:     schemas.SourceFresh,
			},
		}
	}

	// Exact lookups for selector/ref descriptors.
	if d.Selector != "" || d.Ref != "" {
		var (
			el  *schemas.Element
			err error
		)
		if d.Selector != "" {
			el, err = r.querier.QuerySelector(ctx, d.Selector)
		} else {
			el, err = r.querier.QueryRef(ctx, d.Ref)
		}
		if err != nil {
			r.logger.Debug("Exact lookup failed.", zap.String("target", d.String()), zap.Error(err))
			return Result{Reason: fmt.Sprintf("exact lookup failed: %v", err)}
		}
		if el == nil {
			return Result{Reason: fmt.Sprintf("no element matches %s", d.String())}
		}
		return Result{
			Success: true,
			Element: el,
			Resolution: schemas.TargetResolution{
				Strategy:   schemas.StrategyExact,
				Box:        el.Box,
				Confidence: 1,
				ResolvedAt: now,
				Source:     schemas.SourceFresh,
			},
		}
	}

	return r.detectFuzzy(ctx, d, now)
}

func (r *Resolver) detectFuzzy(ctx context.Context, d schemas.TargetDescriptor, now time.Time) Result {
	candidates, err := r.querier.Candidates(ctx)
	if err != nil {
		return Result{Reason: fmt.Sprintf("candidate query failed: %v", err)}
	}
	if len(candidates) == 0 {
		return Result{Reason: "page has no candidate elements"}
	}
	viewport, err := r.querier.Viewport(ctx)
	if err != nil {
		r.logger.Debug("Viewport query failed; scoring without position.", zap.Error(err))
		viewport = schemas.BoundingBox{}
	}

	var (
		best      *schemas.Element
		bestScore float64
	)
	for i := range candidates {
		cand := candidates[i]
		score := scoreCandidate(d, cand, viewport)
		if score < bestScore {
			continue
		}
		if score > bestScore || best == nil || moreProminent(cand, *best, viewport) {
			c := cand
			best, bestScore = &c, score
		}
	}

	if best == nil || bestScore < r.threshold {
		return Result{Reason: fmt.Sprintf("no candidate cleared confidence threshold %.2f for %s", r.threshold, d.String())}
	}

	r.logger.Debug("Fuzzy match selected.",
		zap.String("target", d.String()),
		zap.Float64("confidence", bestScore),
		zap.String("candidate", best.Text))

	return Result{
		Success: true,
		Element: best,
		Resolution: schemas.TargetResolution{
			Strategy:   schemas.StrategyFuzzy,
			Box:        best.Box,
			Confidence: bestScore,
			ResolvedAt: now,
			Source:     schemas.SourceFresh,
		},
	}
}

// DetectMultiple resolves each descriptor independently with bounded
// concurrency, preserving input order in the results.
func (r *Resolver) DetectMultiple(ctx context.Context, descriptors []schemas.TargetDescriptor) Summary {
	results := make([]Result, len(descriptors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, d := range descriptors {
		g.Go(func() error {
			results[i] = r.Detect(gctx, d)
			return nil
		})
	}
	// Worker funcs never return errors; Wait only synchronizes.
	_ = g.Wait()

	summary := Summary{Total: len(descriptors), Results: results}
	for _, res := range results {
		if res.Success {
			summary.Succeeded++
		}
	}
	return summary
}

// WaitFor polls Detect until success or timeout. The failure result names
// the elapsed duration.
func (r *Resolver) WaitFor(ctx context.Context, d schemas.TargetDescriptor, timeout, interval time.Duration) Result {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	start := r.clock.Now()
	deadline := start.Add(timeout)
	for {
		res := r.Detect(ctx, d)
		if res.Success {
			return res
		}
		now := r.clock.Now()
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return Result{Reason: fmt.Sprintf("element %s did not appear within %v", d.String(), now.Sub(start))}
		}
		wait := interval
		if remaining < wait {
			// Shorten the last sleep so the final detect lands at the
			// deadline instead of giving up early.
			wait = remaining
		}
		if err := r.clock.Sleep(ctx, wait); err != nil {
			return Result{Reason: fmt.Sprintf("wait canceled: %v", err)}
		}
	}
}

// ClearCache drops the session's cached resolutions.
func (r *Resolver) ClearCache() {
	r.cache.clear(r.sessionID)
}

// Stats returns a snapshot of the counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
