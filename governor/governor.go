/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-governor/adaptivelimit"
	"github.com/acronis/go-governor/internal/clock"
	"github.com/acronis/go-governor/keyhash"
	"github.com/acronis/go-governor/log"
	"github.com/acronis/go-governor/lrucache"
)

// CallFunc performs the actual backend call.
type CallFunc[V any] func(ctx context.Context) (V, error)

// Outcome describes how a request was served.
type Outcome struct {
	// CacheHit is true if the value was taken from the cache and the backend was not called.
	CacheHit bool

	// Shared is true if the backend call was shared with other concurrent identical requests.
	Shared bool

	// Latency is the observed duration of the backend call. Zero for cache hits.
	Latency time.Duration
}

// Options represents options for the Governor.
type Options struct {
	// Logger is used for reporting backend calls. Disabled by default.
	Logger log.FieldLogger

	// CacheMetricsCollector is used by NewFromConfig for the created cache.
	CacheMetricsCollector lrucache.MetricsCollector

	// LimiterMetricsCollector is used by NewFromConfig for the created limiter.
	LimiterMetricsCollector adaptivelimit.MetricsCollector

	// Clock is a source of the current time. Real time is used by default.
	Clock clock.Clock
}

// Governor avoids recomputation of repeated requests and protects the backend from overload.
// It's safe for concurrent use.
type Governor[V any] struct {
	cache   *lrucache.Cache[V]
	limiter *adaptivelimit.Limiter
	logger  log.FieldLogger
	clock   clock.Clock
	flight  singleFlightGroup[keyhash.Key, callResult[V]]

	backendCalls  atomic.Int64
	backendErrors atomic.Int64
}

type callResult[V any] struct {
	value   V
	latency time.Duration

	// callerDone is set if the call failed after the context of the caller that made it was done.
	callerDone bool
}

// New creates a new Governor over the given cache and limiter.
func New[V any](cache *lrucache.Cache[V], limiter *adaptivelimit.Limiter, opts Options) (*Governor[V], error) {
	if cache == nil {
		return nil, fmt.Errorf("cache must be specified")
	}
	if limiter == nil {
		return nil, fmt.Errorf("limiter must be specified")
	}
	return &Governor[V]{
		cache:   cache,
		limiter: limiter,
		logger:  log.OrDisabled(opts.Logger),
		clock:   clock.OrReal(opts.Clock),
	}, nil
}

// NewFromConfig creates a new Governor with the cache and the limiter built from the configuration.
func NewFromConfig[V any](cfg *Config, opts Options) (*Governor[V], error) {
	cache, err := lrucache.NewWithOpts[V](cfg.Cache.MaxEntries, cfg.Cache.TTL, lrucache.Options{
		MetricsCollector: opts.CacheMetricsCollector,
		Logger:           opts.Logger,
		Clock:            opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("new cache: %w", err)
	}
	limiter, err := adaptivelimit.New(cfg.Limiter.ToLimiterConfig(), adaptivelimit.Options{
		MetricsCollector: opts.LimiterMetricsCollector,
		Logger:           opts.Logger,
		Clock:            opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("new limiter: %w", err)
	}
	return New[V](cache, limiter, opts)
}

// Cache returns the underlying cache.
func (g *Governor[V]) Cache() *lrucache.Cache[V] {
	return g.cache
}

// Limiter returns the underlying limiter.
func (g *Governor[V]) Limiter() *adaptivelimit.Limiter {
	return g.limiter
}

// BackendCalls returns the number of backend calls made and how many of them failed.
func (g *Governor[V]) BackendCalls() (total, failed int64) {
	return g.backendCalls.Load(), g.backendErrors.Load()
}

// Do returns the cached value for the payload or obtains it by calling the backend.
// The only errors are the admission error (*adaptivelimit.AdmissionError) and the error returned by call.
func (g *Governor[V]) Do(ctx context.Context, payload []byte, call CallFunc[V]) (V, error) {
	val, _, err := g.DoWithInfo(ctx, payload, call)
	return val, err
}

// DoWithInfo is like Do but also describes how the request was served.
// Concurrent identical misses share one admission and one backend call made with the first caller's context.
// If that context is done before the shared call finishes, callers whose own contexts are still live
// don't receive its error and retry instead.
func (g *Governor[V]) DoWithInfo(ctx context.Context, payload []byte, call CallFunc[V]) (V, Outcome, error) {
	key := keyhash.Sum(payload)
	for {
		if val, ok := g.cache.GetByKey(key); ok {
			return val, Outcome{CacheHit: true}, nil
		}

		res, err, shared := g.flight.Do(key, func() (callResult[V], error) {
			res, callErr := g.callBackend(ctx, key, call)
			res.callerDone = callErr != nil && ctx.Err() != nil
			return res, callErr
		})
		if err != nil {
			if res.callerDone && ctx.Err() == nil {
				g.logger.Debug("shared backend call abandoned by its caller, retrying", log.String("key", key.Short()))
				continue
			}
			var zero V
			return zero, Outcome{Shared: shared, Latency: res.latency}, err
		}
		return res.value, Outcome{Shared: shared, Latency: res.latency}, nil
	}
}

func (g *Governor[V]) callBackend(ctx context.Context, key keyhash.Key, call CallFunc[V]) (callResult[V], error) {
	if err := g.limiter.Admit(ctx); err != nil {
		g.logger.Warn("backend call not admitted", log.String("key", key.Short()), log.Error(err))
		return callResult[V]{}, err
	}

	startedAt := g.clock.Now()
	val, err := call(ctx)
	latency := g.clock.Now().Sub(startedAt)
	g.limiter.RecordLatency(latency)
	g.backendCalls.Inc()

	if err != nil {
		g.backendErrors.Inc()
		g.logger.Warn("backend call failed",
			log.String("key", key.Short()), log.Duration("latency", latency), log.Error(err))
		return callResult[V]{latency: latency}, err
	}
	g.cache.PutByKey(key, val)
	g.logger.Debug("backend call completed", log.String("key", key.Short()), log.Duration("latency", latency))
	return callResult[V]{value: val, latency: latency}, nil
}
