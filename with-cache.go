package requestcache

import (
	"context"
	"fmt"
	"math"
	"time"

	cachestatus "github.com/always-cache/request-cache/pkg/cache-status"
	"github.com/always-cache/request-cache/pkg/metrics"
)

// Call is the live call whose result is cached, e.g. an HTTP GET.
// It is only invoked when no valid cached value exists.
type Call[T any] func(ctx context.Context) (T, error)

// WithCache returns the cached value for opts.URL if there is a valid one.
// Otherwise it invokes call, stores a present result in the background,
// and returns the result unchanged. Errors from call are returned as is and
// nothing is stored; cache failures never surface here.
func WithCache[T any](ctx context.Context, c *Cache, call Call[T], opts Options) (T, error) {
	v, _, err := WithCacheStatus(ctx, c, call, opts)
	return v, err
}

// WithCacheStatus is WithCache, also reporting how the value was obtained.
func WithCacheStatus[T any](ctx context.Context, c *Cache, call Call[T], opts Options) (T, cachestatus.CacheStatus, error) {
	key := GetCacheKey(opts.URL)
	log := c.log.With().Str("key", key).Str("url", opts.URL).Logger()
	var status cachestatus.CacheStatus

	// nothing to read before the database has been created
	if !c.IsDbExists(ctx) {
		log.Trace().Msg("No cache database, calling")
		status.Forward(cachestatus.FwdReasonMiss)
		return callAndStore(ctx, c, call, key, opts, status)
	}

	lookup := GetCacheValue[T](ctx, c, key, opts.SkipCache)
	switch lookup.Outcome {
	case Hit:
		log.Trace().Time("expires", lookup.Expires).Msg("Cache hit")
		status.Hit()
		status.TimeToLive = int(math.Ceil(lookup.Expires.Sub(c.now()).Seconds()))
		return lookup.Value, status, nil
	case Miss:
		log.Trace().Str("reason", string(lookup.Reason)).Msg("Cache miss, calling")
		status.Forward(lookup.Reason)
		return callAndStore(ctx, c, call, key, opts, status)
	default:
		panic(fmt.Sprintf("unknown lookup outcome %d", lookup.Outcome))
	}
}

func callAndStore[T any](ctx context.Context, c *Cache, call Call[T], key string, opts Options, status cachestatus.CacheStatus) (T, cachestatus.CacheStatus, error) {
	start := time.Now()
	v, err := call(ctx)
	c.metrics.Since(metrics.OpCall, start)
	if err != nil {
		return v, status, err
	}
	status.Stored = isPresent(v)
	return SetCacheValueOperator[T](c, key, opts)(ctx, v), status, nil
}
