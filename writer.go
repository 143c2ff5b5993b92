package requestcache

import (
	"context"
	"reflect"
	"time"

	"github.com/always-cache/request-cache/pkg/metrics"
	serializer "github.com/always-cache/request-cache/pkg/payload-serializer"
	"github.com/always-cache/request-cache/store"
)

// SetCacheValue stores payload under key with the TTL and version from opts.
// Failures are logged and otherwise ignored.
func (c *Cache) SetCacheValue(ctx context.Context, key string, payload any, opts Options) {
	defer c.metrics.Since(metrics.OpWrite, time.Now())
	log := c.log.With().Str("key", key).Logger()

	res, err := serializer.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Could not encode payload")
		return
	}
	table, err := c.db.Requests(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not open database")
		return
	}
	entry := store.Entry{
		Key:       key,
		Method:    store.MethodGet,
		Res:       res,
		TTL:       opts.ttl(),
		Version:   opts.version(),
		UpdatedAt: c.now(),
	}
	if _, err := table.Add(ctx, entry); err != nil {
		log.Error().Err(err).Msg("Could not write to cache")
		return
	}
	log.Trace().Dur("ttl", entry.TTL).Str("version", entry.Version).Msg("Cache write")
}

// SetCacheValueOperator returns a pass-through step that stores every present
// value it sees under key. The write runs in the background; the value is
// returned unchanged right away. Zero values are passed on without a write.
func SetCacheValueOperator[T any](c *Cache, key string, opts Options) func(ctx context.Context, payload T) T {
	return func(ctx context.Context, payload T) T {
		if isPresent(payload) {
			c.background(ctx, func(ctx context.Context) {
				c.SetCacheValue(ctx, key, payload, opts)
			})
		}
		return payload
	}
}

// isPresent reports whether v is not the zero value of its type.
// nil pointers, empty strings and zero numbers are absent.
func isPresent[T any](v T) bool {
	return !reflect.ValueOf(&v).Elem().IsZero()
}
