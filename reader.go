package requestcache

import (
	"context"
	"time"

	cachestatus "github.com/always-cache/request-cache/pkg/cache-status"
	"github.com/always-cache/request-cache/pkg/metrics"
	serializer "github.com/always-cache/request-cache/pkg/payload-serializer"
	"github.com/always-cache/request-cache/store"
)

// Outcome is the result kind of a cache read.
type Outcome int

const (
	Miss Outcome = iota
	Hit
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	}
	return "unknown"
}

// Lookup is the result of a cache read.
// Value and Expires are only set for a Hit, Reason only for a Miss.
type Lookup[T any] struct {
	Outcome Outcome
	Value   T
	Expires time.Time
	Reason  cachestatus.FwdReason
}

func missed[T any](reason cachestatus.FwdReason) Lookup[T] {
	return Lookup[T]{Outcome: Miss, Reason: reason}
}

// GetCacheValue reads the entry stored under key.
// Expired entries, and any entry when skipCache is set, are deleted in the
// background and reported as a Miss. Storage errors are logged and reported
// as a Miss.
func GetCacheValue[T any](ctx context.Context, c *Cache, key string, skipCache bool) Lookup[T] {
	defer c.metrics.Since(metrics.OpRead, time.Now())
	log := c.log.With().Str("key", key).Logger()

	table, err := c.db.Requests(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not open database")
		return missed[T](cachestatus.FwdReasonMiss)
	}
	e, found, err := table.Get(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("Could not read from cache")
		return missed[T](cachestatus.FwdReasonMiss)
	}
	if !found {
		return missed[T](cachestatus.FwdReasonUriMiss)
	}

	if valid := c.isValidTTL(e.UpdatedAt, e.TTL); !valid || skipCache {
		c.deleteEntry(ctx, table, e)
		if !valid {
			log.Trace().Time("updatedAt", e.UpdatedAt).Dur("ttl", e.TTL).Msg("Stale cache entry")
			return missed[T](cachestatus.FwdReasonStale)
		}
		return missed[T](cachestatus.FwdReasonRequest)
	}

	v, err := serializer.Unmarshal[T](e.Res)
	if err != nil {
		// corrupted or of another type, drop it and refetch
		log.Error().Err(err).Msg("Could not decode cached payload")
		c.deleteEntry(ctx, table, e)
		return missed[T](cachestatus.FwdReasonMiss)
	}
	return Lookup[T]{
		Outcome: Hit,
		Value:   v,
		Expires: e.UpdatedAt.Add(e.TTL),
	}
}

// deleteEntry removes e in the background.
func (c *Cache) deleteEntry(ctx context.Context, table store.Table, e store.Entry) {
	c.background(ctx, func(ctx context.Context) {
		defer c.metrics.Since(metrics.OpDelete, time.Now())
		if err := table.Delete(ctx, e.ID); err != nil {
			c.log.Warn().Err(err).Str("key", e.Key).Int64("id", e.ID).Msg("Could not delete cache entry")
		}
	})
}
