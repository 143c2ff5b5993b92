// Package requestcache caches the results of idempotent GET calls in a local
// database, keyed by request URL, with per-entry TTL and version tags.
//
// A call wrapped with WithCache is only made when there is no valid stored
// result for its URL; fresh results are written through to the database.
package requestcache

import (
	"context"
	"sync"
	"time"

	cachekey "github.com/always-cache/request-cache/pkg/cache-key"
	"github.com/always-cache/request-cache/pkg/metrics"
	"github.com/always-cache/request-cache/store"

	"github.com/rs/zerolog"
)

const (
	// DBName names the cache database. The default sqlite file is DBName + ".db".
	DBName = "http-cache"
	// DefaultTTL is used when Options.TTL is not set.
	DefaultTTL = 5 * time.Minute
	// DefaultVersion is used when Options.Version is not set.
	DefaultVersion = "1"
)

// Options control caching of a single call.
type Options struct {
	// URL of the request, used to derive the cache key.
	URL string
	// TTL of a written entry. Zero means DefaultTTL.
	TTL time.Duration
	// Version tag of a written entry. Empty means DefaultVersion.
	// It is stored but not checked on read.
	Version string
	// SkipCache makes the read miss and removes any stored entry,
	// so the call is made and its result stored again.
	SkipCache bool
}

func (o Options) ttl() time.Duration {
	if o.TTL == 0 {
		return DefaultTTL
	}
	return o.TTL
}

func (o Options) version() string {
	if o.Version == "" {
		return DefaultVersion
	}
	return o.Version
}

type Config struct {
	// Storage for cache entries.
	// A sqlite database named after DBName in the working directory is used if nil.
	Database store.Database
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clock returns the current time. time.Now is used if nil.
	Clock func() time.Time
	// Metrics receives operation latencies. A new tracker is created if nil.
	Metrics *metrics.LatencyTracker
}

// Cache owns the database handle and the background writes made on its behalf.
type Cache struct {
	db      store.Database
	log     zerolog.Logger
	now     func() time.Time
	metrics *metrics.LatencyTracker

	// mutex guards closed and tasks.Add
	mutex  sync.Mutex
	closed bool
	done   chan struct{}
	tasks  sync.WaitGroup
}

// CreateCache sets up a cache from config.
// The database is not opened until it is first needed.
func CreateCache(config Config) *Cache {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("cache", DBName).Logger()

	c := &Cache{
		db:      config.Database,
		log:     logger,
		now:     config.Clock,
		metrics: config.Metrics,
		done:    make(chan struct{}),
	}
	if c.db == nil {
		c.db = store.NewSQLite(DBName + ".db")
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.metrics == nil {
		c.metrics = metrics.NewLatencyTracker(0.01)
	}
	return c
}

// GetCacheKey returns the storage key for a request URL.
func GetCacheKey(url string) string {
	return cachekey.GetCacheKey(url)
}

// IsDbExists reports whether the cache database has been created.
// Errors are logged and reported as false.
func (c *Cache) IsDbExists(ctx context.Context) bool {
	defer c.metrics.Since(metrics.OpExists, time.Now())
	exists, err := c.db.Exists(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Could not check if database exists")
		return false
	}
	return exists
}

// Purge removes the entry stored for url.
// It returns false if there was nothing to remove.
func (c *Cache) Purge(ctx context.Context, url string) (bool, error) {
	if !c.IsDbExists(ctx) {
		return false, nil
	}
	key := GetCacheKey(url)
	table, err := c.db.Requests(ctx)
	if err != nil {
		return false, err
	}
	e, found, err := table.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	start := time.Now()
	err = table.Delete(ctx, e.ID)
	c.metrics.Since(metrics.OpDelete, start)
	if err != nil {
		return false, err
	}
	c.log.Debug().Str("key", key).Str("url", url).Msg("Purged cache entry")
	return true, nil
}

// PurgeAfter removes the entry stored for url once delay has passed.
// Purges still pending when the cache is closed are dropped.
func (c *Cache) PurgeAfter(ctx context.Context, url string, delay time.Duration) {
	c.background(ctx, func(ctx context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.done:
			c.log.Debug().Str("url", url).Msg("Cache closed, dropping delayed purge")
			return
		}
		if _, err := c.Purge(ctx, url); err != nil {
			c.log.Error().Err(err).Str("url", url).Msg("Could not purge cache entry")
		}
	})
}

// Stats returns the latency statistics of cache operations.
func (c *Cache) Stats() []metrics.Stats {
	return c.metrics.GetAllStats()
}

// Wait blocks until all background writes and deletes are done,
// including purges scheduled with PurgeAfter.
func (c *Cache) Wait() {
	c.tasks.Wait()
}

// Close stops accepting background work, waits for what is running and
// closes the database. Calling Close again does nothing.
func (c *Cache) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mutex.Unlock()

	c.Wait()
	return c.db.Close()
}

// background runs fn in a goroutine tracked by the cache.
// fn gets a context that is not canceled together with ctx.
// Once the cache is closed fn is not run.
func (c *Cache) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		c.log.Warn().Msg("Cache closed, dropping background work")
		return
	}
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn(ctx)
	}()
}
