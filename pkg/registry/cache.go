package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/pkg/observability"
)

const (
	searchKeyPrefix = "gantry:search:"
	generationKey   = "gantry:search:gen"
)

// Cache is a Redis-backed search result cache. Invalidation bumps a
// generation counter embedded in every key, so stale generations simply
// expire under their TTL.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	log     *logrus.Logger
	metrics *observability.Metrics
}

// NewCache creates a cache on an existing Redis client. metrics may be
// nil.
func NewCache(client *redis.Client, ttl time.Duration, log *logrus.Logger, metrics *observability.Metrics) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logrus.New()
	}
	return &Cache{
		client:  client,
		ttl:     ttl,
		log:     log,
		metrics: metrics,
	}
}

// Ping verifies the Redis connection. Used by the health checker.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetSearch returns a cached search result. A Redis failure is treated
// as a miss; the cache is never load-bearing.
func (c *Cache) GetSearch(ctx context.Context, key string) ([]Entry, bool) {
	data, err := c.client.Get(ctx, c.searchKey(ctx, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Debug("Search cache read failed")
		}
		c.miss()
		return nil, false
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.miss()
		return nil, false
	}
	c.hit()
	return entries, true
}

// SetSearch stores a search result under the current generation.
func (c *Cache) SetSearch(ctx context.Context, key string, entries []Entry) {
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.searchKey(ctx, key), data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("Search cache write failed")
	}
}

// Invalidate drops every cached search result by advancing the
// generation counter.
func (c *Cache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		c.log.WithError(err).Debug("Search cache invalidation failed")
	}
}

func (c *Cache) searchKey(ctx context.Context, key string) string {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if err != nil && err != redis.Nil {
		gen = 0
	}
	return fmt.Sprintf("%s%d:%s", searchKeyPrefix, gen, key)
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues("search").Inc()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues("search").Inc()
	}
}
