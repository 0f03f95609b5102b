package cache

import (
	"context"
	"fmt"
	"time"

	"ashare-copilot/database"
)

// ReportCache keeps READY report records in Redis so repeated queries for
// the same key skip the database. Only terminal READY records are cached;
// a supersede or a fresh validation invalidates the entry.
type ReportCache struct {
	redis *RedisClient
	ttl   time.Duration
}

// NewReportCache creates a report cache. A nil redis client disables it:
// every lookup misses and every store is a no-op.
func NewReportCache(redis *RedisClient, ttl time.Duration) *ReportCache {
	return &ReportCache{
		redis: redis,
		ttl:   ttl,
	}
}

// GetReport returns the cached record for a key and whether it was found
func (c *ReportCache) GetReport(ctx context.Context, key database.ReportKey) (*database.ReportRecord, bool) {
	if c.redis == nil {
		return nil, false
	}

	var rec database.ReportRecord
	if err := c.redis.Get(ctx, cacheKey(key), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// SetReport caches a record. Non-READY records are skipped silently: a
// live run's state changes too fast to be worth caching.
func (c *ReportCache) SetReport(ctx context.Context, key database.ReportKey, rec *database.ReportRecord) error {
	if c.redis == nil {
		return nil
	}
	if rec == nil || rec.Status != string(database.StatusReady) {
		return nil
	}
	return c.redis.Set(ctx, cacheKey(key), rec, c.ttl)
}

// Invalidate drops the cached record for a key
func (c *ReportCache) Invalidate(ctx context.Context, key database.ReportKey) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Delete(ctx, cacheKey(key))
}

func cacheKey(key database.ReportKey) string {
	return fmt.Sprintf("report:%s", key)
}
