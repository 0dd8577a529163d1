// Package threatintel implements the TTL-cached threat-intelligence lookup
// (C9): a Redis-backed cache with periodic maintenance, fronting a
// circuit-breaker-protected, rate-limited external lookup.
package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
	"github.com/iff-guardian/castellan/pkg/metrics"
	"github.com/iff-guardian/castellan/pkg/rediscache"
)

// Config controls cache sizing and maintenance cadence.
type Config struct {
	DefaultTTL       time.Duration
	MaintenanceEvery time.Duration
	MaxSize          int
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:       6 * time.Hour,
		MaintenanceEvery: 15 * time.Minute,
		MaxSize:          50000,
	}
}

// Cache is the Redis-backed TTL cache described in the component contract.
// Entries carry their own expiry so maintenance can evict without relying
// on Redis TTL alone (the "evict oldest-by-query-time over max_size" rule
// needs query-time ordering that Redis's own eviction doesn't give us).
type Cache struct {
	cfg    Config
	client *rediscache.Client
	log    logger.Logger
	met    *metrics.Collector

	mu           sync.Mutex
	lastSweep    time.Time
	sweepRunning bool
}

func New(cfg Config, client *rediscache.Client, met *metrics.Collector, log logger.Logger) *Cache {
	return &Cache{cfg: cfg, client: client, met: met, log: log, lastSweep: time.Now()}
}

func cacheKey(indicator, source string) string {
	return "castellan:ti:" + strings.ToUpper(indicator) + ":" + source
}

func indicatorPrefix(indicator string) string {
	return "castellan:ti:" + strings.ToUpper(indicator) + ":"
}

// Get returns the cached result for (indicator, source) if present and not
// expired, with FromCache set. A miss returns ok=false and removes any
// expired entry found along the way.
func (c *Cache) Get(ctx context.Context, indicator, source string) (models.ThreatIntelResult, bool) {
	key := cacheKey(indicator, source)
	raw, err := c.client.GetString(ctx, key)
	if err != nil {
		c.met.RecordCacheMiss("threatintel")
		return models.ThreatIntelResult{}, false
	}

	var entry models.ThreatIntelligenceCacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.log.Warn("discarding corrupted threat-intel cache entry", "key", key, "error", err)
		_ = c.client.Delete(ctx, key)
		c.met.RecordCacheMiss("threatintel")
		return models.ThreatIntelResult{}, false
	}

	if entry.Expired(time.Now()) {
		_ = c.client.Delete(ctx, key)
		c.met.RecordCacheMiss("threatintel")
		return models.ThreatIntelResult{}, false
	}

	c.met.RecordCacheHit("threatintel")
	entry.Result.FromCache = true
	c.maybeRunMaintenance(ctx)
	return entry.Result, true
}

// Set writes result with the given ttl (or the configured default), then
// triggers maintenance if the interval has elapsed.
func (c *Cache) Set(ctx context.Context, result models.ThreatIntelResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	entry := models.ThreatIntelligenceCacheEntry{Result: result, ExpiryTime: time.Now().Add(ttl)}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal threat-intel cache entry: %w", err)
	}

	key := cacheKey(result.Indicator, result.Source)
	if err := c.client.SetWithExpiry(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("store threat-intel cache entry: %w", err)
	}
	if err := c.client.SAdd(ctx, "castellan:ti:index", key); err != nil {
		c.log.Warn("failed to index threat-intel cache key", "key", key, "error", err)
	}

	c.maybeRunMaintenance(ctx)
	return nil
}

// Clear removes every cached entry.
func (c *Cache) Clear(ctx context.Context) error {
	keys, err := c.client.SMembers(ctx, "castellan:ti:index")
	if err != nil {
		return fmt.Errorf("list threat-intel cache index: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("clear threat-intel cache: %w", err)
	}
	return c.client.Delete(ctx, "castellan:ti:index")
}

// Remove drops the entry for (indicator, source); an empty source removes
// every source recorded for that indicator.
func (c *Cache) Remove(ctx context.Context, indicator, source string) error {
	if source != "" {
		key := cacheKey(indicator, source)
		return c.client.Delete(ctx, key)
	}

	keys, err := c.client.SMembers(ctx, "castellan:ti:index")
	if err != nil {
		return fmt.Errorf("list threat-intel cache index: %w", err)
	}
	prefix := indicatorPrefix(indicator)
	var toDelete []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			toDelete = append(toDelete, k)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	return c.client.Delete(ctx, toDelete...)
}

// maybeRunMaintenance runs the double-checked-lock maintenance sweep when
// MaintenanceEvery has elapsed since the last run.
func (c *Cache) maybeRunMaintenance(ctx context.Context) {
	c.mu.Lock()
	if c.sweepRunning || time.Since(c.lastSweep) < c.cfg.MaintenanceEvery {
		c.mu.Unlock()
		return
	}
	c.sweepRunning = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.sweepRunning = false
			c.lastSweep = time.Now()
			c.mu.Unlock()
		}()
		c.runMaintenance(ctx)
	}()
}

// runMaintenance evicts expired entries, then if the index is still over
// MaxSize, evicts the oldest-by-query-time entries until it is not.
func (c *Cache) runMaintenance(ctx context.Context) {
	keys, err := c.client.SMembers(ctx, "castellan:ti:index")
	if err != nil {
		c.log.Warn("threat-intel maintenance: failed to list index", "error", err)
		return
	}

	type aged struct {
		key       string
		queriedAt time.Time
	}
	var live []aged
	now := time.Now()

	for _, key := range keys {
		raw, err := c.client.GetString(ctx, key)
		if err != nil {
			_ = c.client.SRem(ctx, "castellan:ti:index", key)
			continue
		}
		var entry models.ThreatIntelligenceCacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Expired(now) {
			_ = c.client.Delete(ctx, key)
			_ = c.client.SRem(ctx, "castellan:ti:index", key)
			continue
		}
		live = append(live, aged{key: key, queriedAt: entry.Result.QueriedAt})
	}

	if c.cfg.MaxSize <= 0 || len(live) <= c.cfg.MaxSize {
		return
	}

	sort.Slice(live, func(i, j int) bool { return live[i].queriedAt.Before(live[j].queriedAt) })

	toEvict := len(live) - c.cfg.MaxSize
	for i := 0; i < toEvict; i++ {
		_ = c.client.Delete(ctx, live[i].key)
		_ = c.client.SRem(ctx, "castellan:ti:index", live[i].key)
	}
	c.log.Info("threat-intel cache maintenance evicted entries over max size", "count", toEvict)
}
