package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
	"github.com/iff-guardian/castellan/pkg/metrics"
	"github.com/iff-guardian/castellan/pkg/rediscache"
	"golang.org/x/sync/singleflight"
)

const cacheTTL = 15 * time.Minute

// Cache fronts the rule Store with a single versioned source-of-truth list
// in memory (all_rules/enabled_rules are both derived views over it, per the
// design note preferring a version counter over two independently-expiring
// cache keys) plus a Redis-backed per-(event_id,channel) mirror for
// single-rule lookups. Loads are single-flighted to avoid a thundering herd
// on expiry.
type Cache struct {
	store *Store
	redis *rediscache.Client
	met   *metrics.Collector
	log   logger.Logger

	group singleflight.Group

	mu       sync.RWMutex
	rules    []models.SecurityEventRule
	loadedAt time.Time
	version  uint64
}

func NewCache(store *Store, redis *rediscache.Client, met *metrics.Collector, log logger.Logger) *Cache {
	return &Cache{store: store, redis: redis, met: met, log: log}
}

// Warm loads the rule list once at startup, per the design note pushing
// rule loading fully into the async path ahead of pipeline consumption.
func (c *Cache) Warm(ctx context.Context) error {
	_, err := c.allRulesLocked(ctx)
	return err
}

// RefreshCache invalidates every cached view; the next lookup reloads from
// the database.
func (c *Cache) RefreshCache() {
	c.mu.Lock()
	c.rules = nil
	c.loadedAt = time.Time{}
	atomic.AddUint64(&c.version, 1)
	c.mu.Unlock()
}

// InvalidateRule drops the Redis-mirrored single-rule key for (eventID,
// channel), used after a targeted rule edit.
func (c *Cache) InvalidateRule(ctx context.Context, eventID int, channel string) {
	if c.redis == nil {
		return
	}
	key := models.NewRuleKey(eventID, channel)
	_ = c.redis.Delete(ctx, ruleRedisKey(key))
}

func ruleRedisKey(key models.RuleKey) string {
	return fmt.Sprintf("rule:%d:%s", key.EventID, key.Channel)
}

// allRulesLocked returns the current versioned rule list, reloading from the
// store if the 15-minute absolute TTL has elapsed. Single-flighted per cache
// instance so concurrent callers during expiry share one database load.
func (c *Cache) allRulesLocked(ctx context.Context) ([]models.SecurityEventRule, error) {
	c.mu.RLock()
	fresh := !c.loadedAt.IsZero() && time.Since(c.loadedAt) < cacheTTL
	rules := c.rules
	c.mu.RUnlock()
	if fresh {
		c.met.RecordCacheHit("all_rules")
		return rules, nil
	}
	c.met.RecordCacheMiss("all_rules")

	v, err, _ := c.group.Do("all_rules", func() (interface{}, error) {
		loaded, err := c.store.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("load rule catalog: %w", err)
		}
		c.mu.Lock()
		c.rules = loaded
		c.loadedAt = time.Now()
		atomic.AddUint64(&c.version, 1)
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.SecurityEventRule), nil
}

// AllRules returns every rule, enabled or not.
func (c *Cache) AllRules(ctx context.Context) ([]models.SecurityEventRule, error) {
	return c.allRulesLocked(ctx)
}

// EnabledRules derives the enabled-only view from the same source-of-truth
// list, rather than caching it under a second independently-expiring key.
func (c *Cache) EnabledRules(ctx context.Context) ([]models.SecurityEventRule, error) {
	all, err := c.allRulesLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.SecurityEventRule, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetRule returns the best-matching enabled rule for (eventID, channel),
// preferring a Redis-mirrored single-rule entry, then the in-memory list,
// then the compile-time legacy fallback table.
func (c *Cache) GetRule(ctx context.Context, eventID int, channel string) (models.SecurityEventRule, bool, error) {
	key := models.NewRuleKey(eventID, channel)

	if c.redis != nil {
		if raw, err := c.redis.GetString(ctx, ruleRedisKey(key)); err == nil && raw != "" {
			var r models.SecurityEventRule
			if jsonErr := json.Unmarshal([]byte(raw), &r); jsonErr == nil {
				c.met.RecordCacheHit("rule")
				return r, true, nil
			}
		}
	}

	all, err := c.allRulesLocked(ctx)
	if err != nil {
		return models.SecurityEventRule{}, false, err
	}
	if r, ok := BestMatch(all, eventID, channel); ok {
		c.mirrorToRedis(ctx, key, r)
		return r, true, nil
	}

	if r, ok := legacyFallback(eventID, channel); ok {
		return r, true, nil
	}
	return models.SecurityEventRule{}, false, nil
}

func (c *Cache) mirrorToRedis(ctx context.Context, key models.RuleKey, r models.SecurityEventRule) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = c.redis.SetWithExpiry(ctx, ruleRedisKey(key), data, cacheTTL)
}

// Version reports the current source-of-truth generation, bumped on every
// reload or explicit invalidation.
func (c *Cache) Version() uint64 {
	return atomic.LoadUint64(&c.version)
}
