package threatintel

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/iff-guardian/castellan/internal/castellanerr"
	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
)

// Source performs the actual external threat-intel query for one provider.
type Source interface {
	Name() string
	Query(ctx context.Context, indicator string) (models.ThreatIntelResult, error)
}

// Lookup wraps a Source with a circuit breaker and a token-bucket rate
// limiter, then writes a successful result into the cache. Every blocking
// external call here takes a deadline from ctx — the breaker/limiter never
// introduce an unbounded wait of their own.
type Lookup struct {
	source  Source
	cache   *Cache
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     logger.Logger
}

func NewLookup(source Source, cache *Cache, requestsPerSecond float64, burst int, log logger.Logger) *Lookup {
	st := gobreaker.Settings{
		Name:        "threatintel:" + source.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Lookup{
		source:  source,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		log:     log,
	}
}

// Get serves from cache when possible; on a miss it runs the rate-limited,
// circuit-broken external query and populates the cache on success.
func (l *Lookup) Get(ctx context.Context, indicator string) (models.ThreatIntelResult, error) {
	if result, ok := l.cache.Get(ctx, indicator, l.source.Name()); ok {
		return result, nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return models.ThreatIntelResult{}, castellanerr.Wrap(castellanerr.KindTransientExternal, "threatintel", err)
	}

	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.source.Query(ctx, indicator)
	})
	if err != nil {
		return models.ThreatIntelResult{}, castellanerr.Wrap(castellanerr.KindTransientExternal, "threatintel", fmt.Errorf("%s lookup: %w", l.source.Name(), err))
	}

	result := out.(models.ThreatIntelResult)
	result.QueriedAt = time.Now()
	if err := l.cache.Set(ctx, result, 0); err != nil {
		l.log.Warn("failed to cache threat-intel result", "indicator", indicator, "error", err)
	}
	return result, nil
}
