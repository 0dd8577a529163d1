// Package correlation implements the sliding-window correlation engine
// (C5): a key-sharded rolling window of recently classified events, scanned
// by a fixed-priority chain of detectors on every new event.
package correlation

import (
	"context"
	"time"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
)

// Correlator implements pipeline.Correlator. State is sharded by user
// (falling back to host when the event carries no user) rather than the
// literal (host, user, event_type) triple, because two of the detectors —
// lateral movement and privilege escalation — need visibility across hosts
// and event types for a single principal, which a per-triple shard cannot
// give them on its own. Each detector instead filters the shard's window to
// the slice it cares about.
type Correlator struct {
	cfg   DetectorConfig
	state *shardedState
	log   logger.Logger
}

func New(cfg DetectorConfig, log logger.Logger) *Correlator {
	horizon := cfg.LateralWindow
	if cfg.ChainWindow > horizon {
		horizon = cfg.ChainWindow
	}
	return &Correlator{
		cfg:   cfg,
		state: newShardedState(horizon),
		log:   log,
	}
}

// Run periodically sweeps idle shards until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.state.sweep(now)
		}
	}
}

// burstScore is the ratio of a temporal-burst hit's matching events to its
// trigger threshold, clamped to 1.0. The score saturates as soon as the
// threshold is reached, so a burst that fired always scores 1.0.
func burstScore(c models.Correlation, threshold int) float64 {
	if threshold <= 0 {
		return 1.0
	}
	score := float64(len(c.EventIDs)) / float64(threshold)
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func shardKey(event *models.SecurityEvent) string {
	if event.Log == nil {
		return ""
	}
	if event.Log.User != "" {
		return "user:" + event.Log.User
	}
	return "host:" + event.Log.Host
}

// Correlate files the event into its shard's window, then runs the detector
// chain in priority order over that window. The first detector to fire
// wins; its risk/confidence adjustment is applied in place and a
// correlation-context string is attached.
func (c *Correlator) Correlate(ctx context.Context, event *models.SecurityEvent) models.CorrelationResult {
	if event.Log == nil {
		return models.CorrelationResult{}
	}

	key := shardKey(event)
	now := event.Log.Time
	if now.IsZero() {
		now = event.CreatedAt
	}

	var found models.Correlation
	var hit bool

	c.state.withShard(key, func(sh *shard) {
		sh.prune(now, c.state.maxAge)
		sh.recent = append(sh.recent, record{
			UniqueID:  event.Log.UniqueID,
			Host:      event.Log.Host,
			User:      event.Log.User,
			EventType: event.EventType.String(),
			Time:      now,
			Mitre:     append([]string(nil), event.MitreTechniques...),
		})

		for _, detect := range orderedDetectors {
			if corr, ok := detect(c.cfg, sh.recent, event, now); ok {
				found, hit = corr, true
				return
			}
		}
	})

	if !hit {
		return models.CorrelationResult{}
	}

	applyCorrelationAdjustment(event, &found)

	confidencePct := event.Confidence
	event.CorrelationContext = buildContext(found, confidencePct)
	event.IsCorrelationBased = true
	event.CorrelationIDs = found.EventIDs
	event.CorrelationScore = float64(confidencePct) / 100
	if found.Type == models.CorrelationTemporalBurst {
		event.BurstScore = burstScore(found, c.cfg.BurstThreshold)
	}

	return models.CorrelationResult{
		HasCorrelation: true,
		Confidence:     float64(confidencePct) / 100,
		Correlation:    &found,
	}
}

// applyCorrelationAdjustment layers the per-type risk/confidence bump onto
// the event already classified by C3/C4, plus the global "+5 confidence
// when already above 80%" bonus.
func applyCorrelationAdjustment(event *models.SecurityEvent, c *models.Correlation) {
	switch c.Type {
	case models.CorrelationAttackChain:
		event.Risk = event.Risk.Upgrade(2)
		event.RaiseConfidence(15)
		event.PrependAction("Initiate incident response")
		event.AddAction("Isolate affected hosts")
	case models.CorrelationLateralMovement:
		event.Risk = event.Risk.Upgrade(1)
		event.RaiseConfidence(10)
	case models.CorrelationPrivilegeEscalation:
		event.Risk = event.Risk.Upgrade(1)
		event.RaiseConfidence(10)
	case models.CorrelationTemporalBurst:
		event.RaiseConfidence(5)
	case models.CorrelationMLDetected:
		event.RaiseConfidence(5)
	}

	if event.Confidence > 80 {
		event.RaiseConfidence(5)
	}
}
