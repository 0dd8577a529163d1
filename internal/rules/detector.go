package rules

import (
	"context"

	"github.com/iff-guardian/castellan/internal/castellanerr"
	"github.com/iff-guardian/castellan/internal/models"
)

// Detector implements pipeline.Detector: rule lookup plus the deterministic
// context refinements, applied in place over the normalizer's output.
type Detector struct {
	cache *Cache
}

func NewDetector(cache *Cache) *Detector {
	return &Detector{cache: cache}
}

// Detect overrides the normalizer defaults with the matched rule (if any),
// then layers the context refinements on top. A lookup failure is wrapped
// as storage-unavailable and leaves the normalizer's defaults in place
// rather than failing the pipeline.
func (d *Detector) Detect(ctx context.Context, event *models.SecurityEvent) error {
	if event.Log == nil {
		return nil
	}

	rule, matched, err := d.cache.GetRule(ctx, event.Log.EventID, event.Log.Channel)
	if err != nil {
		return castellanerr.Wrap(castellanerr.KindStorageUnavailable, "rules", err)
	}
	if matched {
		event.EventType = rule.EventType
		event.Risk = rule.Risk
		event.Confidence = rule.Confidence
		event.Summary = rule.Summary
		event.SetTechniques(rule.MitreTechniques...)
		event.RecommendedActions = append([]string(nil), rule.RecommendedActions...)
		event.IsEnhanced = true
	}

	applyContextRefinements(event)
	return nil
}
