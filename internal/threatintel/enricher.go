package threatintel

import (
	"context"
	"regexp"
	"strconv"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
)

var sourceAddressPattern = regexp.MustCompile(`(?i)Source Network Address:\s*([0-9a-fA-F:.]+)`)

// Enricher implements pipeline.Enricher, attaching threat-intel context for
// any source address found in the event's rendered message. It never fails
// the pipeline: a lookup error is logged and the event passes through
// unenriched.
type Enricher struct {
	lookups []*Lookup
	log     logger.Logger
}

func NewEnricher(log logger.Logger, lookups ...*Lookup) *Enricher {
	return &Enricher{lookups: lookups, log: log}
}

func (e *Enricher) Enrich(ctx context.Context, event *models.SecurityEvent) {
	if event.Log == nil || len(e.lookups) == 0 {
		return
	}
	indicator := event.SourceIP
	if indicator == "" {
		m := sourceAddressPattern.FindStringSubmatch(event.Log.Message)
		if m == nil {
			return
		}
		indicator = m[1]
	}

	if event.Enrichment == nil {
		event.Enrichment = make(map[string]string)
	}

	for _, lookup := range e.lookups {
		result, err := lookup.Get(ctx, indicator)
		if err != nil {
			e.log.Warn("threat-intel enrichment lookup failed", "indicator", indicator, "source", lookup.source.Name(), "error", err)
			continue
		}
		event.Enrichment[lookup.source.Name()+"_malicious"] = strconv.FormatBool(result.Malicious)
		if result.Malicious {
			event.AddTechnique("T1071")
			if result.Score > 0 {
				score := float64(result.Score) / 100
				if score > event.AnomalyScore {
					event.AnomalyScore = score
				}
			}
		}
	}
}
