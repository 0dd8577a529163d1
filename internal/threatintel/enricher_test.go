package threatintel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
)

func TestEnrich_NoLogIsNoOp(t *testing.T) {
	e := NewEnricher(logger.New("error", "test"))
	event := &models.SecurityEvent{}
	e.Enrich(context.Background(), event)
	assert.Nil(t, event.Enrichment)
}

func TestEnrich_NoLookupsIsNoOp(t *testing.T) {
	e := NewEnricher(logger.New("error", "test"))
	event := &models.SecurityEvent{Log: &models.LogEvent{Message: "Source Network Address: 1.2.3.4"}}
	e.Enrich(context.Background(), event)
	assert.Nil(t, event.Enrichment)
}

func TestEnrich_NoSourceAddressInMessageIsNoOp(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())
	src := &fakeSource{name: "virustotal", result: models.ThreatIntelResult{Malicious: true}}
	lookup := NewLookup(src, cache, 100, 10, logger.New("error", "test"))
	e := NewEnricher(logger.New("error", "test"), lookup)

	event := &models.SecurityEvent{Log: &models.LogEvent{Message: "no address here"}}
	e.Enrich(context.Background(), event)
	assert.Nil(t, event.Enrichment)
}

func TestEnrich_MaliciousResultAddsTechniqueAndRaisesAnomalyScore(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())
	src := &fakeSource{name: "virustotal", result: models.ThreatIntelResult{Malicious: true, Score: 80}}
	lookup := NewLookup(src, cache, 100, 10, logger.New("error", "test"))
	e := NewEnricher(logger.New("error", "test"), lookup)

	event := &models.SecurityEvent{Log: &models.LogEvent{Message: "New Logon:\n\tSource Network Address:\t203.0.113.9\n"}}
	e.Enrich(context.Background(), event)

	require.NotNil(t, event.Enrichment)
	assert.Equal(t, "true", event.Enrichment["virustotal_malicious"])
	assert.Contains(t, event.MitreTechniques, "T1071")
	assert.Equal(t, 0.8, event.AnomalyScore)
}

func TestEnrich_BenignResultRecordsFlagWithoutTechniqueOrScore(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())
	src := &fakeSource{name: "otx", result: models.ThreatIntelResult{Malicious: false}}
	lookup := NewLookup(src, cache, 100, 10, logger.New("error", "test"))
	e := NewEnricher(logger.New("error", "test"), lookup)

	event := &models.SecurityEvent{Log: &models.LogEvent{Message: "Source Network Address: 198.51.100.7"}}
	e.Enrich(context.Background(), event)

	require.NotNil(t, event.Enrichment)
	assert.Equal(t, "false", event.Enrichment["otx_malicious"])
	assert.Empty(t, event.MitreTechniques)
}

func TestEnrich_FailedLookupIsLoggedAndSkipped(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())
	src := &fakeSource{name: "virustotal", err: assertError("upstream down")}
	lookup := NewLookup(src, cache, 100, 10, logger.New("error", "test"))
	e := NewEnricher(logger.New("error", "test"), lookup)

	event := &models.SecurityEvent{Log: &models.LogEvent{Message: "Source Network Address: 10.0.0.1"}}
	assert.NotPanics(t, func() { e.Enrich(context.Background(), event) })
	assert.NotContains(t, event.Enrichment, "virustotal_malicious")
}

func TestEnrich_AnomalyScoreOnlyRisesNeverFalls(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())
	src := &fakeSource{name: "virustotal", result: models.ThreatIntelResult{Malicious: true, Score: 20}}
	lookup := NewLookup(src, cache, 100, 10, logger.New("error", "test"))
	e := NewEnricher(logger.New("error", "test"), lookup)

	event := &models.SecurityEvent{AnomalyScore: 0.9, Log: &models.LogEvent{Message: "Source Network Address: 10.0.0.2"}}
	e.Enrich(context.Background(), event)
	assert.Equal(t, 0.9, event.AnomalyScore, "a lower-scoring result must not reduce an already-higher anomaly score")
}

type assertError string

func (e assertError) Error() string { return string(e) }
