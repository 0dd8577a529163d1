package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
	"github.com/iff-guardian/castellan/pkg/metrics"
)

var (
	plMetricsOnce sync.Once
	plMetricsInst *metrics.Collector
)

func plMetrics() *metrics.Collector {
	plMetricsOnce.Do(func() { plMetricsInst = metrics.NewCollector("castellan-pipeline-test") })
	return plMetricsInst
}

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(raw models.RawEvent) *models.SecurityEvent {
	return &models.SecurityEvent{Log: &models.LogEvent{UniqueID: raw.UniqueID, EventID: raw.EventID}}
}

type fakeDetector struct {
	err error
}

func (f *fakeDetector) Detect(ctx context.Context, event *models.SecurityEvent) error { return f.err }

type fakeEnricher struct {
	called int32
	mu     sync.Mutex
}

func (f *fakeEnricher) Enrich(ctx context.Context, event *models.SecurityEvent) {
	f.mu.Lock()
	f.called++
	f.mu.Unlock()
}

type fakeCorrelator struct {
	result models.CorrelationResult
}

func (f *fakeCorrelator) Correlate(ctx context.Context, event *models.SecurityEvent) models.CorrelationResult {
	return f.result
}

type fakeIgnoreFilter struct {
	suppress bool
}

func (f *fakeIgnoreFilter) ShouldSuppress(event *models.SecurityEvent) bool { return f.suppress }

type fakeStore struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
	err    error
}

func (f *fakeStore) AddSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestPipeline(store *fakeStore, ignore *fakeIgnoreFilter, correlator *fakeCorrelator, enricher Enricher) *Pipeline {
	cfg := Config{DefaultMaxQueue: 16, ConsumerConcurrency: 1, ShutdownGrace: time.Second}
	return New(cfg, fakeNormalizer{}, &fakeDetector{}, enricher, correlator, ignore, store, plMetrics(), logger.New("error", "test"))
}

func TestProcess_StoresSurvivingEvent(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, &fakeIgnoreFilter{}, &fakeCorrelator{}, nil)
	p.process(context.Background(), models.RawEvent{UniqueID: "e1"})
	assert.Equal(t, 1, store.count())
}

func TestProcess_SuppressedEventNeverReachesStore(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, &fakeIgnoreFilter{suppress: true}, &fakeCorrelator{}, nil)
	p.process(context.Background(), models.RawEvent{UniqueID: "e2"})
	assert.Equal(t, 0, store.count())
}

func TestProcess_DetectorErrorDoesNotStopProcessing(t *testing.T) {
	store := &fakeStore{}
	cfg := Config{DefaultMaxQueue: 16, ConsumerConcurrency: 1, ShutdownGrace: time.Second}
	p := New(cfg, fakeNormalizer{}, &fakeDetector{err: errors.New("rule lookup failed")}, nil, &fakeCorrelator{}, &fakeIgnoreFilter{}, store, plMetrics(), logger.New("error", "test"))
	p.process(context.Background(), models.RawEvent{UniqueID: "e3"})
	assert.Equal(t, 1, store.count())
}

func TestProcess_NilEnricherIsSkipped(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, &fakeIgnoreFilter{}, &fakeCorrelator{}, nil)
	assert.NotPanics(t, func() { p.process(context.Background(), models.RawEvent{UniqueID: "e4"}) })
}

func TestProcess_EnricherIsInvokedWhenPresent(t *testing.T) {
	store := &fakeStore{}
	enricher := &fakeEnricher{}
	p := newTestPipeline(store, &fakeIgnoreFilter{}, &fakeCorrelator{}, enricher)
	p.process(context.Background(), models.RawEvent{UniqueID: "e5"})
	assert.Equal(t, int32(1), enricher.called)
}

func TestProcess_StoreErrorIsSwallowedNotPropagated(t *testing.T) {
	store := &fakeStore{err: errors.New("db unavailable")}
	p := newTestPipeline(store, &fakeIgnoreFilter{}, &fakeCorrelator{}, nil)
	assert.NotPanics(t, func() { p.process(context.Background(), models.RawEvent{UniqueID: "e6"}) })
}

func TestProcess_CorrelationFireDoesNotAffectSuppression(t *testing.T) {
	store := &fakeStore{}
	correlator := &fakeCorrelator{result: models.CorrelationResult{HasCorrelation: true, Correlation: &models.Correlation{Type: models.CorrelationLateralMovement}}}
	p := newTestPipeline(store, &fakeIgnoreFilter{}, correlator, nil)
	p.process(context.Background(), models.RawEvent{UniqueID: "e7"})
	assert.Equal(t, 1, store.count())
}

func TestTryEnqueue_UpdatesQueueDepth(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, &fakeIgnoreFilter{}, &fakeCorrelator{}, nil)
	assert.True(t, p.TryEnqueue(models.RawEvent{UniqueID: "q1"}))
	assert.Equal(t, 1, p.queue.Len())
}

func TestRun_ProcessesQueuedEventsThenStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, &fakeIgnoreFilter{}, &fakeCorrelator{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.TryEnqueue(models.RawEvent{UniqueID: "run-1"})
	assert.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation and shutdown grace")
	}
}

func TestNew_AppliesDefaultsForZeroValueConfig(t *testing.T) {
	p := New(Config{}, fakeNormalizer{}, &fakeDetector{}, nil, &fakeCorrelator{}, &fakeIgnoreFilter{}, &fakeStore{}, plMetrics(), logger.New("error", "test"))
	assert.Equal(t, 4, p.cfg.ConsumerConcurrency)
	assert.Equal(t, 4000, p.cfg.DefaultMaxQueue)
	assert.Equal(t, 10*time.Second, p.cfg.ShutdownGrace)
}

func TestDetector_InterfaceIsSatisfiedByFake(t *testing.T) {
	var _ Detector = &fakeDetector{}
	require.Implements(t, (*Detector)(nil), &fakeDetector{})
}
