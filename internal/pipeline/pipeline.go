// Package pipeline implements the bounded ingest pipeline (C2): a
// drop-oldest bounded queue fed by the channel watchers and drained by N
// worker goroutines running normalize -> detect -> correlate -> ignore
// filter -> store in order.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
	"github.com/iff-guardian/castellan/pkg/metrics"
)

// Normalizer maps a RawEvent to a classified SecurityEvent. Must never
// return an error the pipeline has to handle — failures are represented as
// a fallback SecurityEvent.
type Normalizer interface {
	Normalize(raw models.RawEvent) *models.SecurityEvent
}

// Detector applies the matched rule plus context refinements to a
// SecurityEvent in place.
type Detector interface {
	Detect(ctx context.Context, event *models.SecurityEvent) error
}

// Correlator evaluates the sliding-window detectors and, on a match,
// upgrades the event's risk/confidence in place.
type Correlator interface {
	Correlate(ctx context.Context, event *models.SecurityEvent) models.CorrelationResult
}

// Enricher attaches external threat-intelligence context to a classified
// event. A lookup failure must never fail the pipeline; implementations
// are expected to log and leave the event unenriched.
type Enricher interface {
	Enrich(ctx context.Context, event *models.SecurityEvent)
}

// IgnoreFilter decides whether a classified event matches a known-benign
// sequence and should be suppressed before reaching the store.
type IgnoreFilter interface {
	ShouldSuppress(event *models.SecurityEvent) bool
}

// Store persists a surviving SecurityEvent (and, via its own decorator,
// broadcasts it).
type Store interface {
	AddSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
}

// Config controls queue capacity and worker concurrency.
type Config struct {
	DefaultMaxQueue     int
	ConsumerConcurrency int
	ShutdownGrace       time.Duration
}

// Pipeline wires the bounded queue to the worker pool.
type Pipeline struct {
	cfg Config
	log logger.Logger
	met *metrics.Collector

	normalizer Normalizer
	detector   Detector
	enricher   Enricher
	correlator Correlator
	ignore     IgnoreFilter
	store      Store

	queue *boundedQueue
	wg    sync.WaitGroup
}

func New(cfg Config, normalizer Normalizer, detector Detector, enricher Enricher, correlator Correlator, ignore IgnoreFilter, store Store, met *metrics.Collector, log logger.Logger) *Pipeline {
	if cfg.ConsumerConcurrency <= 0 {
		cfg.ConsumerConcurrency = 4
	}
	if cfg.DefaultMaxQueue <= 0 {
		cfg.DefaultMaxQueue = 4000
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Pipeline{
		cfg:        cfg,
		log:        log,
		met:        met,
		normalizer: normalizer,
		detector:   detector,
		enricher:   enricher,
		correlator: correlator,
		ignore:     ignore,
		store:      store,
		queue:      newBoundedQueue(cfg.DefaultMaxQueue),
	}
}

// TryEnqueue implements eventlog.QueueWriter: a non-blocking, drop-oldest
// enqueue used directly by the channel watchers.
func (p *Pipeline) TryEnqueue(raw models.RawEvent) bool {
	before := p.queue.DroppedCount()
	ok := p.queue.TryEnqueue(raw)
	if p.queue.DroppedCount() > before {
		p.met.RecordQueueDrop()
	}
	p.met.SetQueueDepth(p.queue.Len())
	return ok
}

// Run starts the worker pool and blocks until ctx is cancelled, then drains
// the queue up to the configured shutdown grace period.
func (p *Pipeline) Run(ctx context.Context) {
	for i := 0; i < p.cfg.ConsumerConcurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	<-ctx.Done()
	p.log.Info("pipeline shutting down, draining queue", "grace", p.cfg.ShutdownGrace)
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("shutdown grace period elapsed with workers still draining")
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		raw, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		p.met.SetQueueDepth(p.queue.Len())
		p.process(ctx, raw)
	}
}

func (p *Pipeline) process(ctx context.Context, raw models.RawEvent) {
	event := p.normalizer.Normalize(raw)

	if err := p.detector.Detect(ctx, event); err != nil {
		p.log.Warn("rule detection failed, keeping normalizer defaults", "event_id", raw.EventID, "error", err)
	}

	if p.enricher != nil {
		p.enricher.Enrich(ctx, event)
	}

	result := p.correlator.Correlate(ctx, event)
	if result.HasCorrelation {
		p.met.RecordCorrelationFire(result.Correlation.Type.String())
	}

	if p.ignore.ShouldSuppress(event) {
		p.met.RecordSuppression()
		return
	}

	if err := p.store.AddSecurityEvent(ctx, event); err != nil {
		eventLog := logger.WithEvent(p.log, logger.EventContext{
			Host:       event.Log.Host,
			Channel:    event.Log.Channel,
			EventID:    event.Log.EventID,
			RiskLevel:  event.Risk.String(),
			Confidence: event.Confidence,
		})
		eventLog.Error("failed to persist security event", "unique_id", raw.UniqueID, "error", err)
		p.met.RecordError("castellan", "storage-unavailable", "add_security_event")
	}
}
