package store

import (
	"context"
	"sync"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
	"github.com/iff-guardian/castellan/pkg/metrics"
)

// StreamName identifies one of the two live-broadcast channels.
type StreamName string

const (
	StreamSecurityEvent    StreamName = "security_event"
	StreamCorrelationAlert StreamName = "correlation_alert"
)

// Subscriber is a per-client buffered channel of broadcast projections.
type Subscriber chan models.BroadcastProjection

// Hub fans a projection out to every subscriber of a stream, dropping it for
// any subscriber whose buffer is full rather than blocking the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[StreamName]map[Subscriber]bool
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[StreamName]map[Subscriber]bool)}
}

func (h *Hub) Subscribe(stream StreamName) Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[stream] == nil {
		h.subscribers[stream] = make(map[Subscriber]bool)
	}
	sub := make(Subscriber, 64)
	h.subscribers[stream][sub] = true
	return sub
}

func (h *Hub) Unsubscribe(stream StreamName, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[stream], sub)
	close(sub)
}

func (h *Hub) publish(stream StreamName, projection models.BroadcastProjection) (delivered, total int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers[stream] {
		total++
		select {
		case sub <- projection:
			delivered++
		default:
		}
	}
	return delivered, total
}

// BroadcastStore decorates a Store with a best-effort fan-out of a sanitized
// projection to the security_event stream and, for correlation-based
// events, the correlation_alert stream. Broadcast failures never fail the
// write and are surfaced only through metrics.
type BroadcastStore struct {
	inner Store
	hub   *Hub
	met   *metrics.Collector
	log   logger.Logger
}

// Store is the subset of the durable store the decorator needs.
type Store interface {
	AddSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
}

func NewBroadcastStore(inner Store, hub *Hub, met *metrics.Collector, log logger.Logger) *BroadcastStore {
	return &BroadcastStore{inner: inner, hub: hub, met: met, log: log}
}

func (b *BroadcastStore) AddSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	if err := b.inner.AddSecurityEvent(ctx, event); err != nil {
		return err
	}

	projection := event.Projection()
	b.tryBroadcast(StreamSecurityEvent, projection)
	if event.IsCorrelationBased {
		b.tryBroadcast(StreamCorrelationAlert, projection)
	}
	return nil
}

func (b *BroadcastStore) tryBroadcast(stream StreamName, projection models.BroadcastProjection) {
	defer func() {
		if r := recover(); r != nil {
			b.met.RecordBroadcastFailure(string(stream))
			b.log.Error("broadcast panicked", "stream", stream, "recovered", r)
		}
	}()
	delivered, total := b.hub.publish(stream, projection)
	if total > 0 && delivered < total {
		b.met.RecordBroadcastFailure(string(stream))
	}
}
