// Package eventlog implements the multi-channel Windows Event Log watcher
// (C1): one subscription task per configured channel, non-blocking enqueue
// into the ingest pipeline, and periodic durable bookmark flush.
package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/iff-guardian/castellan/internal/bookmark"
	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
	"go.uber.org/multierr"
)

// ChannelConfig is the per-channel configuration named in the external
// interfaces section: name, XPath filter, enabled flag, and the bounded
// queue size this channel feeds.
type ChannelConfig struct {
	Name        string
	XPathFilter string
	Enabled     bool
	MaxQueue    int
}

// QueueWriter is the non-blocking sink the watcher enqueues into. TryEnqueue
// returns false when the event was not accepted; the caller never blocks on
// it. The pipeline's queue refuses events only once it has been closed for
// shutdown; on overflow it drops its oldest entry and accepts the new one.
type QueueWriter interface {
	TryEnqueue(models.RawEvent) bool
}

const bookmarkFlushInterval = 30 * time.Second

// subscription is the platform-specific half of a channel watch: start it,
// receive delivered raw events through the onEvent callback it was built
// with, and stop it on Close.
type subscription interface {
	Start(ctx context.Context) error
	Close() error
}

// channelWatcher runs one channel's subscription, enqueues delivered events,
// and owns that channel's bookmark flush timer.
type channelWatcher struct {
	cfg       ChannelConfig
	queue     QueueWriter
	bookmarks *bookmark.Store
	log       logger.Logger

	mu          sync.Mutex
	lastToken   string
	lastFlushed string
	running     bool
	healthy     bool
	lastErr     error
}

// Manager owns one channelWatcher per configured channel and aggregates
// their lifecycle and health.
type Manager struct {
	log       logger.Logger
	bookmarks *bookmark.Store
	queue     QueueWriter

	mu       sync.RWMutex
	watchers map[string]*channelWatcher
}

// NewManager builds a watcher manager. queue is the C2 ingest queue.
func NewManager(bookmarks *bookmark.Store, queue QueueWriter, log logger.Logger) *Manager {
	return &Manager{
		log:       log,
		bookmarks: bookmarks,
		queue:     queue,
		watchers:  make(map[string]*channelWatcher),
	}
}

// Start launches one watcher per enabled channel. A channel failing to start
// (most commonly permission-denied on the subscription) is logged and
// excluded; other channels are unaffected. Start-time failures across
// channels are aggregated via multierr and returned for the caller's health
// reporting, but never prevent the healthy channels from running.
func (m *Manager) Start(ctx context.Context, channels []ChannelConfig) error {
	var errs error
	for _, cfg := range channels {
		if !cfg.Enabled {
			continue
		}
		w := &channelWatcher{
			cfg:       cfg,
			queue:     m.queue,
			bookmarks: m.bookmarks,
			log:       m.log.With("channel", cfg.Name),
		}
		m.mu.Lock()
		m.watchers[cfg.Name] = w
		m.mu.Unlock()

		if err := w.start(ctx); err != nil {
			errs = multierr.Append(errs, err)
			m.log.Warn("channel watcher failed to start, leaving it down", "channel", cfg.Name, "error", err)
			continue
		}
	}
	return errs
}

// HealthStatus reports per-channel health for the health endpoint.
func (m *Manager) HealthStatus() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]error, len(m.watchers))
	for name, w := range m.watchers {
		w.mu.Lock()
		out[name] = w.lastErr
		w.mu.Unlock()
	}
	return out
}

func (w *channelWatcher) start(ctx context.Context) error {
	token, _, err := w.bookmarks.Load(w.cfg.Name)
	if err != nil {
		w.log.Warn("failed to load bookmark, resuming from tail", "error", err)
	}
	w.lastToken = token

	sub, err := newSubscription(w.cfg, token, w.onEvent, w.log)
	if err != nil {
		w.setUnhealthy(err)
		return err
	}
	if err := sub.Start(ctx); err != nil {
		w.setUnhealthy(err)
		return err
	}
	w.mu.Lock()
	w.running = true
	w.healthy = true
	w.mu.Unlock()

	go w.flushLoop(ctx, sub)
	return nil
}

func (w *channelWatcher) setUnhealthy(err error) {
	w.mu.Lock()
	w.healthy = false
	w.lastErr = err
	w.mu.Unlock()
}

// onEvent is invoked by the platform subscription for every delivered
// record. It never blocks: a delivery the queue refuses is dropped and the
// bookmark is left untouched so the subscription can redeliver on next start.
func (w *channelWatcher) onEvent(raw models.RawEvent) {
	if !w.queue.TryEnqueue(raw) {
		w.log.Warn("queue refused delivery, dropping it without advancing bookmark", "event_id", raw.EventID)
		return
	}
	w.mu.Lock()
	w.lastToken = raw.BookmarkPos
	w.mu.Unlock()
}

func (w *channelWatcher) flushLoop(ctx context.Context, sub subscription) {
	ticker := time.NewTicker(bookmarkFlushInterval)
	defer ticker.Stop()
	defer sub.Close()
	defer w.flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *channelWatcher) flush() {
	w.mu.Lock()
	token := w.lastToken
	already := token == w.lastFlushed
	w.mu.Unlock()
	if already || token == "" {
		return
	}
	if err := w.bookmarks.Save(w.cfg.Name, token); err != nil {
		w.log.Error("failed to flush bookmark", "error", err)
		return
	}
	w.mu.Lock()
	w.lastFlushed = token
	w.mu.Unlock()
}
