// Package badge keeps the navigation unread counters consistent with the
// rest of the client. It never receives counts from other components: a read
// signal only tells it to re-fetch the authoritative value from the backend,
// which keeps independently rendered regions from drifting apart.
package badge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"assemble-chat-client/internal/api"
	"assemble-chat-client/internal/eventbus"
)

// Counts is a snapshot of both badge counters.
type Counts struct {
	Messages      int64
	Notifications int64
}

// Watcher subscribes to the read topics and maintains the counters.
type Watcher struct {
	logger   *zap.SugaredLogger
	api      *api.Client
	bus      *eventbus.Bus
	onChange func(Counts)

	mu      sync.Mutex
	counts  Counts
	cancels []func()
	started bool
}

// NewWatcher builds a Watcher. onChange, if non-nil, runs after every
// successful refresh.
func NewWatcher(logger *zap.SugaredLogger, client *api.Client, bus *eventbus.Bus, onChange func(Counts)) *Watcher {
	return &Watcher{logger: logger, api: client, bus: bus, onChange: onChange}
}

// Start performs an initial fetch of both counters and subscribes to the
// read topics. Calling Start twice is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.refreshMessages(ctx)
	w.refreshNotifications(ctx)

	cancelMsg := w.bus.Subscribe(eventbus.TopicMessageRead, func() {
		w.refreshMessages(ctx)
	})
	cancelNotif := w.bus.Subscribe(eventbus.TopicNotificationRead, func() {
		w.refreshNotifications(ctx)
	})

	w.mu.Lock()
	w.cancels = append(w.cancels, cancelMsg, cancelNotif)
	w.mu.Unlock()
}

// Stop releases the subscriptions.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancels := w.cancels
	w.cancels = nil
	w.started = false
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Counts returns the latest snapshot.
func (w *Watcher) Counts() Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts
}

func (w *Watcher) refreshMessages(ctx context.Context) {
	count, err := w.api.UnreadCount(ctx)
	if err != nil {
		// A failed refresh keeps the previous value; the next signal
		// tries again.
		w.logger.Debugw("unread-count refresh failed", "error", err)
		return
	}

	w.mu.Lock()
	w.counts.Messages = count
	counts := w.counts
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(counts)
	}
}

func (w *Watcher) refreshNotifications(ctx context.Context) {
	count, err := w.api.NotificationCount(ctx)
	if err != nil {
		w.logger.Debugw("notification-count refresh failed", "error", err)
		return
	}

	w.mu.Lock()
	w.counts.Notifications = count
	counts := w.counts
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(counts)
	}
}
