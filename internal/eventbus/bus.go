package eventbus

import "sync"

// Topics shared between otherwise independent parts of the client.
// A publication carries no payload: listeners are expected to re-fetch
// whatever they derive from it instead of trusting a pushed value.
const (
	TopicMessageRead      = "messageRead"
	TopicNotificationRead = "notificationRead"
)

// Bus is a process-wide emitter of named, payload-less signals.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func()
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]func())}
}

// Subscribe registers fn for topic and returns a cancel function releasing
// the subscription. Cancel is safe to call more than once.
func (b *Bus) Subscribe(topic string, fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func())
	}

	id := b.nextID
	b.nextID++
	b.subs[topic][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish invokes every subscriber of topic. Subscribers run synchronously on
// the publishing goroutine, outside the Bus lock, so they may subscribe or
// cancel during delivery.
func (b *Bus) Publish(topic string) {
	b.mu.RLock()
	fns := make([]func(), 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
