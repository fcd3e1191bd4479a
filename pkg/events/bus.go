package events

import (
	"sync"
	"time"
)

const defaultBuffer = 64

// Bus fans published events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the drop hook fires.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscription
	nextID      uint64
	closed      bool
	onDrop      func(Event)
}

type subscription struct {
	ch     chan Event
	filter func(Type) bool
}

// Option configures a Bus
type Option func(*Bus)

// WithDropHook registers a callback for events a subscriber could not take
func WithDropHook(fn func(Event)) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving every event and a cancel func that
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeFunc(buffer, nil)
}

// SubscribeFunc is Subscribe restricted to event types accepted by filter.
// A nil filter accepts everything.
func (b *Bus) SubscribeFunc(buffer int, filter func(Type) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = &subscription{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			sub, ok := b.subscribers[id]
			if !ok {
				return
			}
			delete(b.subscribers, id)
			close(sub.ch)
		})
	}
	return ch, cancel
}

// Publish delivers evt to all matching subscribers
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if b.onDrop != nil {
				b.onDrop(evt)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel; later publishes are dropped
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
