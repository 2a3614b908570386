// Package events provides typed publish/subscribe topics.
//
// Delivery is synchronous and at-least-once per Publish call. There is no
// ordering guarantee between different topics, and nothing is delivered once
// a topic has been closed.
package events

import "sync"

// Topic fans a value out to every current subscriber
type Topic[T any] struct {
	name string

	mu          sync.RWMutex
	subscribers map[uint64]func(T)
	next        uint64
	closed      bool
}

// NewTopic creates an open topic
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{
		name:        name,
		subscribers: make(map[uint64]func(T)),
	}
}

// Name returns the topic name
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers fn and returns a function that removes it. Subscribing
// to a closed topic is a no-op. Handlers run on the publisher's goroutine and
// must not subscribe, unsubscribe or close from inside a delivery.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return func() {}
	}

	id := t.next
	t.next++
	t.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}
}

// Publish delivers v to every subscriber and returns how many received it.
// A panicking handler propagates to the publisher.
func (t *Topic[T]) Publish(v T) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return 0
	}

	for _, fn := range t.subscribers {
		fn(v)
	}
	return len(t.subscribers)
}

// Close drops every subscriber. It waits for in-flight deliveries to finish.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.subscribers = make(map[uint64]func(T))
}

// SubscriberCount returns the number of subscribers
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}
