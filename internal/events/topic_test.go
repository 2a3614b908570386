package events

import (
	"sync"
	"testing"
)

func TestTopicPublish(t *testing.T) {
	topic := NewTopic[int]("numbers")

	var mu sync.Mutex
	var a, b []int
	topic.Subscribe(func(v int) { mu.Lock(); a = append(a, v); mu.Unlock() })
	unsubscribe := topic.Subscribe(func(v int) { mu.Lock(); b = append(b, v); mu.Unlock() })

	if n := topic.Publish(1); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}

	unsubscribe()
	unsubscribe()

	if n := topic.Publish(2); n != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", n)
	}

	if len(a) != 2 || len(b) != 1 {
		t.Errorf("expected a=[1 2] b=[1], got a=%v b=%v", a, b)
	}
}

func TestTopicNoDeliveryAfterClose(t *testing.T) {
	topic := NewTopic[string]("state")

	delivered := 0
	topic.Subscribe(func(string) { delivered++ })
	topic.Close()

	if n := topic.Publish("late"); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
	topic.Subscribe(func(string) { delivered++ })
	topic.Publish("later")

	if delivered != 0 {
		t.Errorf("expected nothing delivered after close, got %d", delivered)
	}
	if topic.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers, got %d", topic.SubscriberCount())
	}
}

func TestTopicConcurrentPublishers(t *testing.T) {
	topic := NewTopic[int]("counter")

	var mu sync.Mutex
	total := 0
	topic.Subscribe(func(v int) {
		mu.Lock()
		total += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			topic.Publish(1)
		}()
	}
	wg.Wait()

	if total != 50 {
		t.Errorf("expected 50, got %d", total)
	}
}
