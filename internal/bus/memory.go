package bus

import (
	"context"
	"sync"
)

// MemoryBus keeps published messages in memory and fans them out to
// in-process subscribers. Failures can be injected for tests.
type MemoryBus struct {
	mu          sync.RWMutex
	messages    map[string][]Message
	subscribers map[string][]Handler
	failWith    error
	closed      bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		messages:    make(map[string][]Message),
		subscribers: make(map[string][]Handler),
	}
}

// Publish records msg and calls every subscriber of its topic.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.failWith != nil {
		err := b.failWith
		b.mu.Unlock()
		return err
	}
	msg.Value = append([]byte(nil), msg.Value...)
	b.messages[msg.Topic] = append(b.messages[msg.Topic], msg)
	handlers := append([]Handler(nil), b.subscribers[msg.Topic]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers h for topic.
func (b *MemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// FailWith makes every Publish return err until called with nil.
func (b *MemoryBus) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

// Messages returns a copy of everything published to topic.
func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.messages[topic]...)
}

// Close rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
