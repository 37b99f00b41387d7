package backplane

import (
	"context"
	"sync"
	"sync/atomic"
)

// InMemoryBackplane is a backplane without any external transport, for
// single-process deployments and tests. It honors the self-loopback rule
// like RedisBackplane; since every message it dispatches is its own
// publish, that rule drops each one and subscribers are never called.
type InMemoryBackplane struct {
	instanceID string
	seq        atomic.Uint64

	mu          sync.RWMutex
	subscribers map[int]func(Message)
	nextID      int
}

// NewInMemoryBackplane constructs a backplane identified by instanceID.
func NewInMemoryBackplane(instanceID string) *InMemoryBackplane {
	return &InMemoryBackplane{instanceID: instanceID, subscribers: make(map[int]func(Message))}
}

func (b *InMemoryBackplane) InstanceID() string { return b.instanceID }

func (b *InMemoryBackplane) PublishKeyInvalidation(_ context.Context, key string) error {
	b.dispatch(Message{Kind: KeyInvalidation, Payload: key, OriginInstanceID: b.instanceID, Sequence: b.seq.Add(1)})
	return nil
}

func (b *InMemoryBackplane) PublishTagInvalidation(_ context.Context, tag string) error {
	b.dispatch(Message{Kind: TagInvalidation, Payload: tag, OriginInstanceID: b.instanceID, Sequence: b.seq.Add(1)})
	return nil
}

func (b *InMemoryBackplane) dispatch(msg Message) {
	b.mu.RLock()
	handlers := make([]func(Message), 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	// Self-origin messages are suppressed here, once, so every
	// implementation's subscribers share the same guarantee (spec.md §4.7).
	if msg.OriginInstanceID == b.instanceID {
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (b *InMemoryBackplane) Subscribe(handler func(Message)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *InMemoryBackplane) Close() error { return nil }
