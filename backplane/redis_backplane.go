package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/eoniclabs/methodcache-go/observability"
)

// wireMessage is Message's JSON envelope on the channel. Kept separate from
// Message itself so the wire format can evolve independently of the Go type.
type wireMessage struct {
	Kind             Kind   `json:"kind"`
	Payload          string `json:"payload"`
	OriginInstanceID string `json:"origin_instance_id"`
	Sequence         uint64 `json:"sequence"`
}

// RedisBackplane publishes and receives invalidation events over a single
// Redis pub/sub channel. spec.md §4.7 leaves the transport open ("pub/sub,
// polling tables, or streams"); classic PUBLISH/SUBSCRIBE is the most direct
// fit since events are fire-and-forget and replay is never required.
type RedisBackplane struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     observability.Logger

	seq atomic.Uint64

	mu          sync.RWMutex
	subscribers map[int]func(Message)
	nextID      int

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBackplane subscribes to channel on client and starts the receive
// loop. instanceID must be unique per process; it is stamped on every
// outgoing message so Subscribe can filter out this instance's own events.
func NewRedisBackplane(client *redis.Client, channel, instanceID string, logger observability.Logger) *RedisBackplane {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBackplane{
		client:      client,
		channel:     channel,
		instanceID:  instanceID,
		logger:      logger,
		subscribers: make(map[int]func(Message)),
		pubsub:      client.Subscribe(ctx, channel),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go b.receiveLoop(ctx)
	return b
}

func (b *RedisBackplane) InstanceID() string { return b.instanceID }

func (b *RedisBackplane) PublishKeyInvalidation(ctx context.Context, key string) error {
	return b.publish(ctx, KeyInvalidation, key)
}

func (b *RedisBackplane) PublishTagInvalidation(ctx context.Context, tag string) error {
	return b.publish(ctx, TagInvalidation, tag)
}

func (b *RedisBackplane) publish(ctx context.Context, kind Kind, payload string) error {
	wm := wireMessage{
		Kind:             kind,
		Payload:          payload,
		OriginInstanceID: b.instanceID,
		Sequence:         b.seq.Add(1),
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("backplane: marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("backplane: publish on %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(handler func(Message)) func() {
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

func (b *RedisBackplane) receiveLoop(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRaw(msg.Payload)
		}
	}
}

func (b *RedisBackplane) handleRaw(payload string) {
	var wm wireMessage
	if err := json.Unmarshal([]byte(payload), &wm); err != nil {
		b.logger.Warn("backplane: discarding malformed message", map[string]interface{}{
			"channel": b.channel, "error": err.Error(),
		})
		return
	}
	if wm.OriginInstanceID == b.instanceID {
		return // self-loopback suppression, spec.md §4.7/invariant 8.
	}
	msg := Message{
		Kind:             wm.Kind,
		Payload:          wm.Payload,
		OriginInstanceID: wm.OriginInstanceID,
		Sequence:         wm.Sequence,
	}

	b.mu.RLock()
	handlers := make([]func(Message), 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Close stops the receive loop and releases the underlying subscription.
func (b *RedisBackplane) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	return err
}
