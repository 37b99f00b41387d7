package storage

import (
	"context"
	"time"

	"github.com/eoniclabs/methodcache-go/resilience"
)

// BreakerLayer wraps any Layer with a circuit breaker so a failing L2/L3
// dependency fails fast instead of hanging every read-through caller once
// it has tripped. Grounded on the teacher's pattern of wrapping a remote
// call with CircuitBreaker.Execute before it ever reaches the network.
type BreakerLayer struct {
	inner   Layer
	breaker resilience.Breaker
}

// NewBreakerLayer wraps inner with breaker. Typically used for L2/L3; L1
// never needs one since it never leaves the process.
func NewBreakerLayer(inner Layer, breaker resilience.Breaker) *BreakerLayer {
	return &BreakerLayer{inner: inner, breaker: breaker}
}

func (b *BreakerLayer) Name() string { return b.inner.Name() }

func (b *BreakerLayer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		value []byte
		found bool
	}
	v, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		value, found, err := b.inner.Get(ctx, key)
		return result{value: value, found: found}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	return r.value, r.found, nil
}

func (b *BreakerLayer) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	_, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.inner.Set(ctx, key, value, ttl, tags)
	})
	return err
}

func (b *BreakerLayer) Remove(ctx context.Context, key string) error {
	_, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.inner.Remove(ctx, key)
	})
	return err
}

func (b *BreakerLayer) RemoveByTag(ctx context.Context, tag string) error {
	_, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.inner.RemoveByTag(ctx, tag)
	})
	return err
}

func (b *BreakerLayer) RemoveByPattern(ctx context.Context, pattern string) error {
	_, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.inner.RemoveByPattern(ctx, pattern)
	})
	return err
}

func (b *BreakerLayer) Exists(ctx context.Context, key string) (bool, error) {
	v, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return b.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Health reports Unhealthy whenever the breaker itself is open, even if
// the wrapped layer would otherwise report healthy, since an open breaker
// means this layer is currently unusable from the coordinator's view.
func (b *BreakerLayer) Health(ctx context.Context) Health {
	if b.breaker.IsOpen() {
		return Unhealthy
	}
	return b.inner.Health(ctx)
}

func (b *BreakerLayer) Stats(ctx context.Context) Stats { return b.inner.Stats(ctx) }

// Close delegates to the wrapped layer if it is closeable.
func (b *BreakerLayer) Close() error {
	if closer, ok := b.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
