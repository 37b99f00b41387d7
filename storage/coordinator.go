package storage

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/eoniclabs/methodcache-go/backplane"
	"github.com/eoniclabs/methodcache-go/observability"
	"github.com/eoniclabs/methodcache-go/resilience"
)

// WriteMode controls whether writes to layers below L1 happen inline with
// the caller's Set call or are dispatched in the background, the same
// choice the teacher's TieredCache.Set makes (synchronous L1, `go
// tc.setRedisAsync` for L2).
type WriteMode int

const (
	WriteSync WriteMode = iota
	WriteAsync
)

const (
	// DefaultL1Expiration is used for an L1 write when the caller's ttl is
	// unset (zero) and as the warm-on-read ttl when a lower layer doesn't
	// expose its entry's remaining lifetime.
	DefaultL1Expiration = 5 * time.Minute
	// DefaultL1MaxExpiration caps how long any single entry may live in L1,
	// regardless of the ttl requested for the lower tiers.
	DefaultL1MaxExpiration = 30 * time.Minute
	// DefaultAsyncWriteTimeout bounds a single background write to a
	// lower-tier layer.
	DefaultAsyncWriteTimeout = 2 * time.Second
	// asyncWriteRetryDelay is the fixed delay between the two attempts
	// dispatchAsyncWrites makes at a background layer write.
	asyncWriteRetryDelay = 50 * time.Millisecond
)

// CoordinatorConfig tunes the tiered read/write protocol (spec.md §4.4).
type CoordinatorConfig struct {
	L1DefaultExpiration time.Duration
	L1MaxExpiration     time.Duration
	WriteMode           WriteMode
	AsyncWriteTimeout    time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.L1DefaultExpiration <= 0 {
		c.L1DefaultExpiration = DefaultL1Expiration
	}
	if c.L1MaxExpiration <= 0 {
		c.L1MaxExpiration = DefaultL1MaxExpiration
	}
	if c.AsyncWriteTimeout <= 0 {
		c.AsyncWriteTimeout = DefaultAsyncWriteTimeout
	}
	return c
}

// clampL1TTL applies the "at most L1MaxExpiration, default when unset" rule
// spec.md §4.4 assigns to the fast tier: L1 never outlives the requested
// ttl, but it also never gets a longer life than L1MaxExpiration even when
// the underlying value's own ttl is larger, and it falls back to
// L1DefaultExpiration when the caller passed no ttl (ttl <= 0) — e.g. when
// warming L1 from an L2/L3 hit whose remaining lifetime isn't known here.
func (c CoordinatorConfig) clampL1TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.L1DefaultExpiration
	}
	if ttl > c.L1MaxExpiration {
		ttl = c.L1MaxExpiration
	}
	return ttl
}

// Coordinator composes an ordered list of Layers (fastest first, normally
// L1 memory, L2 distributed, L3 persistent) with a Backplane for
// cross-instance invalidation, implementing the single read/write pipeline
// every cache operation goes through. Grounded on the teacher's
// TieredCache: read-through-and-warm, synchronous L1 / asynchronous L2
// writes, and worst-case health aggregation, generalized from two fixed
// tiers to an arbitrary ordered layer list plus a real tag index.
type Coordinator struct {
	layers    []Layer
	backplane backplane.Backplane
	config    CoordinatorConfig
	logger    observability.Logger
	metrics   observability.MetricsSink

	unsubscribe func()

	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// NewCoordinator builds a Coordinator over layers (ordered fastest-first).
// bp may be nil, in which case cross-instance invalidation is disabled.
func NewCoordinator(layers []Layer, bp backplane.Backplane, config CoordinatorConfig, logger observability.Logger, metrics observability.MetricsSink) *Coordinator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsSink()
	}
	c := &Coordinator{
		layers:    layers,
		backplane: bp,
		config:    config.withDefaults(),
		logger:    logger,
		metrics:   metrics,
	}
	if bp != nil {
		c.unsubscribe = bp.Subscribe(c.onBackplaneMessage)
	}
	return c
}

// onBackplaneMessage applies an inbound (already self-filtered, per
// backplane.Backplane's contract) invalidation to the local fast tier only
// — lower tiers are shared storage and already reflect the origin
// instance's write/remove.
func (c *Coordinator) onBackplaneMessage(msg backplane.Message) {
	if len(c.layers) == 0 {
		return
	}
	l1 := c.layers[0]
	ctx := context.Background()
	var err error
	switch msg.Kind {
	case backplane.KeyInvalidation:
		err = l1.Remove(ctx, msg.Payload)
	case backplane.TagInvalidation:
		err = l1.RemoveByTag(ctx, msg.Payload)
	}
	if err != nil {
		c.logger.Warn("coordinator: failed to apply backplane invalidation", map[string]interface{}{
			"kind": string(msg.Kind), "payload": msg.Payload, "error": err.Error(),
		})
	}
}

// Get reads key from the fastest layer that has it, warming every faster
// layer along the way (spec.md §4.4's read-through-and-warm protocol). A
// layer error is logged and treated as a miss for that layer so one
// unhealthy tier never blocks the chain.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for i, layer := range c.layers {
		value, found, err := layer.Get(ctx, key)
		if err != nil {
			c.metrics.Error(layer.Name(), "get")
			c.logger.Warn("coordinator: layer get failed, treating as miss", map[string]interface{}{
				"layer": layer.Name(), "key": key, "error": err.Error(),
			})
			continue
		}
		if !found {
			continue
		}
		c.warmFasterLayers(ctx, i, key, value)
		return value, true, nil
	}
	return nil, false, nil
}

// warmFasterLayers populates every layer faster than the one that actually
// served the hit, the way the teacher's Get populates L1 after an L2 hit.
func (c *Coordinator) warmFasterLayers(ctx context.Context, hitIndex int, key string, value []byte) {
	if hitIndex == 0 {
		return
	}
	ttl := c.config.clampL1TTL(0)
	for i := 0; i < hitIndex; i++ {
		layer := c.layers[i]
		if err := layer.Set(ctx, key, value, ttl, nil); err != nil {
			c.logger.Warn("coordinator: failed to warm faster layer", map[string]interface{}{
				"layer": layer.Name(), "key": key, "error": err.Error(),
			})
		}
	}
}

// Set writes value to every layer. The fast (first) layer is always
// written synchronously with its ttl clamped per clampL1TTL; remaining
// layers are written synchronously or dispatched to the background
// depending on WriteMode. Tag bookkeeping is each layer's own
// responsibility (RedisLayer and PersistentLayer record tags atomically
// with the value in the same call).
func (c *Coordinator) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if len(c.layers) == 0 {
		return nil
	}
	l1TTL := c.config.clampL1TTL(ttl)
	if err := c.layers[0].Set(ctx, key, value, l1TTL, tags); err != nil {
		c.metrics.Error(c.layers[0].Name(), "set")
		return err
	}

	rest := c.layers[1:]
	switch c.config.WriteMode {
	case WriteAsync:
		c.dispatchAsyncWrites(rest, key, value, ttl, tags)
		return nil
	default:
		for _, layer := range rest {
			if err := layer.Set(ctx, key, value, ttl, tags); err != nil {
				c.metrics.Error(layer.Name(), "set")
				c.logger.Warn("coordinator: layer set failed", map[string]interface{}{
					"layer": layer.Name(), "key": key, "error": err.Error(),
				})
			}
		}
		return nil
	}
}

// dispatchAsyncWrites fires one goroutine per remaining layer with its own
// bounded context and a single best-effort retry (one retry after a fixed
// asyncWriteRetryDelay, via cenkalti/backoff/v4 the same way the teacher's
// retry.go backs off), matching the teacher's setRedisAsync (which retries
// zero times) while satisfying spec.md §9's "failures are logged and
// surfaced via metrics" requirement with the smallest addition beyond the
// teacher's existing behavior. Tracked by c.wg so Close can wait for
// in-flight writes to drain.
func (c *Coordinator) dispatchAsyncWrites(layers []Layer, key string, value []byte, ttl time.Duration, tags []string) {
	for _, layer := range layers {
		layer := layer
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			attempt := func() error {
				writeCtx, cancel := context.WithTimeout(context.Background(), c.config.AsyncWriteTimeout)
				defer cancel()
				return layer.Set(writeCtx, key, value, ttl, tags)
			}
			err := resilience.Retry(context.Background(), resilience.RetryConfig{
				MaxRetries:      1,
				InitialInterval: asyncWriteRetryDelay,
				MaxInterval:     asyncWriteRetryDelay,
				Multiplier:      1,
			}, attempt)
			if err == nil {
				return
			}
			c.metrics.Error(layer.Name(), "async_set")
			c.logger.Warn("coordinator: async layer set failed after retry", map[string]interface{}{
				"layer": layer.Name(), "key": key, "error": err.Error(),
			})
		}()
	}
}

// Remove deletes key from every layer in parallel, then publishes a
// key-invalidation event so other instances drop their own L1 copy.
func (c *Coordinator) Remove(ctx context.Context, key string) error {
	c.forEachLayerParallel(func(layer Layer) error {
		return layer.Remove(ctx, key)
	}, "remove", key)

	if c.backplane != nil {
		if err := c.backplane.PublishKeyInvalidation(ctx, key); err != nil {
			c.logger.Warn("coordinator: failed to publish key invalidation", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
		}
	}
	return nil
}

// RemoveByTag deletes every key tagged tag from every layer in parallel,
// then publishes a tag-invalidation event. Whether this is a precise
// tag-index sweep or a full-keyspace clear is decided inside each layer's
// own RemoveByTag (e.g. l1.MemoryCache's EfficientTagInvalidation option).
func (c *Coordinator) RemoveByTag(ctx context.Context, tag string) error {
	c.forEachLayerParallel(func(layer Layer) error {
		return layer.RemoveByTag(ctx, tag)
	}, "remove_by_tag", tag)

	if c.backplane != nil {
		if err := c.backplane.PublishTagInvalidation(ctx, tag); err != nil {
			c.logger.Warn("coordinator: failed to publish tag invalidation", map[string]interface{}{
				"tag": tag, "error": err.Error(),
			})
		}
	}
	return nil
}

// RemoveByPattern deletes every key matching pattern from every layer in
// parallel. It does not publish a backplane event: backplane.Kind has no
// pattern variant (spec.md §3 defines only key/tag messages), so remote
// L1 copies of matched keys are left to expire naturally. Distributed
// layers (L2/L3) are shared storage, so every instance already observes
// the removal there on its next lower-tier read.
func (c *Coordinator) RemoveByPattern(ctx context.Context, pattern string) error {
	c.forEachLayerParallel(func(layer Layer) error {
		return layer.RemoveByPattern(ctx, pattern)
	}, "remove_by_pattern", pattern)
	return nil
}

func (c *Coordinator) forEachLayerParallel(op func(Layer) error, opName, subject string) {
	var wg sync.WaitGroup
	for _, layer := range c.layers {
		layer := layer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := op(layer); err != nil {
				c.metrics.Error(layer.Name(), opName)
				c.logger.Warn("coordinator: layer operation failed", map[string]interface{}{
					"layer": layer.Name(), "op": opName, "subject": subject, "error": err.Error(),
				})
			}
		}()
	}
	wg.Wait()
}

// Exists reports whether key is present in any layer, checking
// fastest-first and short-circuiting on the first hit.
func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	for _, layer := range c.layers {
		ok, err := layer.Exists(ctx, key)
		if err != nil {
			c.logger.Warn("coordinator: layer exists failed, continuing", map[string]interface{}{
				"layer": layer.Name(), "key": key, "error": err.Error(),
			})
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Health aggregates every layer's health by strict worst-case: any
// Unhealthy layer makes the whole coordinator Unhealthy, any Degraded
// layer (with no Unhealthy present) makes it Degraded.
func (c *Coordinator) Health(ctx context.Context) Health {
	worst := Healthy
	for _, layer := range c.layers {
		switch layer.Health(ctx) {
		case Unhealthy:
			return Unhealthy
		case Degraded:
			worst = Degraded
		}
	}
	return worst
}

// Stats returns every layer's statistics keyed by layer name.
func (c *Coordinator) Stats(ctx context.Context) map[string]Stats {
	out := make(map[string]Stats, len(c.layers))
	for _, layer := range c.layers {
		out[layer.Name()] = layer.Stats(ctx)
	}
	return out
}

// Close performs the two-phase shutdown SPEC_FULL.md §C describes: first stop
// accepting new cross-instance invalidations and wait (bounded by ctx) for
// in-flight async writes to drain, then close every layer that owns a
// closeable resource.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		c.logger.Warn("coordinator: shutdown timed out waiting for in-flight writes", nil)
	}

	var firstErr error
	for _, layer := range c.layers {
		if closer, ok := layer.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
