// Package manager implements the get-or-create engine spec.md §4.5
// describes: policy resolution, key derivation, tiered-storage read-through,
// stampede-protected factory invocation, and write-back, wired on top of
// the l1, storage, policy, keygen, serializer, errs and resilience packages.
package manager

import (
	"context"
	"time"

	"github.com/eoniclabs/methodcache-go/errs"
	"github.com/eoniclabs/methodcache-go/keygen"
	"github.com/eoniclabs/methodcache-go/l1"
	"github.com/eoniclabs/methodcache-go/observability"
	"github.com/eoniclabs/methodcache-go/policy"
	"github.com/eoniclabs/methodcache-go/resilience"
	"github.com/eoniclabs/methodcache-go/serializer"
	"github.com/eoniclabs/methodcache-go/storage"
)

// Manager is the get-or-create engine bound to one tiered cache. It holds a
// direct reference to the L1 cache alongside the Coordinator because
// refresh-ahead detection (l1.MemoryCache.GetWithMeta's NeedsRefresh) has no
// equivalent on the uniform, []byte-based storage.Layer/Coordinator
// contract — only the in-process L1 tier can observe "this entry is near
// its expiration". The Manager talks to L1 directly for that signal while
// routing every cross-tier read/write/invalidate through the Coordinator.
type Manager struct {
	l1          *l1.MemoryCache
	coordinator *storage.Coordinator
	policies    *policy.Registry
	keys        keygen.Generator
	ser         serializer.Serializer
	lock        *resilience.DistributedLock // optional; nil disables distributed locking
	logger      observability.Logger
	metrics     observability.MetricsSink

	group slotGroup
	cbs   callbacks
	stats managerStats
}

// Config bundles a Manager's dependencies. L1 and Coordinator are required;
// everything else falls back to a sensible default.
type Config struct {
	L1          *l1.MemoryCache
	Coordinator *storage.Coordinator
	Policies    *policy.Registry
	Keys        keygen.Generator
	Serializer  serializer.Serializer
	Lock        *resilience.DistributedLock
	Logger      observability.Logger
	Metrics     observability.MetricsSink
}

// New constructs a Manager from cfg, filling in defaults for anything left
// unset the way NewCoordinator does for CoordinatorConfig.
func New(cfg Config) *Manager {
	if cfg.Keys == nil {
		cfg.Keys = keygen.FastGenerator{}
	}
	if cfg.Serializer == nil {
		cfg.Serializer = serializer.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetricsSink()
	}
	return &Manager{
		l1:          cfg.L1,
		coordinator: cfg.Coordinator,
		policies:    cfg.Policies,
		keys:        cfg.Keys,
		ser:         cfg.Serializer,
		lock:        cfg.Lock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// OnHit registers a callback fired after every cache hit.
func (m *Manager) OnHit(cb HitCallback) { m.cbs.addHit(cb) }

// OnMiss registers a callback fired after every factory-populated miss.
func (m *Manager) OnMiss(cb MissCallback) { m.cbs.addMiss(cb) }

// Stats returns a point-in-time snapshot of the manager-wide counters.
func (m *Manager) Stats() CacheManagerStats { return m.stats.snapshot() }

// Close drains the underlying Coordinator (spec.md §4.4's two-phase
// shutdown): in-flight async writes finish before any layer is closed.
func (m *Manager) Close(ctx context.Context) error {
	return m.coordinator.Close(ctx)
}

// InvalidateByKeys removes each key from every tier and publishes a
// key-invalidation to the backplane (spec.md §4.3).
func (m *Manager) InvalidateByKeys(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := m.coordinator.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateByTags removes every entry carrying any of tags from every
// tier and publishes a tag-invalidation per tag.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) error {
	for _, tag := range tags {
		if err := m.coordinator.RemoveByTag(ctx, tag); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateByPattern removes every key matching pattern (glob syntax) from
// every tier. No backplane message is published for pattern invalidation
// (see DESIGN.md): L2/L3 are shared stores so every instance already
// observes the removal there, and remote L1 copies of matched keys are
// left to expire naturally.
func (m *Manager) InvalidateByPattern(ctx context.Context, pattern string) error {
	return m.coordinator.RemoveByPattern(ctx, pattern)
}

// resolvedPolicy is the subset of a CachePolicy the get-or-create path
// actually consults, flattened out of policy.CachePolicy so getOrCreate
// doesn't have to reach into two different shapes (registry resolution vs.
// a caller-supplied policy.CachePolicy) depending on entry point.
type resolvedPolicy struct {
	duration         time.Duration
	slidingExpiration time.Duration
	refreshAheadFrac float64
	tags             []string
	version          int
	hasVersion       bool
	stampede         policy.StampedeProtection
	hasStampede      bool
	lock             policy.DistributedLock
}

func flatten(p policy.CachePolicy) resolvedPolicy {
	return resolvedPolicy{
		duration:          p.Duration,
		slidingExpiration: p.SlidingExpiration,
		refreshAheadFrac:  p.RefreshAheadFraction,
		tags:              p.Tags,
		version:           p.Version,
		hasVersion:        p.HasVersion,
		stampede:          p.Stampede,
		hasStampede:       p.HasStampede,
		lock:              p.Lock,
	}
}

func (m *Manager) resolveForMethod(methodID string) resolvedPolicy {
	if m.policies == nil {
		return resolvedPolicy{}
	}
	return flatten(m.policies.GetPolicy(methodID).Policy)
}

// GetOrCreate resolves methodID's policy from the registry, derives the
// cache key, and serves args via the tiered cache, invoking factory on a
// stampede-protected miss or refresh-ahead trigger. A cached value is
// decoded from the serializer's wire format into a fresh T for each caller;
// on a miss, the factory's own value is returned, and every caller
// coalesced onto that build receives the same value.
func GetOrCreate[T any](ctx context.Context, m *Manager, methodID string, args []keygen.Arg, factory func(context.Context) (T, error)) (T, error) {
	return getOrCreate[T](ctx, m, methodID, args, m.resolveForMethod(methodID), factory)
}

// GetOrCreateFast bypasses the policy registry lookup entirely, serving
// callers that have already resolved (or hand-built) the CachePolicy they
// want applied — spec.md §4.5's fast path for hot call sites that cache
// their own policy resolution upstream.
func GetOrCreateFast[T any](ctx context.Context, m *Manager, methodID string, args []keygen.Arg, p policy.CachePolicy, factory func(context.Context) (T, error)) (T, error) {
	return getOrCreate[T](ctx, m, methodID, args, flatten(p), factory)
}

// TryGet reads the cache without ever invoking a factory: spec.md §4.5's
// read-only accessor. ok is false on any miss, including a layer error.
func TryGet[T any](ctx context.Context, m *Manager, methodID string, args []keygen.Arg) (T, bool, error) {
	return tryGet[T](ctx, m, methodID, args, m.resolveForMethod(methodID))
}

// TryGetFast is TryGet with an already-resolved policy, for the same
// reason GetOrCreateFast exists.
func TryGetFast[T any](ctx context.Context, m *Manager, methodID string, args []keygen.Arg, p policy.CachePolicy) (T, bool, error) {
	return tryGet[T](ctx, m, methodID, args, flatten(p))
}

func tryGet[T any](ctx context.Context, m *Manager, methodID string, args []keygen.Arg, rp resolvedPolicy) (T, bool, error) {
	var zero T
	key := m.keys.Generate(methodID, args, keygen.VersionedPolicy{Version: rp.version, HasVersion: rp.hasVersion})
	value, found, _ := m.readThrough(ctx, key)
	if !found {
		m.stats.misses.Add(1)
		m.metrics.Miss(methodID)
		return zero, false, nil
	}
	var decoded T
	if err := m.ser.Deserialize(value, &decoded); err != nil {
		m.metrics.Error(methodID, "deserialize")
		return zero, false, err
	}
	m.stats.hits.Add(1)
	m.metrics.Hit(methodID)
	m.cbs.fireHit(methodID, key)
	return decoded, true, nil
}

func getOrCreate[T any](ctx context.Context, m *Manager, methodID string, args []keygen.Arg, rp resolvedPolicy, factory func(context.Context) (T, error)) (T, error) {
	var zero T
	defer observability.TimeOperation(m.metrics, methodID)()

	key := m.keys.Generate(methodID, args, keygen.VersionedPolicy{Version: rp.version, HasVersion: rp.hasVersion})

	if value, found, needsRefresh := m.readThrough(ctx, key); found {
		var decoded T
		if err := m.ser.Deserialize(value, &decoded); err != nil {
			m.metrics.Error(methodID, "deserialize")
			return zero, err
		}
		m.stats.hits.Add(1)
		m.metrics.Hit(methodID)
		m.cbs.fireHit(methodID, key)

		if needsRefresh {
			// Refresh-ahead: serve the current value immediately, kick off a
			// background rebuild so the next caller finds a fresh entry.
			// Coalesces onto the exact same single-flight key a concurrent
			// true miss for this key would use (see DESIGN.md's decision on
			// refresh-ahead/stampede-protection interaction).
			m.stats.refreshAheadTriggers.Add(1)
			go refreshInBackground[T](m, methodID, key, rp, factory)
		}
		return decoded, nil
	}

	m.stats.misses.Add(1)
	m.metrics.Miss(methodID)

	built, err := buildAndStore[T](ctx, m, methodID, key, rp, factory)
	if err != nil {
		return zero, err
	}
	m.cbs.fireMiss(methodID, key)
	return built, nil
}

// readThrough checks L1 directly (for the refresh-ahead signal) before
// falling back to the Coordinator for L2/L3. A Coordinator hit warms L1 on
// its own (spec.md §4.4), so no separate warm-back call is needed here.
func (m *Manager) readThrough(ctx context.Context, key string) (value []byte, found bool, needsRefresh bool) {
	if m.l1 != nil {
		r := m.l1.GetWithMeta(key)
		if r.Found {
			if b, ok := r.Value.([]byte); ok {
				return b, true, r.NeedsRefresh
			}
		}
	}
	b, ok, err := m.coordinator.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, false
	}
	return b, true, false
}

// buildAndStore runs factory behind single-flight coalescing (and,
// optionally, a distributed lock), serializes the result, and writes it
// through the coordinator with the policy's resolved TTL/tags/sliding
// expiration.
func buildAndStore[T any](ctx context.Context, m *Manager, methodID, key string, rp resolvedPolicy, factory func(context.Context) (T, error)) (T, error) {
	var zero T

	v, shared, err := doWithStampedeTimeout(m, key, rp, func() (interface{}, error) {
		return invokeFactoryAndStore[T](ctx, m, methodID, key, rp, factory)
	})
	if shared {
		m.stats.coalescedCalls.Add(1)
	}
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// doWithStampedeTimeout runs fn through the single-flight group. If the
// policy sets a stampede timeout, a caller that has waited longer than that
// gives up and returns errs.StampedeTimeout to itself without cancelling
// the in-flight call for everyone else still coalesced on it.
func doWithStampedeTimeout(m *Manager, key string, rp resolvedPolicy, fn func() (interface{}, error)) (interface{}, bool, error) {
	if !rp.hasStampede || rp.stampede.Timeout <= 0 {
		return m.group.do(key, fn)
	}

	type outcome struct {
		value  interface{}
		shared bool
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		v, shared, err := m.group.do(key, fn)
		done <- outcome{value: v, shared: shared, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.shared, o.err
	case <-time.After(rp.stampede.Timeout):
		m.stats.stampedeTimeouts.Add(1)
		return nil, false, errs.New(errs.StampedeTimeout, "factory for key "+key+" exceeded stampede protection timeout")
	}
}

// invokeFactoryAndStore acquires the optional distributed lock, calls
// factory, and writes the serialized result to every tier before returning
// it to every coalesced caller.
func invokeFactoryAndStore[T any](ctx context.Context, m *Manager, methodID, key string, rp resolvedPolicy, factory func(context.Context) (T, error)) (T, error) {
	var zero T

	release, err := m.acquireLockIfConfigured(ctx, key, rp)
	if err != nil {
		return zero, err
	}
	if release != nil {
		defer release()
	}

	m.stats.factoryInvocations.Add(1)
	value, err := factory(ctx)
	if err != nil {
		m.stats.factoryErrors.Add(1)
		m.metrics.Error(methodID, "factory")
		return zero, errs.Wrap(errs.FactoryFailure, err, "factory for %s", methodID)
	}

	encoded, err := m.ser.Serialize(value)
	if err != nil {
		m.metrics.Error(methodID, "serialize")
		return zero, err
	}

	if err := m.coordinator.Set(ctx, key, encoded, rp.duration, rp.tags); err != nil {
		m.logger.Warn("cache write-back failed", map[string]interface{}{"method_id": methodID, "key": key, "error": err.Error()})
	}
	if m.l1 != nil && (rp.slidingExpiration > 0 || rp.refreshAheadFrac > 0) {
		// SetAdvanced applied a second time so the sliding-expiration and
		// refresh-ahead parameters reach L1 directly: the Coordinator.Set
		// above went through the generic Layer.Set, which has no field for
		// either.
		ttl := rp.duration
		if ttl <= 0 {
			ttl = storage.DefaultL1Expiration
		}
		m.l1.SetAdvanced(key, encoded, ttl, rp.slidingExpiration, rp.refreshAheadFrac, rp.tags)
	}

	return value, nil
}

// acquireLockIfConfigured takes the policy's distributed lock, if any, and
// returns a release func. A nil release with a nil error means no lock was
// configured.
func (m *Manager) acquireLockIfConfigured(ctx context.Context, key string, rp resolvedPolicy) (func(), error) {
	if !rp.lock.Enabled || m.lock == nil {
		return nil, nil
	}
	lease, err := m.lock.Lock(ctx, key, rp.lock.Wait, rp.lock.Lease)
	if err != nil {
		m.stats.lockTimeouts.Add(1)
		return nil, errs.Wrap(errs.LockUnavailable, err, "lock for key %s", key)
	}
	m.stats.lockAcquisitions.Add(1)
	return func() {
		if err := lease.Release(context.Background()); err != nil {
			m.logger.Warn("lock release failed", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}, nil
}

// refreshInBackground rebuilds key's value without blocking the caller that
// observed the refresh-ahead trigger. Errors are logged, not propagated:
// nobody is waiting on this call.
func refreshInBackground[T any](m *Manager, methodID, key string, rp resolvedPolicy, factory func(context.Context) (T, error)) {
	ctx := context.Background()
	if _, err := buildAndStore[T](ctx, m, methodID, key, rp, factory); err != nil {
		m.logger.Warn("refresh-ahead rebuild failed", map[string]interface{}{"method_id": methodID, "key": key, "error": err.Error()})
	}
}
