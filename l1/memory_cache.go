// Package l1 implements the in-memory cache described in spec.md §4.3: a
// concurrent key->entry map with expiration, a tag index, and one of three
// selectable approximate-LRU eviction strategies.
package l1

import (
	"sync"
	"time"

	"github.com/eoniclabs/methodcache-go/observability"
)

// StrategyKind names one of the three selectable LRU strategies.
type StrategyKind string

const (
	Precise       StrategyKind = "precise"
	Probabilistic StrategyKind = "probabilistic" // default
	Clock         StrategyKind = "clock"
)

// Config configures a MemoryCache. Zero-valued strategy and numeric fields
// fall back to the defaults named in spec.md §6's configuration table; the
// two bool switches (EnableStatistics, EfficientTagInvalidation) are off
// when left false. NewWithDefaults turns both on.
type Config struct {
	// Strategy selects one of Precise/Probabilistic/Clock. Defaults to
	// Probabilistic.
	Strategy StrategyKind

	// LRUUpdateProbability is used only by the Probabilistic strategy.
	// Defaults to 0.01.
	LRUUpdateProbability float64

	// MaxTagMappings bounds the tag index. Defaults to 10000.
	MaxTagMappings int

	// HighWaterMark triggers eviction once the entry count crosses it. A
	// value <= 0 disables size-triggered eviction entirely (entries are
	// still reclaimed by expiration).
	HighWaterMark int

	// LowWaterMark is the target entry count after an eviction pass.
	// Defaults to 90% of HighWaterMark when unset.
	LowWaterMark int

	// EnableStatistics toggles the atomic hit/miss/eviction counters. Left
	// false, statistics are off; NewWithDefaults sets it to true.
	EnableStatistics bool

	// EfficientTagInvalidation, when false, makes RemoveByTag clear the
	// entire cache instead of resolving the tag's key set (spec.md §4.3 and
	// the "Open Questions" note in §9: destructive, but intentional — the
	// alternative is a full scan of every entry's tag list).
	EfficientTagInvalidation bool

	// SweepInterval is how often the background sweeper reclaims expired
	// entries. Required (non-zero) if refresh-ahead or sliding expiration
	// is used anywhere, per spec.md §4.3. Zero disables the sweeper; Get
	// still lazily evicts expired entries it encounters.
	SweepInterval time.Duration

	Logger observability.Logger
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = Probabilistic
	}
	if c.LRUUpdateProbability <= 0 {
		c.LRUUpdateProbability = 0.01
	}
	if c.MaxTagMappings <= 0 {
		c.MaxTagMappings = 10000
	}
	if c.HighWaterMark > 0 && c.LowWaterMark <= 0 {
		c.LowWaterMark = c.HighWaterMark - c.HighWaterMark/10
	}
	if c.Logger == nil {
		c.Logger = observability.NewNoopLogger()
	}
}

// MemoryCache is the L1 tier: spec.md §4.3.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	tags     *tagIndex
	strategy Strategy
	cfg      Config
	stats    *Stats

	stopSweep chan struct{}
	closeOnce sync.Once
}

// New constructs a MemoryCache. Statistics are enabled only when
// cfg.EnableStatistics is true.
func New(cfg Config) *MemoryCache {
	cfg.applyDefaults()
	// EnableStatistics has no explicit "unset" sentinel (it's a bool), so
	// the zero value disables stats here; NewWithDefaults (below) is the
	// constructor that applies spec.md §6's default of statistics on.
	c := &MemoryCache{
		entries:   make(map[string]*entry),
		tags:      newTagIndex(cfg.MaxTagMappings),
		strategy:  newStrategy(cfg),
		cfg:       cfg,
		stats:     newStats(cfg.EnableStatistics),
		stopSweep: make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// NewWithDefaults constructs a MemoryCache with spec.md §6's documented
// defaults: Probabilistic eviction at p=0.01, 10000 max tag mappings,
// statistics enabled, efficient tag invalidation enabled, a 1-minute
// sweeper.
func NewWithDefaults(highWaterMark int) *MemoryCache {
	return New(Config{
		Strategy:                 Probabilistic,
		HighWaterMark:            highWaterMark,
		EnableStatistics:         true,
		EfficientTagInvalidation: true,
		SweepInterval:            time.Minute,
	})
}

func newStrategy(cfg Config) Strategy {
	switch cfg.Strategy {
	case Precise:
		return NewPreciseStrategy()
	case Clock:
		return NewClockStrategy()
	default:
		return NewProbabilisticStrategy(cfg.LRUUpdateProbability, time.Now().UnixNano())
	}
}

// GetResult is returned by GetWithMeta, which exposes the refresh-ahead
// signal the plain Get discards.
type GetResult struct {
	Value        interface{}
	Found        bool
	NeedsRefresh bool
}

// Get looks up key. On hit it updates access tracking per the configured
// strategy and, if sliding expiration is configured, extends the window.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	r := c.GetWithMeta(key)
	return r.Value, r.Found
}

// GetWithMeta is Get, plus whether this access crossed the entry's
// refresh-ahead threshold (spec.md §4.5 step 3).
func (c *MemoryCache) GetWithMeta(key string) GetResult {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.stats.recordMiss()
		return GetResult{Found: false}
	}
	if e.expired(now) {
		c.removeExpired(key)
		c.stats.recordMiss()
		return GetResult{Found: false}
	}

	needsRefresh := e.touch(now)
	c.strategy.OnGet(key)
	c.stats.recordHit()

	return GetResult{Value: e.value, Found: true, NeedsRefresh: needsRefresh}
}

// Exists is a non-observing existence check: it does not update access
// order or sliding expiration.
func (c *MemoryCache) Exists(key string) bool {
	now := time.Now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return !e.expired(now)
}

// Set inserts or replaces key. ttl is the absolute duration from now; tags
// associates the entry with zero or more invalidation tags.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration, tags []string) {
	c.SetAdvanced(key, value, ttl, 0, 0, tags)
}

// SetAdvanced is Set with the optional sliding-expiration window and
// refresh-ahead fraction spec.md §3 allows per entry.
func (c *MemoryCache) SetAdvanced(key string, value interface{}, ttl, sliding time.Duration, refreshAheadFraction float64, tags []string) {
	now := time.Now()
	e := newEntry(value, ttl, sliding, refreshAheadFraction, tags, now)

	// Replacing a key removes stale tag links first (spec.md §4.3): unlink
	// before inserting the new entry so no reader can observe the old tag
	// set alongside the new value.
	c.tags.unlink(key)

	c.mu.Lock()
	c.entries[key] = e
	count := len(c.entries)
	c.mu.Unlock()

	c.tags.link(key, tags)

	c.strategy.OnSet(key)
	c.stats.recordSet()

	if c.cfg.HighWaterMark > 0 && count > c.cfg.HighWaterMark {
		c.evict()
	}
}

// Remove deletes key and unlinks its tags.
func (c *MemoryCache) Remove(key string) {
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if existed {
		c.tags.unlink(key)
		c.strategy.OnRemove(key)
		c.stats.recordRemove()
	}
}

func (c *MemoryCache) removeExpired(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.tags.unlink(key)
	c.strategy.OnRemove(key)
}

// RemoveByTag removes every key associated with tag. When
// EfficientTagInvalidation is disabled, this clears the entire cache
// instead (spec.md §4.3, §9).
func (c *MemoryCache) RemoveByTag(tag string) {
	if !c.cfg.EfficientTagInvalidation {
		c.Clear()
		return
	}
	keys := c.tags.keysForTag(tag)
	for _, key := range keys {
		c.Remove(key)
	}
}

// Clear removes all entries and tag mappings.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	c.tags.clear()
	for key := range old {
		c.strategy.OnRemove(key)
	}
}

// Len returns the current entry count.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns a snapshot of every key currently stored, for callers that
// need to scan by name (e.g. pattern-based invalidation, which L1 has no
// index for).
func (c *MemoryCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns a point-in-time snapshot of layer statistics.
func (c *MemoryCache) Stats() Snapshot {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return c.stats.snapshot(n, c.tags.count())
}

// evict triggers one eviction pass, asking the strategy for victims and
// removing each.
func (c *MemoryCache) evict() {
	c.mu.RLock()
	current := len(c.entries)
	target := c.cfg.LowWaterMark
	// Pass a reference to the live map; only ClockStrategy reads it, and it
	// only reads entry fields guarded by their own atomics, so holding a
	// read lock for the duration of SelectVictims is safe.
	snapshot := c.entries
	need := current - target
	if need <= 0 {
		c.mu.RUnlock()
		return
	}
	victims := c.strategy.SelectVictims(snapshot, need)
	c.mu.RUnlock()

	for _, key := range victims {
		c.mu.Lock()
		_, existed := c.entries[key]
		delete(c.entries, key)
		c.mu.Unlock()
		if existed {
			c.tags.unlink(key)
			c.stats.recordEviction()
		}
	}
}

// sweepLoop periodically reclaims expired entries in the background. It is
// required whenever refresh-ahead or sliding expiration is enabled, since
// otherwise an entry that nobody reads again never gets reclaimed until the
// map is scanned for some other reason.
func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *MemoryCache) sweepOnce() {
	now := time.Now()
	c.mu.RLock()
	expired := make([]string, 0)
	for key, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	for _, key := range expired {
		c.removeExpired(key)
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopSweep)
	})
}

// Get is the generic convenience wrapper spec.md §4.3's "get<T>(key)"
// describes: it type-asserts the stored value to T, treating a type
// mismatch the same as a miss (the value was clearly stored by a different
// caller/shape and should not be handed back silently wrong-typed).
func Get[T any](c *MemoryCache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
