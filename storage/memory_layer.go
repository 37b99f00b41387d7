package storage

import (
	"context"
	"time"

	"github.com/eoniclabs/methodcache-go/l1"
)

// MemoryLayer adapts an l1.MemoryCache to the Layer contract: the L1 tier
// in the coordinator's ordered stack (spec.md §4.4).
type MemoryLayer struct {
	cache *l1.MemoryCache
}

// NewMemoryLayer wraps an existing L1 cache as a storage Layer.
func NewMemoryLayer(cache *l1.MemoryCache) *MemoryLayer {
	return &MemoryLayer{cache: cache}
}

func (l *MemoryLayer) Name() string { return "l1-memory" }

func (l *MemoryLayer) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := l.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

func (l *MemoryLayer) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	l.cache.Set(key, value, ttl, tags)
	return nil
}

func (l *MemoryLayer) Remove(_ context.Context, key string) error {
	l.cache.Remove(key)
	return nil
}

func (l *MemoryLayer) RemoveByTag(_ context.Context, tag string) error {
	l.cache.RemoveByTag(tag)
	return nil
}

// RemoveByPattern performs a linear scan, since L1 keeps no secondary index
// over key names (SPEC_FULL.md §C, the pattern-invalidation supplement).
func (l *MemoryLayer) RemoveByPattern(_ context.Context, pattern string) error {
	for _, key := range l.cache.Keys() {
		if matchGlob(pattern, key) {
			l.cache.Remove(key)
		}
	}
	return nil
}

func (l *MemoryLayer) Exists(_ context.Context, key string) (bool, error) {
	return l.cache.Exists(key), nil
}

func (l *MemoryLayer) Health(context.Context) Health {
	return Healthy // L1 is in-process memory; it cannot be "down".
}

func (l *MemoryLayer) Stats(context.Context) Stats {
	s := l.cache.Stats()
	return Stats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		Evictions:  s.Evictions,
		Sets:       s.Sets,
		Removes:    s.Removes,
		Errors:     s.Errors,
		HitRatio:   s.HitRatio,
		EntryCount: int64(s.EntryCount),
	}
}
