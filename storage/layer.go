// Package storage implements the tiered storage coordinator described in
// spec.md §4.4: an ordered stack of Layers (L1 memory, L2 distributed, L3
// persistent) composed with a Backplane into one read/write pipeline.
package storage

import (
	"context"
	"time"
)

// Health mirrors the three-state health spec.md §4.4 defines for layer
// aggregation.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// Stats is the per-layer statistics record spec.md §3 "Layer Statistics"
// describes, generalized from l1.Snapshot to cover out-of-process layers
// too (which have no meaningful EstimatedMemoryBytes or TagMappingCount).
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Sets       int64
	Removes    int64
	Errors     int64
	HitRatio   float64
	EntryCount int64
}

// Layer is the narrower per-tier contract spec.md §6 names
// "storage-provider": get/set/remove/remove-by-tag/exists/health/stats, all
// context-bound since any layer beyond L1 may suspend on I/O.
//
// Values cross this boundary pre-serialized to bytes (spec.md §4.2's
// serializer is applied once, by the manager, not per layer; the Coordinator
// itself only moves bytes) so every
// layer — including L1 — implements the identical contract; only the L1
// wrapper skips the network, not the encoding.
type Layer interface {
	Name() string

	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	Remove(ctx context.Context, key string) error
	RemoveByTag(ctx context.Context, tag string) error
	RemoveByPattern(ctx context.Context, pattern string) error
	Exists(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) Health
	Stats(ctx context.Context) Stats
}

// PersistentStorage extends Layer with the operations spec.md §6 names for
// "persistent-storage": explicit cleanup of expired entries (since a
// persistent store like bbolt has no built-in TTL sweep) and a size query.
// *PersistentLayer implements it.
type PersistentStorage interface {
	Layer
	CleanupExpired(ctx context.Context) (removed int, err error)
	StorageSize(ctx context.Context) (bytes int64, err error)
}
