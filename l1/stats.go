package l1

import "sync/atomic"

// Stats mirrors spec.md §3 "Layer Statistics" for the L1 tier specifically.
// All counters are atomics so enabling/disabling statistics is the only
// branch on the hot path (spec.md §5 "Statistics counters are per-counter
// atomics; disabling statistics eliminates all atomic traffic").
type Stats struct {
	enabled bool

	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	sets       atomic.Int64
	removes    atomic.Int64
	errors     atomic.Int64
}

func newStats(enabled bool) *Stats { return &Stats{enabled: enabled} }

func (s *Stats) recordHit() {
	if s.enabled {
		s.hits.Add(1)
	}
}
func (s *Stats) recordMiss() {
	if s.enabled {
		s.misses.Add(1)
	}
}
func (s *Stats) recordEviction() {
	if s.enabled {
		s.evictions.Add(1)
	}
}
func (s *Stats) recordSet() {
	if s.enabled {
		s.sets.Add(1)
	}
}
func (s *Stats) recordRemove() {
	if s.enabled {
		s.removes.Add(1)
	}
}
func (s *Stats) recordError() {
	if s.enabled {
		s.errors.Add(1)
	}
}

// Snapshot is a point-in-time copy of Stats, safe to hand to callers.
type Snapshot struct {
	Hits            int64
	Misses          int64
	Evictions       int64
	Sets            int64
	Removes         int64
	Errors          int64
	HitRatio        float64
	EntryCount      int
	TagMappingCount int
	// EstimatedMemoryBytes is entry count * an average-entry-size heuristic
	// (spec.md §4.3 "stats()"), not an exact measurement.
	EstimatedMemoryBytes int64
}

// averageEntrySizeHeuristic is a rough per-entry overhead estimate (map
// bucket + entry struct + typical small value) used only to give callers a
// ballpark memory figure, never an exact one (spec.md explicitly calls this
// a heuristic).
const averageEntrySizeHeuristic = 256

func (s *Stats) snapshot(entryCount, tagMappingCount int) Snapshot {
	hits := s.hits.Load()
	misses := s.misses.Load()
	total := hits + misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Snapshot{
		Hits:                  hits,
		Misses:                misses,
		Evictions:             s.evictions.Load(),
		Sets:                  s.sets.Load(),
		Removes:               s.removes.Load(),
		Errors:                s.errors.Load(),
		HitRatio:              ratio,
		EntryCount:            entryCount,
		TagMappingCount:       tagMappingCount,
		EstimatedMemoryBytes:  int64(entryCount) * averageEntrySizeHeuristic,
	}
}
