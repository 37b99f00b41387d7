package l1

import (
	"sync/atomic"
	"time"
)

// entry is the L1 in-memory cache entry (spec.md §3 "Cache Entry"). An
// entry is observable iff now < expiresAt; expired entries are
// read-through-skipped and lazily removed.
type entry struct {
	value interface{}

	ttl       time.Duration // original TTL, needed for refresh-ahead's remaining/original ratio
	expiresAt time.Time     // absolute UTC

	sliding time.Duration // zero disables sliding expiration

	refreshAheadFraction float64 // 0 disables refresh-ahead; otherwise in (0,1)

	lastAccessNanos int64 // atomic, monotonic ticks (time.Now().UnixNano())
	accessCount     uint64 // atomic

	accessBit uint32 // atomic 0/1, used only by the Clock strategy

	// cursor is an opaque handle into whichever eviction structure owns
	// ordering for this entry. None of the current strategies sets it (the
	// Precise strategy tracks order by key in its own list), so it stays
	// nil.
	cursor interface{}

	tags []string
}

func newEntry(value interface{}, ttl time.Duration, sliding time.Duration, refreshAheadFraction float64, tags []string, now time.Time) *entry {
	e := &entry{
		value:                value,
		ttl:                  ttl,
		expiresAt:            now.Add(ttl),
		sliding:              sliding,
		refreshAheadFraction: refreshAheadFraction,
		tags:                 append([]string(nil), tags...),
	}
	atomic.StoreInt64(&e.lastAccessNanos, now.UnixNano())
	return e
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// touch records an access: bumps the access counter, refreshes the sliding
// expiration window if configured, and returns whether the entry is inside
// its refresh-ahead window (remaining/original < fraction).
func (e *entry) touch(now time.Time) (needsRefresh bool) {
	atomic.AddUint64(&e.accessCount, 1)
	atomic.StoreInt64(&e.lastAccessNanos, now.UnixNano())
	atomic.StoreUint32(&e.accessBit, 1)

	if e.sliding > 0 {
		e.expiresAt = now.Add(e.sliding)
	}

	if e.refreshAheadFraction > 0 && e.ttl > 0 {
		remaining := e.expiresAt.Sub(now)
		if remaining <= 0 {
			return true
		}
		ratio := float64(remaining) / float64(e.ttl)
		return ratio < e.refreshAheadFraction
	}
	return false
}

func (e *entry) remainingTTL(now time.Time) time.Duration {
	d := e.expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (e *entry) lastAccess() time.Time {
	return time.Unix(0, atomic.LoadInt64(&e.lastAccessNanos))
}

// clearAccessBit atomically sets the access bit to 0 and returns the
// previous value, used by the Clock strategy's sweep (1->0 is a "second
// chance"; already-0 is an eviction candidate).
func (e *entry) clearAccessBit() (was uint32) {
	return atomic.SwapUint32(&e.accessBit, 0)
}
