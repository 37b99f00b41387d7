package manager

import "sync/atomic"

// CacheManagerStats is the aggregate, manager-wide counter set SPEC_FULL.md
// §C adds on top of the per-layer storage.Stats: it tracks what actually
// happened at the get-or-create/stampede-protection level rather than at
// any one storage tier.
type CacheManagerStats struct {
	Hits                int64
	Misses              int64
	FactoryInvocations  int64
	FactoryErrors       int64
	CoalescedCalls      int64
	RefreshAheadTriggers int64
	LockAcquisitions    int64
	LockTimeouts        int64
	StampedeTimeouts    int64
}

// managerStats holds the live atomic counters a Manager updates;
// snapshot() renders them into the immutable CacheManagerStats value
// callers read.
type managerStats struct {
	hits                 atomic.Int64
	misses               atomic.Int64
	factoryInvocations   atomic.Int64
	factoryErrors        atomic.Int64
	coalescedCalls        atomic.Int64
	refreshAheadTriggers atomic.Int64
	lockAcquisitions      atomic.Int64
	lockTimeouts          atomic.Int64
	stampedeTimeouts      atomic.Int64
}

func (s *managerStats) snapshot() CacheManagerStats {
	return CacheManagerStats{
		Hits:                 s.hits.Load(),
		Misses:               s.misses.Load(),
		FactoryInvocations:   s.factoryInvocations.Load(),
		FactoryErrors:        s.factoryErrors.Load(),
		CoalescedCalls:       s.coalescedCalls.Load(),
		RefreshAheadTriggers: s.refreshAheadTriggers.Load(),
		LockAcquisitions:     s.lockAcquisitions.Load(),
		LockTimeouts:         s.lockTimeouts.Load(),
		StampedeTimeouts:     s.stampedeTimeouts.Load(),
	}
}
