package manager

import (
	"golang.org/x/sync/singleflight"
)

// slotGroup coalesces concurrent factory invocations for the same key onto
// a single in-flight call, the way the teacher's OrganizationToolAdapter
// wraps a circuit-breaker-protected call in a singleflight.Group.Do. A
// refresh-ahead trigger uses the *same* key a true miss would use, so a
// concurrent true-miss caller and a refresh-ahead caller for one key
// always coalesce onto one factory execution (spec.md §4.5, §9's open
// question on refresh-ahead/single-flight interaction).
type slotGroup struct {
	group singleflight.Group
}

// do runs fn for key, coalescing concurrent callers. shared reports
// whether the result was handed to more than one caller; it is true for
// the caller that ran fn as well as for those that joined it.
func (g *slotGroup) do(key string, fn func() (interface{}, error)) (value interface{}, shared bool, err error) {
	v, err, shared := g.group.Do(key, fn)
	return v, shared, err
}

// forget drops any in-flight or cached entry for key, letting the next
// caller start a fresh call immediately instead of waiting on one already
// in progress.
func (g *slotGroup) forget(key string) {
	g.group.Forget(key)
}
