package l1

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreciseStrategyOrdersByRecency(t *testing.T) {
	s := NewPreciseStrategy()
	s.OnSet("a")
	s.OnSet("b")
	s.OnSet("c")
	s.OnGet("a") // "a" becomes most-recently-used

	victims := s.SelectVictims(nil, 2)
	assert.Equal(t, []string{"b", "c"}, victims)
}

func TestPreciseStrategyOnRemoveDropsFromOrder(t *testing.T) {
	s := NewPreciseStrategy()
	s.OnSet("a")
	s.OnSet("b")
	s.OnRemove("a")

	victims := s.SelectVictims(nil, 10)
	assert.Equal(t, []string{"b"}, victims)
}

func TestProbabilisticStrategyDefaultsProbability(t *testing.T) {
	s := NewProbabilisticStrategy(0, 1)
	assert.Equal(t, 0.01, s.p)

	s2 := NewProbabilisticStrategy(1.5, 1)
	assert.Equal(t, 0.01, s2.p)
}

func TestProbabilisticStrategyAlwaysUpdatesAtP1(t *testing.T) {
	s := NewProbabilisticStrategy(1.0, 42)
	s.OnSet("a")
	s.OnSet("b")
	s.OnGet("a") // p=1 guarantees the update fires

	victims := s.SelectVictims(nil, 1)
	assert.Equal(t, []string{"b"}, victims, "a was touched and should not be the LRU victim")
}

func TestClockStrategySweepClearsAccessBitsAndOrdersByLastAccess(t *testing.T) {
	s := NewClockStrategy()
	now := time.Now()

	a := newEntry("va", time.Minute, 0, 0, nil, now)
	b := newEntry("vb", time.Minute, 0, 0, nil, now.Add(time.Millisecond))
	a.touch(now) // sets a's access bit to 1

	entries := map[string]*entry{"a": a, "b": b}

	victims := s.SelectVictims(entries, 2)
	// "a"'s bit was 1: second chance, not a candidate this sweep.
	// "b"'s bit was 0: evicted.
	require.Len(t, victims, 1)
	assert.Equal(t, "b", victims[0])

	// Second sweep: a's bit is now 0 (cleared by the first sweep), so it
	// becomes a candidate.
	victims = s.SelectVictims(entries, 2)
	assert.Contains(t, victims, "a")
}

func TestClockStrategyLimitsToCount(t *testing.T) {
	s := NewClockStrategy()
	now := time.Now()
	entries := map[string]*entry{
		"a": newEntry("x", time.Minute, 0, 0, nil, now),
		"b": newEntry("x", time.Minute, 0, 0, nil, now.Add(time.Millisecond)),
		"c": newEntry("x", time.Minute, 0, 0, nil, now.Add(2*time.Millisecond)),
	}

	victims := s.SelectVictims(entries, 1)
	require.Len(t, victims, 1)
	assert.Equal(t, "a", victims[0], "oldest last-access should be evicted first")
}
