package manager_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eoniclabs/methodcache-go/keygen"
	"github.com/eoniclabs/methodcache-go/manager"
	"github.com/eoniclabs/methodcache-go/policy"
)

// TestStampedeProtectionCoalescesConcurrentMisses is spec.md §4.5's
// stampede scenario: many concurrent callers for the same never-cached key
// must trigger exactly one factory invocation, with every caller receiving
// its result.
func TestStampedeProtectionCoalescesConcurrentMisses(t *testing.T) {
	m := newTestManager(t, nil)

	var invocations atomic.Int64
	release := make(chan struct{})
	factory := func(context.Context) (string, error) {
		invocations.Add(1)
		<-release // hold every coalesced caller here until all have joined
		return "built-once", nil
	}

	const callers = 100
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := manager.GetOrCreate[string](context.Background(), m, "expensive.compute", []keygen.Arg{{Value: 1}}, factory)
			results[idx] = v
			errs[idx] = err
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let every goroutine register with singleflight
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), invocations.Load(), "exactly one factory invocation must serve every coalesced caller")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "built-once", results[i])
	}
	assert.GreaterOrEqual(t, m.Stats().CoalescedCalls, int64(callers-1))
}

func TestStampedeTimeoutSurfacesToSlowWaiter(t *testing.T) {
	builder := policy.NewBuilderSource()
	builder.For("slow.compute").WithStampedeProtection(policy.StampedeProtection{Timeout: 10 * time.Millisecond}).Build()
	registry := policy.NewRegistry(builder)
	m := newTestManager(t, registry)

	release := make(chan struct{})
	factory := func(context.Context) (string, error) {
		<-release
		return "finally", nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := manager.GetOrCreate[string](context.Background(), m, "slow.compute", nil, factory)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err, "a caller waiting past the stampede timeout must see an error")
	case <-time.After(time.Second):
		t.Fatal("stampede timeout never surfaced")
	}
	close(release)
}
