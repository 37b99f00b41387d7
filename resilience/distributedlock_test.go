package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eoniclabs/methodcache-go/resilience"
)

func newTestLock(t *testing.T) (*resilience.DistributedLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return resilience.NewDistributedLock(client, "methodcache:lock:"), mr
}

func TestLockAcquiresWhenFree(t *testing.T) {
	l, _ := newTestLock(t)
	lease, err := l.Lock(context.Background(), "orders:1", 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
}

func TestLockFailsWhenAlreadyHeld(t *testing.T) {
	l, _ := newTestLock(t)
	_, err := l.Lock(context.Background(), "orders:1", 0, time.Minute)
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "orders:1", 0, time.Minute)
	assert.ErrorIs(t, err, resilience.ErrLockNotAcquired)
}

func TestLockWaitsAndAcquiresAfterRelease(t *testing.T) {
	l, _ := newTestLock(t)
	lease, err := l.Lock(context.Background(), "orders:1", 0, time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = lease.Release(context.Background())
	}()

	second, err := l.Lock(context.Background(), "orders:1", time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
}

func TestReleaseIsOwnerScoped(t *testing.T) {
	l, _ := newTestLock(t)
	lease, err := l.Lock(context.Background(), "orders:1", 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))

	// A second Release by the same (now-expired) lease must not succeed
	// again, and must not be able to delete a different holder's lease.
	other, err := l.Lock(context.Background(), "orders:1", 0, time.Minute)
	require.NoError(t, err)

	err = lease.Release(context.Background())
	assert.ErrorIs(t, err, resilience.ErrLockNotAcquired)

	// other's lease must still be intact.
	_, err = l.Lock(context.Background(), "orders:1", 0, time.Minute)
	assert.ErrorIs(t, err, resilience.ErrLockNotAcquired)
	require.NoError(t, other.Release(context.Background()))
}

func TestExtendPushesOutExpiration(t *testing.T) {
	l, mr := newTestLock(t)
	lease, err := l.Lock(context.Background(), "orders:1", 0, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, lease.Extend(context.Background(), time.Minute))

	// Had the lease not been extended, this would expire it; since it
	// was extended to a minute, fast-forwarding past the original 50ms
	// must not free the key.
	mr.FastForward(80 * time.Millisecond)

	_, err = l.Lock(context.Background(), "orders:1", 0, time.Minute)
	assert.ErrorIs(t, err, resilience.ErrLockNotAcquired)
}

func TestLockTimesOutWhenNeverReleased(t *testing.T) {
	l, _ := newTestLock(t)
	_, err := l.Lock(context.Background(), "orders:1", 0, time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Lock(context.Background(), "orders:1", 60*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, resilience.ErrLockNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
