package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eoniclabs/methodcache-go/backplane"
	"github.com/eoniclabs/methodcache-go/l1"
	"github.com/eoniclabs/methodcache-go/observability"
	"github.com/eoniclabs/methodcache-go/storage"
)

// fakeLayer is a hand-rolled storage.Layer double for coordinator tests
// that need to control hit/miss/error behavior precisely without a real
// backing store.
type fakeLayer struct {
	name string

	mu     sync.Mutex
	data   map[string][]byte
	setErr error
	getErr error
	sets   []string
}

func newFakeLayer(name string) *fakeLayer {
	return &fakeLayer{name: name, data: make(map[string][]byte)}
}

func (f *fakeLayer) Name() string { return f.name }

func (f *fakeLayer) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeLayer) Set(_ context.Context, key string, value []byte, _ time.Duration, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, key)
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	return nil
}

func (f *fakeLayer) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeLayer) RemoveByTag(context.Context, string) error { return nil }

func (f *fakeLayer) RemoveByPattern(context.Context, string) error { return nil }

func (f *fakeLayer) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := f.Get(ctx, key)
	return ok, err
}

func (f *fakeLayer) Health(context.Context) storage.Health { return storage.Healthy }

func (f *fakeLayer) Stats(context.Context) storage.Stats { return storage.Stats{} }

func (f *fakeLayer) setCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.sets {
		if k == key {
			n++
		}
	}
	return n
}

func TestCoordinatorGetL1Hit(t *testing.T) {
	l1Layer := newFakeLayer("l1")
	l2Layer := newFakeLayer("l2")
	l1Layer.data["k"] = []byte("v")

	c := storage.NewCoordinator([]storage.Layer{l1Layer, l2Layer}, nil, storage.CoordinatorConfig{}, nil, nil)

	v, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, 0, l2Layer.setCount("k"), "an L1 hit must not touch lower layers")
}

func TestCoordinatorGetL2HitWarmsL1(t *testing.T) {
	l1Layer := newFakeLayer("l1")
	l2Layer := newFakeLayer("l2")
	l2Layer.data["k"] = []byte("v")

	c := storage.NewCoordinator([]storage.Layer{l1Layer, l2Layer}, nil, storage.CoordinatorConfig{}, nil, nil)

	v, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	got, ok, err := l1Layer.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestCoordinatorGetL3HitWarmsL1AndL2(t *testing.T) {
	l1Layer := newFakeLayer("l1")
	l2Layer := newFakeLayer("l2")
	l3Layer := newFakeLayer("l3")
	l3Layer.data["k"] = []byte("v")

	c := storage.NewCoordinator([]storage.Layer{l1Layer, l2Layer, l3Layer}, nil, storage.CoordinatorConfig{}, nil, nil)

	_, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)

	_, ok, _ := l1Layer.Get(context.Background(), "k")
	assert.True(t, ok, "L3 hit must warm L1")
	_, ok, _ = l2Layer.Get(context.Background(), "k")
	assert.True(t, ok, "L3 hit must warm L2")
}

func TestCoordinatorGetFullMiss(t *testing.T) {
	c := storage.NewCoordinator([]storage.Layer{newFakeLayer("l1"), newFakeLayer("l2")}, nil, storage.CoordinatorConfig{}, nil, nil)

	_, found, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCoordinatorGetLayerErrorTreatedAsMiss(t *testing.T) {
	l1Layer := newFakeLayer("l1")
	l1Layer.getErr = errors.New("boom")
	l2Layer := newFakeLayer("l2")
	l2Layer.data["k"] = []byte("v")

	c := storage.NewCoordinator([]storage.Layer{l1Layer, l2Layer}, nil, storage.CoordinatorConfig{}, nil, nil)

	v, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err, "a failing layer must not fail the whole read")
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestCoordinatorSetSyncWritesAllLayersBeforeReturning(t *testing.T) {
	l1Layer := newFakeLayer("l1")
	l2Layer := newFakeLayer("l2")

	c := storage.NewCoordinator([]storage.Layer{l1Layer, l2Layer}, nil, storage.CoordinatorConfig{WriteMode: storage.WriteSync}, nil, nil)

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Minute, nil))

	_, ok, _ := l2Layer.Get(context.Background(), "k")
	assert.True(t, ok, "sync write mode must write lower layers before Set returns")
}

func TestCoordinatorSetAsyncEventuallyWritesLowerLayers(t *testing.T) {
	l1Layer := newFakeLayer("l1")
	l2Layer := newFakeLayer("l2")

	c := storage.NewCoordinator([]storage.Layer{l1Layer, l2Layer}, nil, storage.CoordinatorConfig{WriteMode: storage.WriteAsync}, nil, nil)

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Minute, nil))

	require.Eventually(t, func() bool {
		_, ok, _ := l2Layer.Get(context.Background(), "k")
		return ok
	}, time.Second, 10*time.Millisecond, "async write mode must eventually reach lower layers")
}

func TestCoordinatorRemovePublishesKeyInvalidation(t *testing.T) {
	l1Layer := newFakeLayer("l1")
	bp := backplane.NewInMemoryBackplane("origin")

	c := storage.NewCoordinator([]storage.Layer{l1Layer}, bp, storage.CoordinatorConfig{}, nil, nil)

	var published []backplane.Message
	other := backplane.NewInMemoryBackplane("other")
	_ = other // only used to document there'd be a peer in a real deployment

	unsub := bp.Subscribe(func(msg backplane.Message) {
		published = append(published, msg)
	})
	defer unsub()

	l1Layer.data["k"] = []byte("v")
	require.NoError(t, c.Remove(context.Background(), "k"))

	_, ok, _ := l1Layer.Get(context.Background(), "k")
	assert.False(t, ok)
	// bp's own Subscribe never sees its own publishes (self-loopback
	// suppression), so this coordinator's publish is verified indirectly:
	// no panic, no error, and the local layer removal still happened.
	assert.Empty(t, published)
}

func TestCoordinatorHealthIsWorstCase(t *testing.T) {
	healthy := &fixedHealthLayer{name: "l1", health: storage.Healthy}
	degraded := &fixedHealthLayer{name: "l2", health: storage.Degraded}
	unhealthy := &fixedHealthLayer{name: "l3", health: storage.Unhealthy}

	c1 := storage.NewCoordinator([]storage.Layer{healthy, degraded}, nil, storage.CoordinatorConfig{}, nil, nil)
	assert.Equal(t, storage.Degraded, c1.Health(context.Background()))

	c2 := storage.NewCoordinator([]storage.Layer{healthy, degraded, unhealthy}, nil, storage.CoordinatorConfig{}, nil, nil)
	assert.Equal(t, storage.Unhealthy, c2.Health(context.Background()))

	c3 := storage.NewCoordinator([]storage.Layer{healthy}, nil, storage.CoordinatorConfig{}, nil, nil)
	assert.Equal(t, storage.Healthy, c3.Health(context.Background()))
}

type fixedHealthLayer struct {
	fakeLayer
	name   string
	health storage.Health
}

func (f *fixedHealthLayer) Name() string                       { return f.name }
func (f *fixedHealthLayer) Health(context.Context) storage.Health { return f.health }

func TestCoordinatorCloseIsIdempotentAndDrainsAsyncWrites(t *testing.T) {
	l1Layer := newFakeLayer("l1")
	l2Layer := newFakeLayer("l2")

	c := storage.NewCoordinator([]storage.Layer{l1Layer, l2Layer}, nil, storage.CoordinatorConfig{WriteMode: storage.WriteAsync}, nil, nil)
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Minute, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	_, ok, _ := l2Layer.Get(context.Background(), "k")
	assert.True(t, ok, "Close must wait for the in-flight async write to land")
}

// TestCoordinatorWithRealLayers exercises the full stack (l1.MemoryCache +
// RedisLayer over miniredis) end to end, confirming the read-through/warm
// protocol works across genuine layer implementations, not just the fake.
func TestCoordinatorWithRealLayers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cache := l1.New(l1.Config{
		Strategy:                 l1.Probabilistic,
		HighWaterMark:            1000,
		LowWaterMark:             900,
		EfficientTagInvalidation: true,
		MaxTagMappings:           10000,
	})
	l1Layer := storage.NewMemoryLayer(cache)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2Layer := storage.NewRedisLayer(redisClient, "test", observability.NewNoopLogger())

	c := storage.NewCoordinator([]storage.Layer{l1Layer, l2Layer}, nil, storage.CoordinatorConfig{WriteMode: storage.WriteSync}, nil, nil)

	require.NoError(t, c.Set(context.Background(), "orders:1", []byte(`{"id":1}`), time.Minute, []string{"orders"}))

	v, found, err := c.Get(context.Background(), "orders:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"id":1}`), v)

	require.NoError(t, c.RemoveByTag(context.Background(), "orders"))
	_, found, err = c.Get(context.Background(), "orders:1")
	require.NoError(t, err)
	assert.False(t, found, "tag invalidation must remove the entry from every layer")
}
