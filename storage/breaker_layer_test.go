package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eoniclabs/methodcache-go/resilience"
	"github.com/eoniclabs/methodcache-go/storage"
)

func TestBreakerLayerPassesThroughOnSuccess(t *testing.T) {
	inner := newFakeLayer("l2")
	inner.data["k"] = []byte("v")
	b := storage.NewBreakerLayer(inner, resilience.NewBreaker(resilience.BreakerConfig{Name: "l2"}))

	v, found, err := b.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestBreakerLayerOpensAfterRepeatedFailures(t *testing.T) {
	inner := newFakeLayer("l2")
	inner.getErr = errors.New("down")
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "l2",
		MaxRequests: 1,
		Timeout:     time.Minute,
	})
	b := storage.NewBreakerLayer(inner, breaker)

	for i := 0; i < 10; i++ {
		_, _, _ = b.Get(context.Background(), "k")
	}

	assert.Equal(t, storage.Unhealthy, b.Health(context.Background()), "an open breaker must report the layer unhealthy")
}
