package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eoniclabs/methodcache-go/resilience"
)

func TestBreakerExecutePassesThroughSuccess(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "l2"})

	result, err := b.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.False(t, b.IsOpen())
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "l2",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 3
		},
	})

	failing := func(context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	}

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failing)
	}

	assert.True(t, b.IsOpen(), "breaker should trip once ReadyToTrip's threshold is reached")

	_, err := b.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return "should not run", nil
	})
	assert.Error(t, err, "an open breaker must fail fast instead of invoking fn")
}

func TestManagerRegistersDefaultBreakerOnFirstUse(t *testing.T) {
	m := resilience.NewManager()

	_, ok := m.Get("l2")
	assert.False(t, ok)

	result, err := m.Execute(context.Background(), "l2", func(context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	_, ok = m.Get("l2")
	assert.True(t, ok, "Execute must lazily register a breaker for an unseen name")
}

func TestManagerRegisterReplacesExisting(t *testing.T) {
	m := resilience.NewManager()
	first := m.Register("l2", resilience.BreakerConfig{})
	second := m.Register("l2", resilience.BreakerConfig{})

	got, ok := m.Get("l2")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.NotSame(t, first, got)
}
