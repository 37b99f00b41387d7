package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures Retry's backoff curve and retry-eligibility rule.
// Mirrors the teacher's RetryConfig (pkg/adapters/resilience/retry.go),
// trimmed to the fields this module's two call sites (lock polling,
// async layer writes) actually vary.
type RetryConfig struct {
	// MaxRetries caps the number of retries after the first attempt. Zero
	// means unbounded (bounded only by MaxElapsedTime / ctx).
	MaxRetries int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps how large the delay can grow.
	MaxInterval time.Duration
	// Multiplier grows the delay after each attempt. 1 yields a fixed
	// delay instead of an exponential one.
	Multiplier float64
	// MaxElapsedTime bounds the whole retry budget. Zero means unbounded
	// (bounded only by MaxRetries / ctx).
	MaxElapsedTime time.Duration
	// RetryIf reports whether err is worth retrying. Nil retries every
	// error operation returns.
	RetryIf func(error) bool
}

// DefaultRetryConfig mirrors the teacher's defaults: three retries,
// exponential from 100ms up to 10s, capped at 30s total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  30 * time.Second,
	}
}

// Retry runs operation under cenkalti/backoff/v4, retrying on error per
// config until it succeeds, RetryIf rejects the error as non-retryable, ctx
// is cancelled, or the retry budget (MaxRetries/MaxElapsedTime) is
// exhausted. Adapted from the teacher's Retry helper in
// pkg/adapters/resilience/retry.go.
func Retry(ctx context.Context, config RetryConfig, operation func() error) error {
	curve := backoff.NewExponentialBackOff()
	curve.InitialInterval = config.InitialInterval
	curve.MaxInterval = config.MaxInterval
	curve.MaxElapsedTime = config.MaxElapsedTime
	if config.Multiplier > 0 {
		curve.Multiplier = config.Multiplier
	}
	if config.Multiplier == 1 {
		// A fixed delay: also drop backoff's default ±50% randomization.
		curve.RandomizationFactor = 0
	}

	var policy backoff.BackOff = curve
	if config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(config.MaxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && config.RetryIf != nil && !config.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Permanent wraps err so Retry stops immediately instead of continuing to
// retry it, matching the teacher's use of backoff.Permanent for errors that
// retrying cannot fix (e.g. a transport failure rather than a transient
// "not ready yet" condition).
func Permanent(err error) error {
	return backoff.Permanent(err)
}
