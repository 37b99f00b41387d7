package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned by Lock when the wait budget is exhausted
// without acquiring the lease.
var ErrLockNotAcquired = errors.New("resilience: distributed lock not acquired")

// unlockScript deletes key only if its value still matches the caller's
// owner token — the same compare-and-delete idiom the teacher's
// document_lock_service.go uses so a lock can never be released by a
// holder whose lease has already expired and been reassigned.
const unlockScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`

// extendScript extends a held lease's TTL only if the caller's token still
// owns it.
const extendScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`

// Lease represents a held distributed lock. Release/Extend are no-ops
// (returning ErrLockNotAcquired) once the lease has already expired and
// been lost to another holder.
type Lease struct {
	lock  *DistributedLock
	key   string
	token string
}

// DistributedLock implements the generic `lock:<key>` scheme (spec.md
// §4.5's shared-resource policy) over Redis SET NX PX, generalized from
// the teacher's document-specific DocumentLockService to an arbitrary
// cache key.
type DistributedLock struct {
	client      *redis.Client
	keyPrefix   string
	unlock      *redis.Script
	extend      *redis.Script
	retryDelay  time.Duration
}

// NewDistributedLock constructs a lock manager over client. keyPrefix
// namespaces every lease key (e.g. "methodcache:lock:").
func NewDistributedLock(client *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		client:     client,
		keyPrefix:  keyPrefix,
		unlock:     redis.NewScript(unlockScript),
		extend:     redis.NewScript(extendScript),
		retryDelay: 25 * time.Millisecond,
	}
}

func (l *DistributedLock) leaseKey(key string) string {
	return l.keyPrefix + key
}

// unwrapPermanent strips the backoff.PermanentError wrapper Permanent adds,
// so callers see the original transport error rather than backoff's own
// error type.
func unwrapPermanent(err error) error {
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return pe.Unwrap()
	}
	return err
}

// Lock attempts to acquire the named lease until wait has elapsed, retrying
// SET NX under cenkalti/backoff/v4 (retryDelay as a fixed, non-exponential
// delay between attempts, with a last attempt at the deadline) the same way
// the teacher's retry.go backs off around
// document_lock_service.go's SET NX polling. lease bounds how long the lock
// is held before it expires on its own if never released.
func (l *DistributedLock) Lock(ctx context.Context, key string, wait, lease time.Duration) (*Lease, error) {
	token := uuid.NewString()
	leaseKey := l.leaseKey(key)

	acquire := func() error {
		ok, err := l.client.SetNX(ctx, leaseKey, token, lease).Result()
		if err != nil {
			return Permanent(fmt.Errorf("resilience: acquire lock %q: %w", key, err))
		}
		if !ok {
			return ErrLockNotAcquired
		}
		return nil
	}

	if wait <= 0 {
		if err := acquire(); err != nil {
			return nil, unwrapPermanent(err)
		}
		return &Lease{lock: l, key: key, token: token}, nil
	}

	deadline := time.Now().Add(wait)
	err := Retry(ctx, RetryConfig{
		InitialInterval: l.retryDelay,
		MaxInterval:     l.retryDelay,
		Multiplier:      1,
		MaxElapsedTime:  wait,
	}, acquire)
	if errors.Is(err, ErrLockNotAcquired) {
		// Retry stops as soon as one more delay would overrun wait, which can
		// be before the deadline; make one last attempt at the deadline.
		if remaining := time.Until(deadline); remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
				err = acquire()
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, unwrapPermanent(err)
	}
	return &Lease{lock: l, key: key, token: token}, nil
}

// Release drops the lease if it is still owned by this token. Safe to
// call more than once; later calls delete nothing and return
// ErrLockNotAcquired.
func (lease *Lease) Release(ctx context.Context) error {
	n, err := lease.lock.unlock.Run(ctx, lease.lock.client, []string{lease.lock.leaseKey(lease.key)}, lease.token).Int()
	if err != nil {
		return fmt.Errorf("resilience: release lock %q: %w", lease.key, err)
	}
	if n == 0 {
		return ErrLockNotAcquired
	}
	return nil
}

// Extend pushes the lease's expiration out by ttl, only if this token
// still owns it.
func (lease *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := lease.lock.extend.Run(ctx, lease.lock.client, []string{lease.lock.leaseKey(lease.key)}, lease.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("resilience: extend lock %q: %w", lease.key, err)
	}
	if n == 0 {
		return ErrLockNotAcquired
	}
	return nil
}
