package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired indicates the lock is currently held by another owner.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker grants exclusive leased locks on string keys. Leases auto-expire
// after their TTL so a crashed holder cannot wedge a key forever.
type Locker interface {
	// Acquire attempts to take the lock once, without blocking.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call after expiry; it only
// removes the lock if this lease still owns it.
type Lease interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

const retryDelay = 10 * time.Millisecond

// Hold acquires the lock, retrying with a short delay for up to wait.
// Returns ErrNotAcquired once the wait budget is exhausted; callers must
// treat acquisition as fallible and never block indefinitely.
func Hold(ctx context.Context, l Locker, key string, ttl, wait time.Duration) (Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		lease, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}
