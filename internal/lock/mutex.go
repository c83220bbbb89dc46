package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mutexEntry struct {
	token   string
	expires time.Time
}

// MutexLocker is an in-process Locker for single-instance deployments and
// tests. Lease semantics (expiry, owner-checked release) match the Redis
// implementation.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]mutexEntry
}

// NewMutexLocker builds an in-process locker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]mutexEntry)}
}

func (l *MutexLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, held := l.locks[key]; held && time.Now().Before(entry.expires) {
		return nil, ErrNotAcquired
	}

	token := uuid.NewString()
	l.locks[key] = mutexEntry{token: token, expires: time.Now().Add(ttl)}
	return &mutexLease{locker: l, key: key, token: token}, nil
}

type mutexLease struct {
	locker *MutexLocker
	key    string
	token  string
}

func (l *mutexLease) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if entry, held := l.locker.locks[l.key]; held && entry.token == l.token {
		delete(l.locker.locks, l.key)
	}
	return nil
}

func (l *mutexLease) Extend(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	entry, held := l.locker.locks[l.key]
	if !held || entry.token != l.token {
		return ErrNotAcquired
	}
	entry.expires = time.Now().Add(ttl)
	l.locker.locks[l.key] = entry
	return nil
}
