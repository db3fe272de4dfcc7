package cachestore

import (
	"context"
	"fmt"
	"time"
)

// Locker implements a minimal distributed lock on top of a Store, using
// atomic set-if-not-exists with a TTL. The TTL bounds how long a crashed
// holder can block others. There's no fencing, so it must only guard
// work that's safe to repeat, like deduplicating identical searches.
type Locker struct {
	store Store
}

// NewLocker creates a new Locker on top of the given store.
func NewLocker(store Store) *Locker {
	return &Locker{store: store}
}

// Acquire tries to take the lock with the given name. It returns false
// when another holder has it and hasn't released it yet.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.store.SetNX(ctx, name, []byte("1"), ttl)
	if err != nil {
		return false, fmt.Errorf("couldn't acquire lock: %w", err)
	}
	return ok, nil
}

// Release frees the lock. Releasing a lock whose TTL already expired is
// not an error.
func (l *Locker) Release(ctx context.Context, name string) error {
	if err := l.store.Del(ctx, name); err != nil {
		return fmt.Errorf("couldn't release lock: %w", err)
	}
	return nil
}
