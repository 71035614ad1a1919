// Package lock provides per-key mutual exclusion with expiring leases.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLocked is returned when the key is held by someone else
var ErrLocked = errors.New("lock is held")

// Locker acquires exclusive leases on keys.
// A lease expires after ttl so that a crashed holder does not block forever.
// Redis leases are extended while held. Memory leases are not, so ttl
// bounds the exclusion there.
type Locker interface {
	// Acquire takes the lease or returns ErrLocked without waiting.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// WithLock runs fn while holding key and always releases it afterwards
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
