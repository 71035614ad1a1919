package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Locker
type Memory struct {
	mu     sync.Mutex
	leases map[string]*lease
	now    func() time.Time
}

type lease struct {
	expires time.Time
}

// NewMemory creates an in-process locker
func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]*lease),
		now:    time.Now,
	}
}

// Acquire takes the lease on key
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[key]; ok && now.Before(l.expires) {
		return nil, ErrLocked
	}

	l := &lease{expires: now.Add(ttl)}
	m.leases[key] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// an expired lease may have been taken over
			if m.leases[key] == l {
				delete(m.leases, key)
			}
		})
	}, nil
}

// Held reports whether key is currently leased
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	return ok && m.now().Before(l.expires)
}
