package dispatch

import (
	"context"
	"sync"
)

// claims serialises work on a participant within this process
type claims struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newClaims() *claims {
	return &claims{slots: make(map[string]*slot)}
}

// acquire blocks until key is free or ctx is done
func (c *claims) acquire(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()
	s, ok := c.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		c.slots[key] = s
	}
	s.refs++
	c.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		c.unref(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			c.unref(key, s)
		})
	}, nil
}

func (c *claims) unref(key string, s *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(c.slots, key)
	}
}
