package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryAcquireRelease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "event:1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if _, err := m.Acquire(ctx, "event:1", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	// other keys are independent
	other, err := m.Acquire(ctx, "event:2", time.Minute)
	if err != nil {
		t.Fatalf("Acquire on other key failed: %v", err)
	}
	other()

	release()
	release()

	if m.Held("event:1") {
		t.Error("lock still held after release")
	}
	again, err := m.Acquire(ctx, "event:1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	again()
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	now = now.Add(2 * time.Second)
	fresh, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lease to be taken over, got %v", err)
	}

	// releasing the expired lease must not free the new holder
	stale()
	if !m.Held("k") {
		t.Error("stale release dropped the new lease")
	}
	fresh()
}

func TestMemoryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemory().Acquire(ctx, "k", time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWithLockReleases(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithLock(ctx, m, "k", time.Minute, func(ctx context.Context) error {
		if !m.Held("k") {
			t.Error("lock not held inside fn")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if m.Held("k") {
		t.Error("lock not released after fn")
	}
}

func TestWithLockExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		ran      atomic.Int32
		rejected atomic.Int32
		start    = make(chan struct{})
		hold     = make(chan struct{})
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := WithLock(ctx, m, "event", time.Minute, func(ctx context.Context) error {
				ran.Add(1)
				<-hold
				return nil
			})
			if errors.Is(err, ErrLocked) {
				rejected.Add(1)
			}
		}()
	}
	close(start)

	deadline := time.After(2 * time.Second)
	for ran.Load()+rejected.Load() < 10 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for goroutines")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(hold)
	wg.Wait()

	if ran.Load() != 1 || rejected.Load() != 9 {
		t.Errorf("expected 1 holder and 9 rejections, got %d/%d", ran.Load(), rejected.Load())
	}
}
