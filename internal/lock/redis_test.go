package lock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeLeases struct {
	mu         sync.Mutex
	tokens     map[string]string
	extends    int
	releases   int
	lost       bool
	releaseErr error
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{tokens: make(map[string]string)}
}

func (f *fakeLeases) setNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[key]; ok {
		return false, nil
	}
	f.tokens[key] = token
	return true, nil
}

func (f *fakeLeases) extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends++
	if f.lost {
		delete(f.tokens, key)
	}
	return f.tokens[key] == token, nil
}

func (f *fakeLeases) release(ctx context.Context, key, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return false, f.releaseErr
	}
	f.releases++
	if f.tokens[key] != token {
		return false, nil
	}
	delete(f.tokens, key)
	return true, nil
}

func (f *fakeLeases) extendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extends
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRedis(leases *fakeLeases, out *syncBuffer) *Redis {
	return &Redis{
		leases: leases,
		prefix: "test:",
		logger: slog.New(slog.NewTextHandler(out, nil)),
	}
}

func TestRedisAcquireRelease(t *testing.T) {
	leases := newFakeLeases()
	r := newTestRedis(leases, &syncBuffer{})
	ctx := context.Background()

	release, err := r.Acquire(ctx, "send:ev1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := r.Acquire(ctx, "send:ev1", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	release()
	release()
	if leases.releases != 1 {
		t.Errorf("expected 1 release call, got %d", leases.releases)
	}

	again, err := r.Acquire(ctx, "send:ev1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	again()
}

func TestRedisExtendsWhileHeld(t *testing.T) {
	leases := newFakeLeases()
	r := newTestRedis(leases, &syncBuffer{})

	release, err := r.Acquire(context.Background(), "k", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for leases.extendCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected lease extensions, got %d", leases.extendCount())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	release()
	after := leases.extendCount()
	time.Sleep(50 * time.Millisecond)
	if leases.extendCount() != after {
		t.Error("lease extended after release")
	}
}

func TestRedisLogsLostLease(t *testing.T) {
	leases := newFakeLeases()
	leases.lost = true
	out := &syncBuffer{}
	r := newTestRedis(leases, out)

	release, err := r.Acquire(context.Background(), "k", 15*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	deadline := time.After(2 * time.Second)
	for !strings.Contains(out.String(), "lock lost while held") {
		select {
		case <-deadline:
			t.Fatalf("expected lost lease to be logged, got %q", out.String())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRedisLogsReleaseFailure(t *testing.T) {
	leases := newFakeLeases()
	leases.releaseErr = errors.New("connection reset")
	out := &syncBuffer{}
	r := newTestRedis(leases, out)

	release, err := r.Acquire(context.Background(), "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	release()

	if !strings.Contains(out.String(), "failed to release lock") || !strings.Contains(out.String(), "connection reset") {
		t.Errorf("expected release failure to be logged, got %q", out.String())
	}
}

func TestRedisServer(t *testing.T) {
	url := os.Getenv("CERTMAILER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CERTMAILER_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	client, err := Connect(ctx, RedisConfig{URL: url, RetryInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	r := NewRedis(client, "certmailer:test:"+time.Now().Format("150405.000000")+":", nil)
	release, err := r.Acquire(ctx, "k", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// held past its ttl
	time.Sleep(time.Second)
	if _, err := r.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked while held, got %v", err)
	}

	release()
	again, err := r.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	again()
}
