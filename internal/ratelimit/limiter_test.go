package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/certmailer/internal/mail"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLimiter(t *testing.T, db *bolt.DB, cfg *Config) *Limiter {
	t.Helper()
	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })
	return limiter
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), nil)

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
	if limiter.config.Enabled() {
		t.Error("empty config should not be enabled")
	}
}

func TestAllowGlobalLimit(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global:        &LimitConfig{MessagesPerHour: 3, MessagesPerDay: 10},
		FlushInterval: time.Hour,
	})

	ctx := context.Background()
	req := &Request{EventID: "ev1", Sender: "events@example.com", RecipientDomain: "example.org"}

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, req)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	result, err := limiter.Allow(ctx, req)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed {
		t.Error("request 4 should be denied")
	}
	if result.DeniedBy != LevelGlobal {
		t.Errorf("expected DeniedBy=global, got %s", result.DeniedBy)
	}
	if result.RetryAfter <= 0 || result.RetryAfter > time.Hour {
		t.Errorf("unexpected RetryAfter %v", result.RetryAfter)
	}
}

func TestAllowPerEventLimit(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		PerEvent:      &LimitConfig{MessagesPerHour: 2},
		FlushInterval: time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := limiter.Allow(ctx, &Request{EventID: "ev1"}); !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if res, _ := limiter.Allow(ctx, &Request{EventID: "ev1"}); res.Allowed || res.DeniedBy != LevelEvent {
		t.Errorf("expected event limit, got %+v", res)
	}
	if res, _ := limiter.Allow(ctx, &Request{EventID: "ev2"}); !res.Allowed {
		t.Error("other event should not be limited")
	}
}

func TestAllowRecipientDomainLimit(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		RecipientDomain: &LimitConfig{MessagesPerDay: 1},
		FlushInterval:   time.Hour,
	})
	ctx := context.Background()

	limiter.Allow(ctx, &Request{RecipientDomain: "gmail.com"})
	res, _ := limiter.Allow(ctx, &Request{RecipientDomain: "gmail.com"})
	if res.Allowed || res.DeniedBy != LevelRecipientDomain {
		t.Errorf("expected recipient domain limit, got %+v", res)
	}
	if res.RetryAfter <= time.Hour {
		t.Errorf("daily limit should retry after more than an hour, got %v", res.RetryAfter)
	}
}

func TestDeniedRequestDoesNotCount(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global:        &LimitConfig{MessagesPerHour: 10},
		PerSender:     &LimitConfig{MessagesPerHour: 1},
		FlushInterval: time.Hour,
	})
	ctx := context.Background()
	req := &Request{Sender: "a@example.com"}

	limiter.Allow(ctx, req)
	limiter.Allow(ctx, req)

	stats, _ := limiter.GetStats(ctx, LevelGlobal, "global")
	if stats.HourlyCount != 1 {
		t.Errorf("expected 1 counted message, got %d", stats.HourlyCount)
	}
}

func TestWindowReset(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global:        &LimitConfig{MessagesPerHour: 1},
		FlushInterval: time.Hour,
	})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	limiter.Allow(ctx, &Request{})
	if res, _ := limiter.Check(ctx, &Request{}); res.Allowed {
		t.Fatal("expected limit before the window passes")
	}

	now = now.Add(time.Hour)
	if res, _ := limiter.Check(ctx, &Request{}); !res.Allowed {
		t.Error("Check should see the expired window")
	}
	if res, _ := limiter.Allow(ctx, &Request{}); !res.Allowed {
		t.Error("expected allow after the window passes")
	}
}

func TestGetStatsNonExistent(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{})

	stats, err := limiter.GetStats(context.Background(), LevelEvent, "missing")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 0 || stats.DailyCount != 0 {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{Global: &LimitConfig{MessagesPerHour: 100}, FlushInterval: time.Hour}
	ctx := context.Background()

	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, &Request{})
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	reloaded := newTestLimiter(t, db, cfg)
	stats, _ := reloaded.GetStats(ctx, LevelGlobal, "global")
	if stats.HourlyCount != 5 {
		t.Errorf("expected 5 after reload, got %d", stats.HourlyCount)
	}
}

func TestTransport(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		PerEvent:      &LimitConfig{MessagesPerHour: 1},
		FlushInterval: time.Hour,
	})

	var sent int
	next := mail.TransportFunc(func(ctx context.Context, msg *mail.Message) error {
		sent++
		return nil
	})
	tr := NewTransport(next, limiter)

	ctx := WithEvent(context.Background(), "ev1")
	msg := &mail.Message{
		From: mail.Address{Email: "events@example.com"},
		To:   mail.Address{Email: "ana@example.org"},
	}

	if err := tr.Send(ctx, msg); err != nil {
		t.Fatalf("first send failed: %v", err)
	}

	err := tr.Send(ctx, msg)
	var de *mail.DeliveryError
	if !errors.As(err, &de) || !de.Temporary {
		t.Fatalf("expected temporary delivery error, got %v", err)
	}
	if sent != 1 {
		t.Errorf("expected 1 delivered message, got %d", sent)
	}

	if err := tr.Send(WithEvent(context.Background(), "ev2"), msg); err != nil {
		t.Errorf("other event should not be limited: %v", err)
	}
}
