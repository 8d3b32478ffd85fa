package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	url := os.Getenv("OXIDESK_TEST_REDIS_URL")
	if url == "" {
		url = "redis://127.0.0.1:63790/0"
	}
	l, err := New(url)
	if err != nil {
		t.Fatalf("build locker: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Ping(ctx); err != nil {
		t.Skipf("redis unavailable for lock tests (%s): %v", url, err)
	}
	return l
}

func TestAcquireRejectsSecondOwnerUntilExpiry(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()
	key := "test-lock-" + uuid.NewString()

	ok, err := l.Acquire(ctx, key, "owner-a", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = l.Acquire(ctx, key, "owner-b", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail while lease is live")
	}

	time.Sleep(100 * time.Millisecond)
	ok, err = l.Acquire(ctx, key, "owner-b", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after expiry, got ok=%v err=%v", ok, err)
	}
	_ = l.Release(ctx, key, "owner-b")
}

func TestReleaseOnlyByOwner(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()
	key := "test-lock-" + uuid.NewString()

	if _, err := l.Acquire(ctx, key, "owner-a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := l.Release(ctx, key, "owner-b"); err != ErrNotHeld {
		t.Fatalf("expected ErrNotHeld releasing with wrong owner, got %v", err)
	}
	if err := l.Release(ctx, key, "owner-a"); err != nil {
		t.Fatalf("expected release by actual owner to succeed: %v", err)
	}

	ok, err := l.Acquire(ctx, key, "owner-c", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected key free after release, got ok=%v err=%v", ok, err)
	}
	_ = l.Release(ctx, key, "owner-c")
}

func TestWithLockSkipsWhenHeldElsewhere(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()
	key := "test-lock-" + uuid.NewString()

	if _, err := l.Acquire(ctx, key, "owner-a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = l.Release(ctx, key, "owner-a") }()

	ran := false
	ok, err := WithLock(ctx, l, key, "owner-b", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock error: %v", err)
	}
	if ok || ran {
		t.Fatal("expected WithLock to skip running fn when lock is held elsewhere")
	}
}
