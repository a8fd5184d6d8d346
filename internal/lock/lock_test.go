package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mangasync/internal/errs"
	"mangasync/pkg/kvstore"
)

func newLocker(t *testing.T) (*miniredis.Miniredis, *Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lk := NewLocker(rdb, kvstore.NewKeys("test"))
	lk.pollInterval = 5 * time.Millisecond
	return mr, lk
}

func TestAcquireIsExclusive(t *testing.T) {
	_, lk := newLocker(t)
	ctx := context.Background()

	held, err := lk.Acquire(ctx, "ingest:s1:10", time.Minute, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = lk.Acquire(ctx, "ingest:s1:10", time.Minute, 20*time.Millisecond)
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if errs.KindOf(err) != errs.KindExhausted {
		t.Errorf("expected exhaustion kind, got %s", errs.KindOf(err))
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, err := lk.Acquire(ctx, "ingest:s1:10", time.Minute, 0)
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	_ = again.Release(ctx)
}

func TestExpiredLockCanBeRetaken(t *testing.T) {
	mr, lk := newLocker(t)
	ctx := context.Background()

	stale, err := lk.Acquire(ctx, "k", time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := lk.Acquire(ctx, "k", time.Minute, 0)
	if err != nil {
		t.Fatalf("expected to take expired lock, got %v", err)
	}

	// The stale holder must not delete the new owner's lock.
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mr.Exists(fresh.Key()) {
		t.Fatal("stale release removed a lock it no longer owned")
	}
	if ok, _ := stale.Extend(ctx, time.Minute); ok {
		t.Error("stale holder should not be able to extend")
	}
	if ok, _ := fresh.Extend(ctx, time.Minute); !ok {
		t.Error("owner should be able to extend")
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	mr, lk := newLocker(t)
	boom := errors.New("boom")

	err := lk.WithLock(context.Background(), "k", time.Minute, 0, func(context.Context) error {
		if !mr.Exists("test:lock:k") {
			t.Error("lock should be held inside fn")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if mr.Exists("test:lock:k") {
		t.Fatal("lock should be released after fn returns")
	}
}
