package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mangasync/internal/errs"
	"mangasync/pkg/kvstore"
)

// ErrNotAcquired is returned when the lock could not be taken within the
// wait budget. It is classified as exhaustion so the caller's job retry
// policy decides what happens next.
var ErrNotAcquired = errors.New("lock not acquired")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out TTL-bounded mutual exclusion locks stored in Redis.
// A crashed holder never wedges a key for longer than the TTL.
type Locker struct {
	rdb          redis.Cmdable
	keys         kvstore.Keys
	pollInterval time.Duration
}

func NewLocker(rdb redis.Cmdable, keys kvstore.Keys) *Locker {
	return &Locker{rdb: rdb, keys: keys, pollInterval: 50 * time.Millisecond}
}

// Lock is a held lock. Release it exactly once.
type Lock struct {
	rdb   redis.Cmdable
	key   string
	token string
}

func (l *Lock) Key() string { return l.key }

// Acquire takes the lock named by name, polling until wait elapses.
// wait == 0 makes a single attempt.
func (lk *Locker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (*Lock, error) {
	key := lk.keys.Key("lock", name)
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := lk.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, errs.Wrap("acquire lock "+name, err)
		}
		if ok {
			return &Lock{rdb: lk.rdb, key: key, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errs.New(errs.KindExhausted, "acquire lock "+name, ErrNotAcquired)
		}
		pause := lk.pollInterval
		if pause > remaining {
			pause = remaining
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errs.Wrap("acquire lock "+name, ctx.Err())
		case <-t.C:
		}
	}
}

// Release deletes the lock if this holder still owns it. Releasing a lock
// that expired and was taken by someone else is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Extend pushes the expiry out to ttl from now. It reports false if the
// lock was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding the named lock and always releases it.
func (lk *Locker) WithLock(ctx context.Context, name string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	l, err := lk.Acquire(ctx, name, ttl, wait)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a cancelled job still frees the key.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.Release(relCtx)
	}()
	return fn(ctx)
}
