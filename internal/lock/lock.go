// Package lock implements the distributed lock port (spec C4): a
// key-value lease with TTL used by scheduled singletons (SLA sweeper,
// availability sweeper, email poll trigger) to guarantee at most one active
// instance across processes.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when owner does not currently hold key.
var ErrNotHeld = errors.New("lock: not held by owner")

// releaseScript deletes key only if its value still matches owner, so a
// lock that expired and was re-acquired by someone else is never torn down
// by a late release call.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

type Locker struct {
	client *redis.Client
}

func New(url string) (*Locker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Locker{client: redis.NewClient(opt)}, nil
}

func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Locker) Close() error {
	return l.client.Close()
}

// Acquire succeeds iff no row for key exists or its lease has expired,
// atomically writing {owner, ttl}. SET NX already handles "row absent";
// Redis's own key expiry handles "lease expired" for us, so this is a single
// round trip rather than the read-then-conditional-write the storage-backed
// version of this port would need.
func (l *Locker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, owner, ttl).Result()
}

// Release deletes key only if owner still holds it.
func (l *Locker) Release(ctx context.Context, key, owner string) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Result()
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend refreshes the TTL on a lock this process still holds, for a
// long-running sweeper that wants to renew its lease mid-run.
func (l *Locker) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`
	res, err := l.client.Eval(ctx, extendScript, []string{key}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// WithLock runs fn only if key is acquired, releasing it afterward
// regardless of fn's outcome. Returns false if the lock was held elsewhere.
func WithLock(ctx context.Context, l *Locker, key, owner string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := l.Acquire(ctx, key, owner, ttl)
	if err != nil || !acquired {
		return false, err
	}
	defer func() { _ = l.Release(ctx, key, owner) }()
	return true, fn(ctx)
}
