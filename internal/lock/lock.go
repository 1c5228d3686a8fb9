// Package lock provides a Redis-backed distributed lock used to
// deduplicate event processing and elect singleton workers across
// processes.
//
// Locks carry a random owner token and a bounded TTL. Release is an
// atomic compare-and-delete: the releaser re-checks that it still owns
// the lock before deleting, so a lock re-acquired by another process
// after TTL expiry is never deleted by the stale owner. Expiry is the
// recovery mechanism for crashed holders, not manual intervention.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fluxtopus/fluxos/internal/errors"
)

// DefaultTTL bounds how long a lock survives a crashed holder.
const DefaultTTL = 5 * time.Minute

// DefaultPrefix namespaces lock keys in Redis.
const DefaultPrefix = "fluxos:lock:"

// ErrNotAcquired is returned when the lock is held by another owner.
var ErrNotAcquired = errors.New(errors.CodeLockNotAcquired, "lock held by another owner")

// ErrNotHeld is returned when releasing or refreshing a lock the caller
// no longer owns.
var ErrNotHeld = errors.New(errors.CodeLockNotHeld, "lock not held by this owner")

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only when the key still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires distributed locks.
type Locker interface {
	// Acquire attempts to take the lock for key. Returns ErrNotAcquired
	// when another owner holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// RedisLocker implements Locker on Redis SET NX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// LockerOption configures a RedisLocker.
type LockerOption func(*RedisLocker)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) LockerOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.UniversalClient, opts ...LockerOption) *RedisLocker {
	l := &RedisLocker{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock via an atomic set-if-not-exists with TTL.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{client: l.client, key: l.prefix + key, token: token, ttl: ttl}, nil
}

// Lease is a held lock. It is owned by exactly one goroutine in one
// process; the token makes ownership verifiable across processes.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// Token returns the random owner token, exposed for tests.
func (le *Lease) Token() string {
	return le.token
}

// TTL returns the lease duration requested at acquisition.
func (le *Lease) TTL() time.Duration {
	return le.ttl
}

// Release deletes the lock if this lease still owns it. Returns
// ErrNotHeld when the lock expired and was taken by someone else.
func (le *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", le.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Refresh extends the lease TTL if this lease still owns the lock.
func (le *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, le.client, []string{le.key}, le.token, le.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", le.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
