package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker guards a schedule slot so that only one scheduler fires it.
type Locker interface {
	// Acquire reports whether the caller now holds key. The lock expires after ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// LocalLocker is a Locker for a single scheduler process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if until, ok := l.held[key]; ok && now.Before(until) {
		return false, nil
	}

	l.held[key] = now.Add(ttl)

	for k, until := range l.held {
		if !now.Before(until) {
			delete(l.held, k)
		}
	}

	return true, nil
}

func (l *LocalLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()

	return nil
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares schedule locks between scheduler replicas with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	token  string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, token: uuid.NewString()}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	return nil
}
