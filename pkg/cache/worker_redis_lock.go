// Package cache holds small Redis helpers: one-shot claims and
// owner-checked locks.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements SETNX claims and locks.
type RedisLocker struct {
	client redis.Cmdable

	mu     sync.Mutex
	owners map[string]string // key -> token for locks we hold
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client, owners: make(map[string]string)}
}

// Claim returns true the first time key is seen within ttl.
func (l *RedisLocker) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, "1", ttl).Result()
}

// Acquire takes the lock for ttl. false means someone else holds it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, err := newToken()
	if err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return false, err
	}

	l.mu.Lock()
	l.owners[key] = token
	l.mu.Unlock()
	return true, nil
}

// Release frees a lock taken by Acquire. An expired or foreign lock is left
// alone.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.owners[key]
	delete(l.owners, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func newToken() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// =============================================================================
// In-process fallback
// =============================================================================

// MemoryLocker is used when Redis is not configured; it only guards a
// single process.
type MemoryLocker struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{expires: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Acquire(ctx, key, ttl)
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.expires[key] = now.Add(ttl)

	// 만료된 키 정리
	if len(l.expires) > 1024 {
		for k, exp := range l.expires {
			if !now.Before(exp) {
				delete(l.expires, k)
			}
		}
	}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.expires, key)
	l.mu.Unlock()
	return nil
}
