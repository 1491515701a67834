package oauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache holds short-lived access tokens per user.
type TokenCache interface {
	Get(ctx context.Context, userID string) (string, bool, error)
	Set(ctx context.Context, userID, token string, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// MemoryTokenCache is process-local: instances behind a load balancer do not
// share it. Use RedisTokenCache for multi-instance deployments.
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]cachedToken
	now     func() time.Time
}

func NewMemoryTokenCache(now func() time.Time) *MemoryTokenCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryTokenCache{
		entries: make(map[string]cachedToken),
		now:     now,
	}
}

// Get evicts and misses on entries at or past their expiry.
func (c *MemoryTokenCache) Get(ctx context.Context, userID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, userID)
		return "", false, nil
	}
	return e.token, true, nil
}

func (c *MemoryTokenCache) Set(ctx context.Context, userID, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cachedToken{token: token, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryTokenCache) Delete(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

// Prune drops every expired entry and returns how many went.
func (c *MemoryTokenCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *MemoryTokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisTokenCache stores tokens under prefix+userID with a native TTL so all
// instances see the same cache.
type RedisTokenCache struct {
	c      *redis.Client
	prefix string
}

func NewRedisTokenCache(client *redis.Client, prefix string) *RedisTokenCache {
	return &RedisTokenCache{c: client, prefix: prefix}
}

func (r *RedisTokenCache) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisTokenCache) Get(ctx context.Context, userID string) (string, bool, error) {
	v, err := r.c.Get(ctx, r.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisTokenCache) Set(ctx context.Context, userID, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.c.Set(ctx, r.key(userID), token, ttl).Err()
}

func (r *RedisTokenCache) Delete(ctx context.Context, userID string) error {
	return r.c.Del(ctx, r.key(userID)).Err()
}

func (r *RedisTokenCache) Close() error { return r.c.Close() }
