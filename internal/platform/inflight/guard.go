// Package inflight implements the double-submission guard for checkout attempts.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another attempt already holds the key.
var ErrHeld = errors.New("inflight: key already held")

// Lease is proof of ownership returned by Acquire. Only the owner's lease can release the key.
type Lease struct {
	Key   string
	Token string
}

// Guard marks a checkout attempt as in flight. The flag expires on its own after ttl so a
// browser that never returns cannot block the shopper forever.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// MemoryGuard keeps flags in process memory.
type MemoryGuard struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memoryItem
}

type memoryItem struct {
	token   string
	expires time.Time
}

// NewMemoryGuard constructs a MemoryGuard. A nil clock uses time.Now.
func NewMemoryGuard(now func() time.Time) *MemoryGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryGuard{now: now, items: make(map[string]memoryItem)}
}

// Acquire implements Guard.
func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Lease{}, errors.New("inflight: key is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if item, ok := g.items[key]; ok && now.Before(item.expires) {
		return Lease{}, ErrHeld
	}
	lease := Lease{Key: key, Token: uuid.NewString()}
	g.items[key] = memoryItem{token: lease.Token, expires: now.Add(ttl)}
	return lease, nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(_ context.Context, lease Lease) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if item, ok := g.items[lease.Key]; ok && item.token == lease.Token {
		delete(g.items, lease.Key)
	}
	return nil
}

const redisKeyPrefix = "settlement:inflight:"

// compare-and-delete so an expired lease cannot release a newer holder's flag.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard shares flags across API instances through Redis SET NX PX.
type RedisGuard struct {
	client redis.UniversalClient
}

// NewRedisGuard constructs a RedisGuard.
func NewRedisGuard(client redis.UniversalClient) *RedisGuard {
	return &RedisGuard{client: client}
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Lease{}, errors.New("inflight: key is required")
	}
	lease := Lease{Key: key, Token: uuid.NewString()}
	ok, err := g.client.SetNX(ctx, redisKeyPrefix+key, lease.Token, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("inflight: acquire %s: %w", key, err)
	}
	if !ok {
		return Lease{}, ErrHeld
	}
	return lease, nil
}

// Release implements Guard.
func (g *RedisGuard) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, g.client, []string{redisKeyPrefix + lease.Key}, lease.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("inflight: release %s: %w", lease.Key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable, for readiness probes.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
