package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// LocalRunGuard
// ---------------------------------------------------------------------------

// LocalRunGuard prevents overlapping reconciliation runs within one process
type LocalRunGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalRunGuard creates an empty guard
func NewLocalRunGuard() *LocalRunGuard {
	return &LocalRunGuard{held: make(map[string]struct{})}
}

// TryAcquire takes the key without blocking. acquired is false when another
// run holds it.
func (g *LocalRunGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[key]; busy {
		return nil, false, nil
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether key is currently held
func (g *LocalRunGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// ---------------------------------------------------------------------------
// RedisRunGuard
// ---------------------------------------------------------------------------

// releaseScript deletes the lock only when it still carries our token, so an
// expired lock re-taken by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunGuard prevents overlapping runs across replicas. The lock expires
// after ttl so a crashed replica cannot block a pair forever.
type RedisRunGuard struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisRunGuard creates a guard on an existing client
func NewRedisRunGuard(client *redis.Client, ttl time.Duration) *RedisRunGuard {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisRunGuard{
		client:    client,
		keyPrefix: "invoicesync:run:",
		ttl:       ttl,
	}
}

// TryAcquire sets the lock key with NX and PX
func (g *RedisRunGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	redisKey := g.keyPrefix + key

	ok, err := g.client.SetNX(ctx, redisKey, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire run lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's context may already be done when the run finishes
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, g.client, []string{redisKey}, token).Err()
		})
	}, true, nil
}
