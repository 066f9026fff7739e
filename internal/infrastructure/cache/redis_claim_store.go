package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

const defaultClaimPrefix = "invoicesync:claim:"

// RedisClaimStore shares creation claims between replicas using SET NX
type RedisClaimStore struct {
	client    *redis.Client
	keyPrefix string
}

// Ensure RedisClaimStore implements IdempotencyStore
var _ shared.IdempotencyStore = (*RedisClaimStore)(nil)

// NewRedisClaimStore creates a store on an existing client
func NewRedisClaimStore(client *redis.Client, keyPrefix string) *RedisClaimStore {
	if keyPrefix == "" {
		keyPrefix = defaultClaimPrefix
	}
	return &RedisClaimStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// MarkProcessed claims key for ttl in one atomic SET NX
func (s *RedisClaimStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// IsProcessed reports whether the claim key exists
func (s *RedisClaimStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check claim %s: %w", key, err)
	}
	return n > 0, nil
}

// Release deletes the claim key
func (s *RedisClaimStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release claim %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the client is shared and closed by its owner
func (s *RedisClaimStore) Close() error {
	return nil
}
