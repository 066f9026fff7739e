package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/erp/invoicesync/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects to Redis and verifies the connection with a ping
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Factory builds claim stores and run guards for the configured backends
type Factory struct {
	client *redis.Client
	logger *zap.Logger
}

// NewFactory creates a factory. client may be nil when Redis is disabled.
func NewFactory(client *redis.Client, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{client: client, logger: logger}
}

// ClaimStore returns the creation claim store for backend ("memory" or "redis")
func (f *Factory) ClaimStore(backend string) (shared.IdempotencyStore, error) {
	switch backend {
	case "", "memory":
		f.logger.Info("using in-memory creation claims; concurrent replicas are not coordinated")
		return NewMemoryClaimStore(), nil
	case "redis":
		if f.client == nil {
			return nil, fmt.Errorf("claim backend redis requires a Redis client")
		}
		f.logger.Info("using Redis creation claims")
		return NewRedisClaimStore(f.client, ""), nil
	default:
		return nil, fmt.Errorf("unknown claim backend %q", backend)
	}
}

// RunGuard is implemented by LocalRunGuard and RedisRunGuard
type RunGuard interface {
	TryAcquire(ctx context.Context, key string) (release func(), acquired bool, err error)
}

var (
	_ RunGuard = (*LocalRunGuard)(nil)
	_ RunGuard = (*RedisRunGuard)(nil)
)

// RunGuard returns the overlap guard for backend ("local" or "redis")
func (f *Factory) RunGuard(backend string, ttl time.Duration) (RunGuard, error) {
	switch backend {
	case "", "local":
		return NewLocalRunGuard(), nil
	case "redis":
		if f.client == nil {
			return nil, fmt.Errorf("guard backend redis requires a Redis client")
		}
		return NewRedisRunGuard(f.client, ttl), nil
	default:
		return nil, fmt.Errorf("unknown guard backend %q", backend)
	}
}
