package credential

import (
	"context"
	"errors"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisStateKey = "invoicesync:credentials"

// RedisStore keeps the whole credential document under one Redis key so that
// several service replicas share credentials.
type RedisStore struct {
	client *redis.Client
	key    string
	cipher *Cipher
	logger *zap.Logger
}

// Ensure RedisStore implements CredentialStore
var _ integration.CredentialStore = (*RedisStore)(nil)

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, key string, cipher *Cipher, logger *zap.Logger) *RedisStore {
	if key == "" {
		key = defaultRedisStateKey
	}
	return &RedisStore{
		client: client,
		key:    key,
		cipher: cipher,
		logger: logger,
	}
}

// Load reads the state. A missing key yields an empty state.
func (s *RedisStore) Load(ctx context.Context) (integration.CredentialState, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return integration.NewCredentialState(), nil
	}
	if err != nil {
		return nil, &integration.StorageError{Op: "redis get", Err: err}
	}
	return decodeState(data, s.cipher, s.logger)
}

// Save replaces the stored document with a single SET
func (s *RedisStore) Save(ctx context.Context, state integration.CredentialState) error {
	payload, err := encodeState(state, s.cipher)
	if err != nil {
		return &integration.StorageError{Op: "encode", Err: err}
	}
	if err := s.client.Set(ctx, s.key, payload, 0).Err(); err != nil {
		return &integration.StorageError{Op: "redis set", Err: err}
	}
	return nil
}
