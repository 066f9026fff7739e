package shared

import (
	"context"
	"time"
)

// IdempotencyStore records claimed keys so that a unit of work runs at most once
// while the claim is alive.
type IdempotencyStore interface {
	// MarkProcessed claims a key with a TTL.
	// Returns true if the key was newly claimed, false if it was already held.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsProcessed checks if a key is currently claimed
	IsProcessed(ctx context.Context, key string) (bool, error)

	// Release drops a claim so the work may be attempted again
	Release(ctx context.Context, key string) error

	// Close closes the store and releases resources
	Close() error
}
