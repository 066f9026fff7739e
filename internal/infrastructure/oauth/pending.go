package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/redis/go-redis/v9"
)

// ErrPendingNotFound is returned when no authorization is pending for a nonce
var ErrPendingNotFound = errors.New("oauth: pending authorization not found")

// PendingAuthorization is kept between the authorize redirect and the callback
type PendingAuthorization struct {
	Nonce        string                  `json:"nonce"`
	Service      integration.ServiceType `json:"service"`
	CodeVerifier string                  `json:"codeVerifier,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
}

// PendingStore holds pending authorizations until their callback arrives
type PendingStore interface {
	Put(ctx context.Context, p PendingAuthorization, ttl time.Duration) error
	// Take returns and deletes the entry so it can be used only once
	Take(ctx context.Context, nonce string) (*PendingAuthorization, error)
}

// ---------------------------------------------------------------------------
// MemoryPendingStore
// ---------------------------------------------------------------------------

type pendingEntry struct {
	p         PendingAuthorization
	expiresAt time.Time
}

// MemoryPendingStore keeps pending authorizations in process memory
type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	now     func() time.Time
}

// NewMemoryPendingStore creates an empty store
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{
		entries: make(map[string]pendingEntry),
		now:     time.Now,
	}
}

// Put stores p under its nonce. Expired entries are dropped on every write.
func (s *MemoryPendingStore) Put(ctx context.Context, p PendingAuthorization, ttl time.Duration) error {
	if p.Nonce == "" {
		return errors.New("oauth: pending authorization without nonce")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[p.Nonce] = pendingEntry{p: p, expiresAt: now.Add(ttl)}
	return nil
}

// Take returns and removes the entry
func (s *MemoryPendingStore) Take(ctx context.Context, nonce string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[nonce]
	if !ok {
		return nil, ErrPendingNotFound
	}
	delete(s.entries, nonce)
	if !s.now().Before(e.expiresAt) {
		return nil, ErrPendingNotFound
	}
	p := e.p
	return &p, nil
}

// Len returns the number of stored entries
func (s *MemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ---------------------------------------------------------------------------
// RedisPendingStore
// ---------------------------------------------------------------------------

// RedisPendingStore shares pending authorizations between replicas so the
// callback may land on any of them.
type RedisPendingStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisPendingStore creates a store on an existing client
func NewRedisPendingStore(client *redis.Client) *RedisPendingStore {
	return &RedisPendingStore{client: client, keyPrefix: "invoicesync:oauth:pending:"}
}

// Put stores p as JSON with ttl
func (s *RedisPendingStore) Put(ctx context.Context, p PendingAuthorization, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyPrefix+p.Nonce, data, ttl).Err(); err != nil {
		return fmt.Errorf("oauth: store pending authorization: %w", err)
	}
	return nil
}

// Take reads and deletes the entry with GETDEL
func (s *RedisPendingStore) Take(ctx context.Context, nonce string) (*PendingAuthorization, error) {
	data, err := s.client.GetDel(ctx, s.keyPrefix+nonce).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("oauth: load pending authorization: %w", err)
	}
	var p PendingAuthorization
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("oauth: decode pending authorization: %w", err)
	}
	return &p, nil
}

var (
	_ PendingStore = (*MemoryPendingStore)(nil)
	_ PendingStore = (*RedisPendingStore)(nil)
)
