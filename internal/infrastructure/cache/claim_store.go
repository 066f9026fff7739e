package cache

import (
	"context"
	"sync"
	"time"

	"github.com/erp/invoicesync/internal/domain/shared"
)

type claim struct {
	expiresAt time.Time
}

// MemoryClaimStore holds creation claims in process memory. Suitable for a
// single replica and for tests.
type MemoryClaimStore struct {
	mu        sync.RWMutex
	claims    map[string]claim
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Ensure MemoryClaimStore implements IdempotencyStore
var _ shared.IdempotencyStore = (*MemoryClaimStore)(nil)

// NewMemoryClaimStore creates the store and starts the expiry sweeper
func NewMemoryClaimStore() *MemoryClaimStore {
	store := &MemoryClaimStore{
		claims:   make(map[string]claim),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	store.wg.Add(1)
	go store.sweepLoop(time.Minute)

	return store
}

// MarkProcessed claims key for ttl. It returns false while a live claim exists.
func (s *MemoryClaimStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.claims[key]; ok && now.Before(c.expiresAt) {
		return false, nil
	}
	s.claims[key] = claim{expiresAt: now.Add(ttl)}
	return true, nil
}

// IsProcessed reports whether a live claim exists
func (s *MemoryClaimStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.claims[key]
	return ok && s.now().Before(c.expiresAt), nil
}

// Release drops a claim
func (s *MemoryClaimStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.claims, key)
	s.mu.Unlock()
	return nil
}

// Close stops the sweeper. Safe to call multiple times.
func (s *MemoryClaimStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *MemoryClaimStore) sweepLoop(every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryClaimStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, c := range s.claims {
		if !now.Before(c.expiresAt) {
			delete(s.claims, key)
		}
	}
}

// Size returns the number of held claims, expired ones included until swept
func (s *MemoryClaimStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.claims)
}
