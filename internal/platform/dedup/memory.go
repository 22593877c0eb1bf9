package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is a single-process Guard for development and tests.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claims: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiry, ok := g.claims[key]; ok && now.Before(expiry) {
		return false, nil
	}
	g.claims[key] = now.Add(ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, key)
	return nil
}
