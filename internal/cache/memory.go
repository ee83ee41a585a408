package cache

import (
	"context"
	"sync"
	"time"

	"ranksync/pkg/uid"
)

// claimEntry represents a held claim with expiration.
type claimEntry struct {
	owner     string
	expiresAt time.Time
}

// isExpired checks if the claim has lapsed.
func (e *claimEntry) isExpired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryClaimer is an in-memory implementation of Claimer.
// Every MemoryClaimer is its own owner, so two instances sharing a map is not supported.
type MemoryClaimer struct {
	mu      sync.Mutex
	owner   string
	entries map[string]*claimEntry
	nowFunc func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryClaimer creates an in-memory claimer with automatic cleanup.
func NewMemoryClaimer() *MemoryClaimer {
	c := &MemoryClaimer{
		owner:           uid.New(),
		entries:         make(map[string]*claimEntry),
		nowFunc:         time.Now,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Claim takes key for ttl unless an unexpired claim exists.
func (c *MemoryClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if entry, exists := c.entries[key]; exists && !entry.isExpired(now) {
		return false, nil
	}

	c.entries[key] = &claimEntry{owner: c.owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops key if this claimer holds it.
func (c *MemoryClaimer) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists && entry.owner == c.owner {
		delete(c.entries, key)
	}
	return nil
}

// Len returns the number of live claims.
func (c *MemoryClaimer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	n := 0
	for _, entry := range c.entries {
		if !entry.isExpired(now) {
			n++
		}
	}
	return n
}

// Close stops the background cleanup goroutine.
func (c *MemoryClaimer) Close() error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	return nil
}

// cleanup periodically removes expired claims.
func (c *MemoryClaimer) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

// removeExpired removes all expired claims.
func (c *MemoryClaimer) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for key, entry := range c.entries {
		if entry.isExpired(now) {
			delete(c.entries, key)
		}
	}
}

// Ensure MemoryClaimer implements Claimer
var _ Claimer = (*MemoryClaimer)(nil)
