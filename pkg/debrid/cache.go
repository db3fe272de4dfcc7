package debrid

import (
	"sync"
	"time"
)

// Cache remembers when a user's API key or token was last seen working.
// Only valid keys get cached: the entry's existence is the positive signal,
// its age tells the client when to re-verify. Implementations wrap whatever
// cache the host application uses.
type Cache interface {
	Set(key string) error
	Get(key string) (time.Time, bool, error)
}

var _ Cache = (*InMemoryCache)(nil)

// InMemoryCache is a process-local Cache. Entries don't survive restarts,
// which for token validity only costs one extra verification request.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		entries: map[string]time.Time{},
	}
}

// Set records that the key was verified just now.
func (c *InMemoryCache) Set(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = time.Now()
	return nil
}

// Get returns when the key was last verified and whether it was found.
func (c *InMemoryCache) Get(key string) (time.Time, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	created, found := c.entries[key]
	return created, found, nil
}
