package cachestore

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var _ Store = (*Memory)(nil)

// Memory is a Store backed by an in-memory go-cache. State is lost on
// restart. It's the default when no Redis address and no BadgerDB path
// are configured, and it's what the tests use.
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates a new in-memory store. Expired entries are evicted
// every 10 minutes.
func NewMemory() *Memory {
	return &Memory{
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := s.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	return val.([]byte), true, nil
}

func (s *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s.cache.Set(key, value, ttl)
	return nil
}

func (s *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	// Add is atomic and fails when a non-expired entry exists.
	if err := s.cache.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Memory) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.cache.Delete(key)
	}
	return nil
}

func (s *Memory) Close() error {
	return nil
}
