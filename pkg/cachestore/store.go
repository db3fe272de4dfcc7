// Package cachestore provides the key/value store that holds all shared
// mutable state: search result caches, stream link caches, download state
// flags and distributed locks. The Redis backend is authoritative in
// multi-instance deployments; the Badger and memory backends serve
// single-node setups and tests.
package cachestore

import (
	"context"
	"time"
)

// Store is a key/value store with per-entry TTL and an atomic
// set-if-not-exists operation.
//
// Get returns (nil, false, nil) for missing or expired keys.
// A ttl of 0 means "no expiry".
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}
