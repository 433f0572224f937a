// Package store defines the cache-tier abstraction used for short-lived state
// (connection tokens, status snapshots).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("store: cache miss")

// Cache is a key/value store with per-key expiry. Every method is atomic per key.
type Cache interface {
	// Set writes value, replacing any previous value and ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
