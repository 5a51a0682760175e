// Package cache is the ephemeral key-value port behind presence, slow mode and
// counter caching. Implementations give no durability guarantee.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a TTL key-value store with expiring set members.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// SetAdd inserts member into the set at key; the member expires after ttl
	// unless refreshed by another SetAdd.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error
	SetRemove(ctx context.Context, key, member string) error
	// SetMembers returns the live members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
