// Package cache provides small typed in-memory TTL caches backed by otter.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// TTL is an in-memory W-TinyLFU cache with per-entry expiration.
type TTL[V any] struct {
	cache      *otter.Cache[string, entry[V]]
	defaultTTL time.Duration
}

// NewTTL creates a cache with the given max entry count and default TTL.
func NewTTL[V any](maxSize int, defaultTTL time.Duration) (*TTL[V], error) {
	c, err := otter.New[string, entry[V]](&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &TTL[V]{cache: c, defaultTTL: defaultTTL}, nil
}

// Get retrieves a value if present and not expired.
func (t *TTL[V]) Get(key string) (V, bool) {
	e, ok := t.cache.GetIfPresent(key)
	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			t.cache.Invalidate(key)
		}
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores a value with the default TTL.
func (t *TTL[V]) Set(key string, v V) {
	t.SetTTL(key, v, t.defaultTTL)
}

// SetTTL stores a value with a per-entry TTL.
func (t *TTL[V]) SetTTL(key string, v V, ttl time.Duration) {
	t.cache.Set(key, entry[V]{val: v, expiresAt: time.Now().Add(ttl)})
}

// Delete removes a value.
func (t *TTL[V]) Delete(key string) {
	t.cache.Invalidate(key)
}

// Purge removes all values.
func (t *TTL[V]) Purge() {
	t.cache.InvalidateAll()
}
