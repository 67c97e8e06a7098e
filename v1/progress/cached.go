package progress

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CachedStore is a read-through decorator for a Store. Status endpoints poll
// progress far more often than processors write it; the ristretto layer
// absorbs those reads. Every write path invalidates the cached entry, and
// cached records carry the record's remaining TTL so the cache can never
// outlive the record it shadows.
type CachedStore struct {
	inner Store
	cache *ristretto.Cache
	ttl   time.Duration
}

// CachedOption configures the underlying ristretto cache.
type CachedOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
func WithRistretto(cfg *ristretto.Config) CachedOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewCached wraps inner with an in-process read cache. ttl must not exceed
// the inner store's record TTL; a non-positive value means DefaultTTL.
func NewCached(inner Store, ttl time.Duration, opts ...CachedOption) (*CachedStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cfg := &ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	c, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, cache: c, ttl: ttl}, nil
}

// Set implements Store.Set.
func (s *CachedStore) Set(ctx context.Context, id string, progress map[string]any) error {
	s.cache.Del(id)
	return s.inner.Set(ctx, id, progress)
}

// Get implements Store.Get.
func (s *CachedStore) Get(ctx context.Context, id string) (*Record, error) {
	if v, ok := s.cache.Get(id); ok {
		if rec, ok := v.(*Record); ok {
			return rec, nil
		}
	}
	rec, err := s.inner.Get(ctx, id)
	if err != nil || rec == nil {
		return rec, err
	}
	// Cache only for the record's remaining lifetime, not the full TTL from
	// read time, so the cached copy expires no later than the record itself.
	if remaining := s.ttl - time.Since(rec.UpdatedAt); remaining > 0 {
		s.cache.SetWithTTL(id, rec, 1, remaining)
	}
	return rec, nil
}

// Delete implements Store.Delete.
func (s *CachedStore) Delete(ctx context.Context, id string) error {
	s.cache.Del(id)
	return s.inner.Delete(ctx, id)
}

// Update implements Store.Update.
func (s *CachedStore) Update(ctx context.Context, id string, fields map[string]any) error {
	s.cache.Del(id)
	return s.inner.Update(ctx, id, fields)
}

// Close releases the cache's internal goroutines.
func (s *CachedStore) Close() {
	s.cache.Close()
}
