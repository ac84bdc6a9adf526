package storage

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/lamim/storyforge/pkg/models"
)

// CachedStore serves repeated reads from memory. Blobs are immutable, so
// entries never need invalidation beyond expiry.
type CachedStore struct {
	backend Store
	cache   *cache.Cache
}

// NewCachedStore wraps backend with an in-memory read cache
func NewCachedStore(backend Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		backend: backend,
		cache:   cache.New(ttl, 2*ttl),
	}
}

// Put writes through to the backend. Only self-addressed blobs prime the cache:
// for other refs the backend may already hold different bytes.
func (s *CachedStore) Put(ctx context.Context, ref models.ArtifactRef, data []byte) error {
	if err := s.backend.Put(ctx, ref, data); err != nil {
		return err
	}
	if RefFor(data) == ref {
		s.cache.SetDefault(string(ref), data)
	}
	return nil
}

// Get returns the cached blob or loads it from the backend
func (s *CachedStore) Get(ctx context.Context, ref models.ArtifactRef) ([]byte, error) {
	if v, found := s.cache.Get(string(ref)); found {
		return v.([]byte), nil
	}
	data, err := s.backend.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(string(ref), data)
	return data, nil
}

// Exists consults the cache before the backend
func (s *CachedStore) Exists(ctx context.Context, ref models.ArtifactRef) (bool, error) {
	if _, found := s.cache.Get(string(ref)); found {
		return true, nil
	}
	return s.backend.Exists(ctx, ref)
}
