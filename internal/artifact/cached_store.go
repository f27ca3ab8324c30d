package artifact

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"storyforge/internal/metrics"
)

// CacheConfig bounds the CachedStore layers. Zero values take the defaults.
type CacheConfig struct {
	TTL          time.Duration
	MaxArtifacts int
	MaxListings  int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 5 * time.Minute, MaxArtifacts: 1024, MaxListings: 256}
}

// CacheStats counts artifact and listing reads served by the cache.
type CacheStats struct {
	Hits         uint64
	Misses       uint64
	OriginErrors uint64
}

// CachedStore fronts a remote Store with expiring LRU caches. Writes go to the
// origin first and only then refresh the cache. Context assembly reads the
// same predecessor artifacts for every downstream stage, which is what the
// artifact layer absorbs.
type CachedStore struct {
	origin Store
	blobs  *expirable.LRU[key, []byte]
	lists  *expirable.LRU[string, []string]

	hits, misses, originErrs atomic.Uint64
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxArtifacts <= 0 {
		cfg.MaxArtifacts = def.MaxArtifacts
	}
	if cfg.MaxListings <= 0 {
		cfg.MaxListings = def.MaxListings
	}
	return &CachedStore{
		origin: origin,
		blobs:  expirable.NewLRU[key, []byte](cfg.MaxArtifacts, nil, cfg.TTL),
		lists:  expirable.NewLRU[string, []string](cfg.MaxListings, nil, cfg.TTL/4),
	}
}

func (s *CachedStore) Put(ctx context.Context, sessionID, p string, content []byte) error {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return err
	}
	if err := s.origin.Put(ctx, k.session, k.path, content); err != nil {
		s.originErrs.Add(1)
		return err
	}
	s.blobs.Add(k, append([]byte(nil), content...))
	s.lists.Remove(k.session)
	return nil
}

func (s *CachedStore) Get(ctx context.Context, sessionID, p string) ([]byte, error) {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return nil, err
	}
	if raw, ok := s.blobs.Get(k); ok {
		s.hit("artifact")
		return append([]byte(nil), raw...), nil
	}
	s.miss("artifact")
	raw, err := s.origin.Get(ctx, k.session, k.path)
	if err != nil {
		s.originErrs.Add(1)
		return nil, err
	}
	s.blobs.Add(k, append([]byte(nil), raw...))
	return raw, nil
}

func (s *CachedStore) List(ctx context.Context, sessionID string) ([]string, error) {
	session, err := parseSession(sessionID)
	if err != nil {
		return nil, err
	}
	if paths, ok := s.lists.Get(session); ok {
		s.hit("listing")
		return append([]string(nil), paths...), nil
	}
	s.miss("listing")
	paths, err := s.origin.List(ctx, session)
	if err != nil {
		s.originErrs.Add(1)
		return nil, err
	}
	s.lists.Add(session, append([]string(nil), paths...))
	return paths, nil
}

func (s *CachedStore) Stats() CacheStats {
	return CacheStats{Hits: s.hits.Load(), Misses: s.misses.Load(), OriginErrors: s.originErrs.Load()}
}

func (s *CachedStore) hit(layer string) {
	s.hits.Add(1)
	metrics.ArtifactCacheLookups.WithLabelValues(layer, "hit").Inc()
}

func (s *CachedStore) miss(layer string) {
	s.misses.Add(1)
	metrics.ArtifactCacheLookups.WithLabelValues(layer, "miss").Inc()
}
