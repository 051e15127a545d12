package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bifrost-router/tuning/internal/artifact"
)

// Cached decorates a Store with an LRU over fetched archives. Artifacts are
// immutable once published, so cached entries never go stale; Retire evicts
// the removed versions.
type Cached struct {
	inner Store
	cache *lru.Cache[string, *artifact.Archive]
}

// NewCached wraps inner with a cache of the given size.
func NewCached(inner Store, size int) (*Cached, error) {
	cache, err := lru.New[string, *artifact.Archive](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Put persists and warms the cache.
func (c *Cached) Put(ctx context.Context, a *artifact.Archive) error {
	if err := c.inner.Put(ctx, a); err != nil {
		return err
	}
	c.cache.Add(a.Manifest.Version, a)
	return nil
}

// Get serves from cache when possible.
func (c *Cached) Get(ctx context.Context, version string) (*artifact.Archive, error) {
	if a, ok := c.cache.Get(version); ok {
		return a, nil
	}
	a, err := c.inner.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	c.cache.Add(version, a)
	return a, nil
}

// Exists consults the cache before the backend.
func (c *Cached) Exists(ctx context.Context, version string) (bool, error) {
	if c.cache.Contains(version) {
		return true, nil
	}
	return c.inner.Exists(ctx, version)
}

// List always hits the backend; listings are cheap and must be fresh.
func (c *Cached) List(ctx context.Context) ([]string, error) {
	return c.inner.List(ctx)
}

// Latest resolves the newest version through the backend listing, then
// serves the archive from cache when possible.
func (c *Cached) Latest(ctx context.Context) (*artifact.Archive, error) {
	versions, err := c.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return c.Get(ctx, versions[0])
}

// Retire applies retention and evicts removed versions.
func (c *Cached) Retire(ctx context.Context, keep int) ([]string, error) {
	removed, err := c.inner.Retire(ctx, keep)
	for _, v := range removed {
		c.cache.Remove(v)
	}
	return removed, err
}
