// Package keycache fronts the key store's hot-path lookups with a bounded,
// short-lived cache. Entries expire after a few seconds so a revoked or
// rotated key is rejected promptly even on replicas that did not perform the
// write; local writes invalidate immediately.
package keycache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/apikeyd/apikeyd/internal/model"
)

// MaxTTL caps the configurable entry lifetime.
const MaxTTL = 10 * time.Second

// Source is the backing store.
type Source interface {
	GetByHash(ctx context.Context, hash string) (*model.APIKey, error)
	GetOwner(ctx context.Context, id string) (*model.Owner, error)
}

// Cache caches key-by-hash and owner lookups. Returned values are copies the
// caller may mutate.
type Cache struct {
	src    Source
	keys   *expirable.LRU[string, *model.APIKey]
	owners *expirable.LRU[string, *model.Owner]
	// hashes maps key ID to its cached hash so invalidation by ID works.
	hashes *expirable.LRU[string, string]
}

// New creates a Cache holding up to size keys for ttl. A ttl of zero
// disables caching; ttl above MaxTTL is clamped.
func New(src Source, size int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		return &Cache{src: src}
	}
	if size <= 0 {
		size = 10000
	}
	ttl = min(ttl, MaxTTL)
	return &Cache{
		src:    src,
		keys:   expirable.NewLRU[string, *model.APIKey](size, nil, ttl),
		owners: expirable.NewLRU[string, *model.Owner](size, nil, ttl),
		hashes: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// GetByHash returns the key with the given hash. Lookup misses are not
// cached so a freshly issued key verifies at once.
func (c *Cache) GetByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	if c.keys != nil {
		if k, ok := c.keys.Get(hash); ok {
			return k.Clone(), nil
		}
	}
	k, err := c.src.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if c.keys != nil {
		c.keys.Add(hash, k.Clone())
		c.hashes.Add(k.ID, hash)
	}
	return k, nil
}

// GetOwner returns the owner with the given ID.
func (c *Cache) GetOwner(ctx context.Context, id string) (*model.Owner, error) {
	if c.owners != nil {
		if o, ok := c.owners.Get(id); ok {
			cp := *o
			return &cp, nil
		}
	}
	o, err := c.src.GetOwner(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.owners != nil {
		cp := *o
		c.owners.Add(id, &cp)
	}
	return o, nil
}

// InvalidateKey drops the cached entry of a key by ID, and by hash when the
// caller knows it.
func (c *Cache) InvalidateKey(id string, hashes ...string) {
	if c.keys == nil {
		return
	}
	if h, ok := c.hashes.Peek(id); ok {
		c.keys.Remove(h)
	}
	for _, h := range hashes {
		c.keys.Remove(h)
	}
	c.hashes.Remove(id)
}

// InvalidateOwner drops the cached owner.
func (c *Cache) InvalidateOwner(id string) {
	if c.owners != nil {
		c.owners.Remove(id)
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	if c.keys == nil {
		return
	}
	c.keys.Purge()
	c.owners.Purge()
	c.hashes.Purge()
}
