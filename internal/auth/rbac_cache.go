package auth

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"bastion.dev/internal/obs"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 5 * time.Second
)

// CachedResolver is a read-through grant cache keyed by principal id. Entries
// live for a few seconds so role changes show up quickly even without Invalidate.
type CachedResolver struct {
	src   GrantSource
	cache *lru.LRU[string, Grants]
}

// NewCachedResolver wraps src. Non-positive size or ttl selects defaults.
func NewCachedResolver(src GrantSource, size int, ttl time.Duration) *CachedResolver {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedResolver{
		src:   src,
		cache: lru.NewLRU[string, Grants](size, nil, ttl),
	}
}

func (c *CachedResolver) Grants(ctx context.Context, principalID string) (Grants, error) {
	if g, ok := c.cache.Get(principalID); ok {
		obs.RecordRBACCache("hit")
		return g, nil
	}
	obs.RecordRBACCache("miss")
	g, err := c.src.Grants(ctx, principalID)
	if err != nil {
		return Grants{}, err
	}
	c.cache.Add(principalID, g)
	return g, nil
}

// Invalidate drops the cached grants for a principal.
func (c *CachedResolver) Invalidate(principalID string) {
	c.cache.Remove(principalID)
}

func (c *CachedResolver) EffectivePermissions(ctx context.Context, principalID string) (PermissionSet, error) {
	return effectivePermissions(ctx, c, principalID)
}

func (c *CachedResolver) HasRole(ctx context.Context, principalID, role string) (bool, error) {
	return hasRole(ctx, c, principalID, role)
}

func (c *CachedResolver) HasPermission(ctx context.Context, principalID, code string) (bool, error) {
	return hasAnyPermission(ctx, c, principalID, []string{code})
}

func (c *CachedResolver) HasAnyPermission(ctx context.Context, principalID string, codes []string) (bool, error) {
	return hasAnyPermission(ctx, c, principalID, codes)
}
