package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/port-labs/ocean-sub007/core"
)

const entitySearchCacheKeyPrefix = "ocean::entity_search::v1"

// CachedCatalog serves SearchEntities through a read-through cache and
// invalidates every cached search of a blueprint when it is written.
type CachedCatalog struct {
	base  core.Catalog
	cache repositorycache.CacheService

	mu   sync.Mutex
	keys map[string]map[string]struct{}
}

func NewCachedCatalog(base core.Catalog, cacheService repositorycache.CacheService) (*CachedCatalog, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base catalog is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: catalog cache service is required")
	}
	return &CachedCatalog{base: base, cache: cacheService, keys: map[string]map[string]struct{}{}}, nil
}

// EntitySearchCacheKey returns
// ocean::entity_search::v1::<blueprint>::<id1,id2,...> with the identifiers
// sorted and each segment URL-path escaped.
func EntitySearchCacheKey(query core.EntityQuery) string {
	identifiers := trimmedNonEmpty(query.Identifiers)
	sort.Strings(identifiers)
	for i, identifier := range identifiers {
		identifiers[i] = url.PathEscape(identifier)
	}
	return strings.Join([]string{
		entitySearchCacheKeyPrefix,
		url.PathEscape(strings.TrimSpace(query.Blueprint)),
		strings.Join(identifiers, ","),
	}, "::")
}

func (c *CachedCatalog) SearchEntities(ctx context.Context, query core.EntityQuery) ([]core.Entity, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached catalog is not configured")
	}
	cacheKey := EntitySearchCacheKey(query)
	c.track(query.Blueprint, cacheKey)
	found, err := repositorycache.GetOrFetch(ctx, c.cache, cacheKey, func(ctx context.Context) ([]core.Entity, error) {
		return c.base.SearchEntities(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return cloneEntities(found), nil
}

func (c *CachedCatalog) Upsert(ctx context.Context, entities []core.Entity, callerTag string) ([]core.Entity, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached catalog is not configured")
	}
	applied, err := c.base.Upsert(ctx, entities, callerTag)
	if invalidateErr := c.invalidate(ctx, entities); invalidateErr != nil && err == nil {
		err = invalidateErr
	}
	return applied, err
}

func (c *CachedCatalog) Delete(ctx context.Context, entities []core.Entity, callerTag string) error {
	if c == nil || c.base == nil || c.cache == nil {
		return fmt.Errorf("sqlstore: cached catalog is not configured")
	}
	err := c.base.Delete(ctx, entities, callerTag)
	if invalidateErr := c.invalidate(ctx, entities); invalidateErr != nil && err == nil {
		err = invalidateErr
	}
	return err
}

func (c *CachedCatalog) track(blueprint string, cacheKey string) {
	blueprint = strings.TrimSpace(blueprint)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[blueprint] == nil {
		c.keys[blueprint] = map[string]struct{}{}
	}
	c.keys[blueprint][cacheKey] = struct{}{}
}

// invalidate drops the cached searches of every touched blueprint and the
// blueprint-less searches.
func (c *CachedCatalog) invalidate(ctx context.Context, entities []core.Entity) error {
	blueprints := map[string]struct{}{"": {}}
	for _, entity := range entities {
		blueprints[strings.TrimSpace(entity.Blueprint)] = struct{}{}
	}
	c.mu.Lock()
	keys := []string{}
	for blueprint := range blueprints {
		for key := range c.keys[blueprint] {
			keys = append(keys, key)
		}
		delete(c.keys, blueprint)
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func cloneEntities(entities []core.Entity) []core.Entity {
	out := make([]core.Entity, 0, len(entities))
	for _, entity := range entities {
		out = append(out, entity.Clone())
	}
	return out
}

var _ core.Catalog = (*CachedCatalog)(nil)
